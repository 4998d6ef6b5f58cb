package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrNoUsableClient = errors.New("no usable client")
var ErrShortRead = errors.New("short read")
