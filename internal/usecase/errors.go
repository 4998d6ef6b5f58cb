package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrBackend       = errors.New("backend error")
	ErrRepository    = errors.New("repository error")
	ErrNotStreamable = errors.New("object is not streamable")
)

func wrapBackend(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBackend, err)
}

func wrapRepo(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrRepository, err)
}
