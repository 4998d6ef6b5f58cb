package domain

import (
	"path"
	"strings"
)

type ObjectID string

// ContainerRef locates the backend chat or channel holding the message that
// references an object.
type ContainerRef struct {
	ChatID string `json:"chatId"`
}

// ObjectLocator identifies the attachment inside a container: the message
// that carries it plus the backend file id recorded at upload time. File
// handles resolved from it expire, so every fetch worker re-resolves its
// own handle rather than sharing one.
type ObjectLocator struct {
	MessageID int64  `json:"messageId"`
	FileID    string `json:"fileId"`
}

// RemoteObject is one streamable unit stored as a message attachment.
// Size comes from catalog metadata and may be stale; the streaming layer
// re-probes it and writes corrections back through the repository.
type RemoteObject struct {
	ID        ObjectID      `json:"id"`
	Name      string        `json:"name"`
	Size      int64         `json:"size"`
	MimeType  string        `json:"mimeType"`
	Container ContainerRef  `json:"container"`
	Locator   ObjectLocator `json:"locator"`
	IsFolder  bool          `json:"isFolder"`
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".webm": true,
	".mov":  true,
	".avi":  true,
	".mpeg": true,
	".mpg":  true,
	".m4v":  true,
}

// IsVideo reports whether the object should get an HLS rendition.
func (o RemoteObject) IsVideo() bool {
	if strings.HasPrefix(o.MimeType, "video") {
		return true
	}
	return videoExtensions[strings.ToLower(path.Ext(o.Name))]
}
