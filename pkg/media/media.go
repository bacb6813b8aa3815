package media

import (
	"path"
	"strings"
)

const (
	DefaultMimeType   = "image/jpeg"
	OctetStream       = "application/octet-stream"
	FallbackExtension = "bin"
)

// Descriptor is resolved media ready to be handed to the transport.
type Descriptor struct {
	MimeType  string
	Data      []byte
	Encoded   string // base64 form of Data
	Extension string
	Filename  string
}

var extensions = map[string]string{
	"image/jpeg":         "jpg",
	"image/jpg":          "jpg",
	"image/png":          "png",
	"image/gif":          "gif",
	"image/webp":         "webp",
	"video/mp4":          "mp4",
	"video/3gpp":         "3gp",
	"video/quicktime":    "mov",
	"audio/mpeg":         "mp3",
	"audio/mp4":          "m4a",
	"audio/ogg":          "ogg",
	"audio/wav":          "wav",
	"audio/aac":          "aac",
	"application/pdf":    "pdf",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
	"text/plain":      "txt",
	"application/zip": "zip",
}

// ExtensionFor maps a MIME type to a file extension (without the dot).
// Parameters such as "; codecs=opus" are ignored. Unknown types map to "bin".
func ExtensionFor(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if ext, ok := extensions[mt]; ok {
		return ext
	}
	return FallbackExtension
}

// MimeForFilename is the reverse lookup used when a remote server omits Content-Type.
func MimeForFilename(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if ext == "" {
		return OctetStream
	}
	if ext == "jpeg" {
		return "image/jpeg"
	}
	for mt, e := range extensions {
		if e == ext && mt != "image/jpg" {
			return mt
		}
	}
	return OctetStream
}

// DefaultFilename builds "media.<ext>" for the given MIME type.
func DefaultFilename(mimeType string) string {
	return "media." + ExtensionFor(mimeType)
}
