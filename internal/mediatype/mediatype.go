// Package mediatype maps storage keys to the media types the inference
// service accepts.
package mediatype

import (
	"path"
	"strings"
)

// Image extensions and their MIME types.
var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
}

// Video extensions and their MIME types.
var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
}

func ext(key string) string { return strings.ToLower(path.Ext(key)) }

// FromKey returns the MIME type for key's extension, or "" when the
// extension is not a supported media type.
func FromKey(key string) string {
	e := ext(key)
	if t, ok := imageTypes[e]; ok {
		return t
	}
	return videoTypes[e]
}

// IsImage reports whether key has an image extension.
func IsImage(key string) bool {
	_, ok := imageTypes[ext(key)]
	return ok
}

// IsVideo reports whether key has a video extension.
func IsVideo(key string) bool {
	_, ok := videoTypes[ext(key)]
	return ok
}

// Resolve returns declared when set, otherwise the type implied by key.
func Resolve(declared, key string) string {
	if declared != "" {
		return declared
	}
	return FromKey(key)
}
