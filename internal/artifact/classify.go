package artifact

import (
	"path"
	"strings"
)

// Kind artifact kind
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindOther Kind = "other"
)

var videoExts = map[string]struct{}{
	"mp4": {}, "mov": {}, "webm": {}, "mkv": {}, "avi": {},
}

var imageExts = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "webp": {}, "bmp": {}, "tiff": {},
}

// Classify maps a URL or filename to an artifact kind by its extension.
// Query strings and fragments are ignored; no content sniffing is done.
func Classify(rawURL string) Kind {
	ext := Extension(rawURL)
	if _, ok := videoExts[ext]; ok {
		return KindVideo
	}
	if _, ok := imageExts[ext]; ok {
		return KindImage
	}
	return KindOther
}

// Extension returns the lower-cased extension of a URL path without the dot
func Extension(rawURL string) string {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := path.Ext(p)
	if ext == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
