package download

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// maxSuffix bounds the numeric collision suffix (_00001 .. _99999)
const maxSuffix = 99999

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// FilenameFor picks the local filename for a remote URL: the API-provided
// name when present, otherwise the URL's basename. Both are URL-decoded and
// stripped of characters that are invalid on common filesystems.
func FilenameFor(rawURL, preferred string) string {
	if name := cleanFilename(preferred); name != "" {
		return name
	}
	if u, err := url.Parse(rawURL); err == nil {
		if name := cleanFilename(path.Base(u.Path)); name != "" {
			return name
		}
	}
	return "download"
}

func cleanFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	// keep only the last path element of whatever we were handed
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = invalidFilenameChars.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

// reserveFile creates an empty file at the first free name in dir, trying
// name.ext, name_00001.ext, name_00002.ext and so on. The file is created
// with O_EXCL so a reserved name is never shared with another writer.
func reserveFile(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i <= maxSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%05d%s", stem, i, ext)
		}
		full := filepath.Join(dir, candidate)
		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if cerr := f.Close(); cerr != nil {
				return "", fmt.Errorf("failed to close reserved file: %w", cerr)
			}
			return full, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return "", fmt.Errorf("failed to reserve %s: %w", full, err)
	}
	return "", fmt.Errorf("%w: %s", ErrNoFreeName, name)
}
