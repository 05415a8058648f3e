package attachment

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxFilenameLength = 200

// SanitizeFilename makes a filename safe to use in a Content-Disposition
// header or as a file name on disk.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return -1
		case strings.ContainsRune(`:*?"<>|`, r):
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, name)
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", "")
	}
	name = strings.Trim(name, " .")

	if name == "" {
		return "attachment"
	}
	return truncate(name, maxFilenameLength)
}

// truncate shortens name to at most n bytes, keeping the extension and never
// splitting a rune.
func truncate(name string, n int) string {
	if len(name) <= n {
		return name
	}

	ext := filepath.Ext(name)
	if len(ext) > n/4 {
		ext = ""
	}
	base := name[:len(name)-len(ext)]
	limit := n - len(ext)
	for limit > 0 && !utf8.RuneStart(base[limit]) {
		limit--
	}
	return base[:limit] + ext
}
