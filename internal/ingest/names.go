package ingest

import (
	"path"
	"strings"
	"time"
	"unicode/utf8"
)

// timestampLayout prefixes stored file names (yyyyMMddHHmmss, UTC).
const timestampLayout = "20060102150405"

const maxNameBytes = 200

// SanitizeFilename turns an archive entry name into a single safe path element.
func SanitizeFilename(filename string) string {
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))

	// Remove path separators and control characters.
	filename = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, filename)

	// Trim spaces and dots from start/end
	filename = strings.Trim(filename, " .")

	// Limit length, keeping the extension and whole runes.
	if len(filename) > maxNameBytes {
		ext := path.Ext(filename)
		if len(ext) > 20 {
			ext = ""
		}
		stem := filename[:maxNameBytes-len(ext)]
		for !utf8.ValidString(stem) {
			stem = stem[:len(stem)-1]
		}
		filename = stem + ext
	}

	if filename == "" {
		filename = "unnamed"
	}

	return filename
}

// StoredName is the durable name of an ingested file: "<timestamp>_<name>".
func StoredName(at time.Time, name string) string {
	return at.UTC().Format(timestampLayout) + "_" + name
}

// FileType is the lower-cased extension tag of name including the dot, or ""
// when there is none (or it is too long to be a type tag).
func FileType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "." || len(ext) > 20 {
		return ""
	}
	return ext
}
