package export

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// StampLayout is the time layout of export directory names.
const StampLayout = "2006-01-02-150405"

// maxNamespaceParts bounds how many package path elements become
// directories.
const maxNamespaceParts = 4

const noNamespace = "(no_namespace)"

// RunDir is the directory one export run writes to.
func RunDir(base string, now time.Time, reason string) string {
	return filepath.Join(base, now.Format(StampLayout)+"-"+Sanitize(reason))
}

// Sanitize makes s usable as a single path element. Runs of characters
// that are invalid in file names become one underscore.
func Sanitize(s string) string {
	parts := strings.FieldsFunc(s, invalidFileRune)
	if len(parts) == 0 {
		return "unnamed"
	}
	return strings.Join(parts, "_")
}

func invalidFileRune(r rune) bool {
	switch r {
	case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
		return true
	}
	return unicode.IsControl(r)
}

// NamespaceDir maps a package path to at most four directory levels.
func NamespaceDir(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return noNamespace
	}
	parts := strings.FieldsFunc(ns, func(r rune) bool { return r == '/' })
	if len(parts) > maxNamespaceParts {
		parts = parts[:maxNamespaceParts]
	}
	for i, p := range parts {
		parts[i] = Sanitize(p)
	}
	if len(parts) == 0 {
		return noNamespace
	}
	return filepath.Join(parts...)
}

// RecordPath is the path of one record file relative to the run directory.
func RecordPath(namespace, typeName, name, id string, format Format) string {
	file := Sanitize(name) + "_" + id + "." + format.Ext()
	return filepath.Join(NamespaceDir(namespace), Sanitize(typeName), file)
}
