package security

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path escapes the output directory")
	ErrAbsolutePath  = errors.New("absolute paths are not allowed")
	ErrReservedName  = errors.New("reserved filename not allowed")
	ErrLeadingHyphen = errors.New("filename cannot start with a hyphen")

	reservedName = regexp.MustCompile(`(?i)^(con|prn|aux|nul|com[1-9]|lpt[1-9])$`)
)

// ValidateSavePath checks an artifact name relative to the output directory.
func ValidateSavePath(path string) error {
	if filepath.IsAbs(path) {
		return ErrAbsolutePath
	}
	if !filepath.IsLocal(path) {
		return ErrPathTraversal
	}

	base := filepath.Base(path)
	if IsReservedName(base) {
		return ErrReservedName
	}
	if strings.HasPrefix(base, "-") {
		return ErrLeadingHyphen
	}
	return nil
}

// IsReservedName reports whether name, ignoring extensions, is a device name
// Windows refuses to create.
func IsReservedName(name string) bool {
	stem, _, _ := strings.Cut(name, ".")
	return reservedName.MatchString(stem)
}

// SanitizeFilename makes an uploaded or user supplied file name safe to send
// and to write.
func SanitizeFilename(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`/\:`, r):
			return '-'
		case strings.ContainsRune(`*?"<>|`, r):
			return -1
		}
		return r
	}, name)
	sanitized = strings.TrimLeft(sanitized, ".-")
	sanitized = strings.TrimRight(sanitized, ". ")

	if sanitized == "" {
		return "file"
	}
	if IsReservedName(sanitized) {
		sanitized += "_"
	}
	return sanitized
}
