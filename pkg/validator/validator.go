package validator

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	fileNameRegex    = regexp.MustCompile(`^[\p{L}\p{N}._\- ()]{1,200}$`)
	contentTypeRegex = regexp.MustCompile(`^[a-z]+/[a-z0-9.+\-]+$`)
)

var allowedAttachmentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
}

// NormalizeContent trims surrounding whitespace and drops control characters
// other than line breaks and tabs.
func NormalizeContent(content string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, content)

	return strings.TrimSpace(cleaned)
}

// ValidateMessageContent expects already normalized content.
func ValidateMessageContent(content string, maxLength int) bool {
	if content == "" || !utf8.ValidString(content) {
		return false
	}

	return maxLength <= 0 || utf8.RuneCountInString(content) <= maxLength
}

func ValidateFileName(name string) bool {
	if name == "." || name == ".." {
		return false
	}

	return fileNameRegex.MatchString(name)
}

// SanitizeFileName strips any directory part and characters unsafe in an object key.
func SanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	cleaned := strings.Map(func(r rune) rune {
		if r == '<' || r == '>' || r == '&' || r == '"' || r == '\'' || r == '`' || r == ';' || r == '/' {
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, base)

	return strings.TrimSpace(cleaned)
}

func ValidateAttachmentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	return contentTypeRegex.MatchString(contentType) && allowedAttachmentTypes[contentType]
}
