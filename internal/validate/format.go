package validate

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxNameLen     = 200
	maxUsernameLen = 64
	maxEmailLen    = 254 // RFC 5321
	maxPasswordLen = 256
)

// emailRe checks structure only; it is not an RFC 5322 parser.
var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._\-]{2,63}$`)

// extensionRe: digits only, 1-20 chars.
var extensionRe = regexp.MustCompile(`^\d{1,20}$`)

var pinRe = regexp.MustCompile(`^\d{4,12}$`)

// didRe accepts E.164 with or without the leading plus.
var didRe = regexp.MustCompile(`^\+?\d{3,20}$`)

// Each check returns a reason, or "" when value is acceptable.

func checkLen(field, value string, max int) string {
	if utf8.RuneCountInString(value) > max {
		return field + " exceeds maximum length"
	}
	return ""
}

func checkRequired(field, value string, max int) string {
	if value == "" {
		return field + " is required"
	}
	return checkLen(field, value, max)
}

func checkEmail(field, value string) string {
	if len(value) > maxEmailLen {
		return field + " exceeds maximum length"
	}
	if !emailRe.MatchString(value) {
		return field + " is not a valid email address"
	}
	return ""
}

func checkUsername(field, value string) string {
	if !usernameRe.MatchString(value) {
		return field + " must be 3-64 letters, digits, dots, dashes or underscores"
	}
	return ""
}

func checkExtension(field, value string) string {
	if !extensionRe.MatchString(value) {
		return field + " must contain only digits (max 20)"
	}
	return ""
}

// checkPIN allows an empty value.
func checkPIN(field, value string) string {
	if value != "" && !pinRe.MatchString(value) {
		return field + " must be 4-12 digits"
	}
	return ""
}

// checkPassword allows an empty value. ';' and ',' end a value in the PBX
// config files, so a password carrying them could never be written as given.
func checkPassword(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) < 8 {
		return field + " must be at least 8 characters"
	}
	if strings.ContainsAny(value, ";,") || strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return field + " must not contain ';', ',' or control characters"
	}
	return checkLen(field, value, maxPasswordLen)
}

// checkDID allows an empty value.
func checkDID(field, value string) string {
	if value != "" && !didRe.MatchString(value) {
		return field + " is not a valid phone number"
	}
	return ""
}
