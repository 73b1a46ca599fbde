package api

import (
	"fmt"
	"unicode/utf8"

	"github.com/flowpbx/provisioner/internal/provision"
)

// maxBulkItems caps the number of requests in one bulk call.
const maxBulkItems = 100

// maxNameLen is the maximum length for names and departments.
const maxNameLen = 200

// maxShortStringLen is the maximum length for short identifiers (usernames, extensions, DIDs).
const maxShortStringLen = 40

// maxEmailLen is the maximum length for email addresses (RFC 5321).
const maxEmailLen = 254

// maxPasswordLen is the maximum length for passwords and PINs.
const maxPasswordLen = 256

// checkLengths rejects oversized fields before they reach the pipeline.
// Format rules are enforced by the provisioning validator.
func checkLengths(req provision.Request) string {
	fields := []struct {
		name  string
		value string
		max   int
	}{
		{"username", req.Username, maxShortStringLen},
		{"email", req.Email, maxEmailLen},
		{"full_name", req.FullName, maxNameLen},
		{"role", req.Role, maxShortStringLen},
		{"extension", req.Extension, maxShortStringLen},
		{"password", req.Password, maxPasswordLen},
		{"voicemail_pin", req.VoicemailPIN, maxShortStringLen},
		{"did_number", req.DIDNumber, maxShortStringLen},
		{"department", req.Department, maxNameLen},
	}
	for _, f := range fields {
		if utf8.RuneCountInString(f.value) > f.max {
			return fmt.Sprintf("%s must be at most %d characters", f.name, f.max)
		}
	}
	return ""
}

// checkBulkSize validates the item count of a bulk request.
func checkBulkSize(n int) string {
	switch {
	case n == 0:
		return "requests must not be empty"
	case n > maxBulkItems:
		return fmt.Sprintf("at most %d requests per call", maxBulkItems)
	}
	return ""
}
