// Package validate performs the read-only checks that gate a provisioning
// run. Nothing here writes.
package validate

import (
	"context"
	"fmt"
	"strings"
)

// Roles a provisioned account may hold.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Error reports the first check a request failed.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return "validation failed: " + e.Reason
}

// Input is the part of a provisioning request subject to validation.
type Input struct {
	Username     string
	Email        string
	FullName     string
	Role         string
	Extension    string // optional
	Password     string // optional
	VoicemailPIN string // optional
	DIDNumber    string // optional
}

// Users answers identity lookups.
type Users interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
}

// Extensions answers extension lookups.
type Extensions interface {
	InUse(ctx context.Context, ext string) (bool, error)
}

// Validator checks provisioning input against the current store.
type Validator struct {
	users      Users
	extensions Extensions
}

// New creates a Validator.
func New(users Users, extensions Extensions) *Validator {
	return &Validator{users: users, extensions: extensions}
}

// Normalize trims whitespace, lower-cases the email and defaults the role.
func Normalize(in Input) Input {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FullName = strings.TrimSpace(in.FullName)
	in.Role = strings.ToLower(strings.TrimSpace(in.Role))
	if in.Role == "" {
		in.Role = RoleUser
	}
	in.Extension = strings.TrimSpace(in.Extension)
	in.DIDNumber = strings.TrimSpace(in.DIDNumber)
	return in
}

// Validate runs every check in order and returns the first failure as an
// *Error. Store failures are returned as plain errors.
func (v *Validator) Validate(ctx context.Context, in Input) error {
	formatChecks := []struct {
		field  string
		reason string
	}{
		{"username", checkRequired("username", in.Username, maxUsernameLen)},
		{"email", checkRequired("email", in.Email, maxEmailLen)},
		{"full_name", checkLen("full_name", in.FullName, maxNameLen)},
		{"email", checkEmail("email", in.Email)},
		{"username", checkUsername("username", in.Username)},
		{"role", checkRole(in.Role)},
		{"password", checkPassword("password", in.Password)},
		{"voicemail_pin", checkPIN("voicemail_pin", in.VoicemailPIN)},
		{"did_number", checkDID("did_number", in.DIDNumber)},
	}
	for _, c := range formatChecks {
		if c.reason != "" {
			return &Error{Field: c.field, Reason: c.reason}
		}
	}

	taken, err := v.users.UsernameExists(ctx, in.Username)
	if err != nil {
		return fmt.Errorf("checking username: %w", err)
	}
	if taken {
		return &Error{Field: "username", Reason: fmt.Sprintf("username %q is already taken", in.Username)}
	}

	taken, err = v.users.EmailExists(ctx, in.Email)
	if err != nil {
		return fmt.Errorf("checking email: %w", err)
	}
	if taken {
		return &Error{Field: "email", Reason: fmt.Sprintf("email %q is already registered", in.Email)}
	}

	if in.Extension == "" {
		return nil
	}
	if reason := checkExtension("extension", in.Extension); reason != "" {
		return &Error{Field: "extension", Reason: reason}
	}
	taken, err = v.extensions.InUse(ctx, in.Extension)
	if err != nil {
		return fmt.Errorf("checking extension: %w", err)
	}
	if taken {
		return &Error{Field: "extension", Reason: fmt.Sprintf("extension %s is already in use", in.Extension)}
	}
	return nil
}

func checkRole(role string) string {
	switch role {
	case RoleUser, RoleAdmin:
		return ""
	}
	return fmt.Sprintf("role %q is not one of %s, %s", role, RoleUser, RoleAdmin)
}

// DIDNumber checks a phone number supplied outside a provisioning request.
func DIDNumber(number string) error {
	if number == "" {
		return &Error{Field: "did_number", Reason: "did_number is required"}
	}
	if reason := checkDID("did_number", number); reason != "" {
		return &Error{Field: "did_number", Reason: reason}
	}
	return nil
}
