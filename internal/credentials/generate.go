// Package credentials generates and hashes the secrets handed to a newly
// provisioned telephony user.
package credentials

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

const (
	DefaultPasswordLength = 16
	DefaultPINLength      = 4

	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@%^&*-_+=." // no ';' or ',' which end values in PBX config files
)

// ErrLengthTooShort is returned when a password length cannot hold one
// character of every class.
var ErrLengthTooShort = errors.New("password length must be at least 4")

// Set is the generated secret material for one provisioning run.
type Set struct {
	Password     string
	VoicemailPIN string
	APIKey       string
}

// Generator produces random passwords and numeric PINs.
type Generator struct {
	PasswordLength int
	PINLength      int
}

// NewGenerator returns a Generator, falling back to the defaults for
// non-positive lengths.
func NewGenerator(passwordLength, pinLength int) *Generator {
	if passwordLength <= 0 {
		passwordLength = DefaultPasswordLength
	}
	if pinLength <= 0 {
		pinLength = DefaultPINLength
	}
	return &Generator{PasswordLength: passwordLength, PINLength: pinLength}
}

// Generate fills in any field of supplied that is empty. Caller-supplied
// values are kept as-is.
func (g *Generator) Generate(supplied Set) (Set, error) {
	out := supplied
	var err error
	if out.Password == "" {
		if out.Password, err = g.Password(); err != nil {
			return Set{}, err
		}
	}
	if out.VoicemailPIN == "" {
		if out.VoicemailPIN, err = g.PIN(); err != nil {
			return Set{}, err
		}
	}
	if out.APIKey == "" {
		out.APIKey = uuid.NewString()
	}
	return out, nil
}

// Password returns a random password containing at least one lowercase,
// uppercase, digit and symbol character.
func (g *Generator) Password() (string, error) {
	n := g.PasswordLength
	if n < 4 {
		return "", ErrLengthTooShort
	}

	classes := []string{lowerChars, upperChars, digitChars, symbolChars}
	all := lowerChars + upperChars + digitChars + symbolChars

	buf := make([]byte, n)
	for i, set := range classes {
		c, err := pick(set)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}
	for i := len(classes); i < n; i++ {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}

	// Fisher-Yates so the guaranteed classes are not always in front.
	for i := n - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}

// PIN returns a random string of PINLength decimal digits.
func (g *Generator) PIN() (string, error) {
	buf := make([]byte, g.PINLength)
	for i := range buf {
		c, err := pick(digitChars)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}
	return string(buf), nil
}

func pick(set string) (byte, error) {
	i, err := randInt(len(set))
	if err != nil {
		return 0, err
	}
	return set[i], nil
}

func randInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("reading random: %w", err)
	}
	return int(n.Int64()), nil
}
