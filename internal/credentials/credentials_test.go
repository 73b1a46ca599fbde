package credentials

import (
	"errors"
	"strings"
	"testing"
)

func TestPasswordLengthAndClasses(t *testing.T) {
	g := NewGenerator(0, 0)
	for i := 0; i < 50; i++ {
		pw, err := g.Password()
		if err != nil {
			t.Fatalf("Password() error: %v", err)
		}
		if len(pw) != DefaultPasswordLength {
			t.Fatalf("len = %d, want %d", len(pw), DefaultPasswordLength)
		}
		for _, set := range []string{lowerChars, upperChars, digitChars, symbolChars} {
			if !strings.ContainsAny(pw, set) {
				t.Errorf("password %q lacks a character from %q", pw, set)
			}
		}
		if strings.ContainsAny(pw, ";,") {
			t.Errorf("password %q contains a config delimiter", pw)
		}
	}
}

func TestPasswordTooShort(t *testing.T) {
	g := &Generator{PasswordLength: 3, PINLength: 4}
	if _, err := g.Password(); !errors.Is(err, ErrLengthTooShort) {
		t.Errorf("Password() error = %v, want ErrLengthTooShort", err)
	}
}

func TestPIN(t *testing.T) {
	tests := []struct {
		length int
		want   int
	}{
		{0, 4},
		{4, 4},
		{6, 6},
	}
	for _, tt := range tests {
		pin, err := NewGenerator(16, tt.length).PIN()
		if err != nil {
			t.Fatalf("PIN() error: %v", err)
		}
		if len(pin) != tt.want {
			t.Errorf("PIN length %d: got %q", tt.length, pin)
		}
		if strings.Trim(pin, digitChars) != "" {
			t.Errorf("PIN %q contains non-digits", pin)
		}
	}
}

func TestGenerateKeepsSupplied(t *testing.T) {
	g := NewGenerator(16, 4)

	set, err := g.Generate(Set{Password: "given-password"})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if set.Password != "given-password" {
		t.Errorf("Password = %q, want supplied value", set.Password)
	}
	if len(set.VoicemailPIN) != 4 {
		t.Errorf("VoicemailPIN = %q, want 4 digits", set.VoicemailPIN)
	}
	if set.APIKey == "" {
		t.Error("APIKey should be generated")
	}

	other, _ := g.Generate(Set{})
	if other.APIKey == set.APIKey {
		t.Error("API keys should be unique")
	}
}

func TestHashAndVerify(t *testing.T) {
	h := NewHasher(DefaultHashParams)

	hash, err := h.Hash("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("Hash() error: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash should start with $argon2id$, got %q", hash)
	}

	ok, err := Verify("correct-horse-battery-staple", hash)
	if err != nil || !ok {
		t.Errorf("Verify(correct) = %v, %v; want true", ok, err)
	}
	ok, err = Verify("wrong", hash)
	if err != nil || ok {
		t.Errorf("Verify(wrong) = %v, %v; want false", ok, err)
	}

	again, _ := h.Hash("correct-horse-battery-staple")
	if again == hash {
		t.Error("hashes of the same secret should differ by salt")
	}
}

func TestVerifyMalformed(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"no delimiters", "notahash"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"missing fields", "$argon2id$v=19$m=65536,t=3,p=4"},
		{"bad version", "$argon2id$v=1$m=65536,t=3,p=4$c2FsdA$aGFzaA"},
		{"bad salt", "$argon2id$v=19$m=65536,t=3,p=4$!!!$aGFzaA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Verify("x", tt.encoded); err == nil {
				t.Error("Verify() should fail")
			}
		})
	}
}
