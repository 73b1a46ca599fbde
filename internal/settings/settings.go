// Package settings reads typed provisioning configuration out of the
// system_config table and assembles it into an immutable snapshot that is
// handed to the services at startup.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// Setting keys.
const (
	KeyRangeStart    = "extension_range_start"
	// KeyRangeEnd is exclusive: the last number handed out is end-1, so
	// start 3000 and end 4000 yield 3000 through 3999.
	KeyRangeEnd      = "extension_range_end"
	KeyNextExtension = "next_available_extension"
	KeyReserved      = "reserved_extensions"

	KeyFeatureVoicemail     = "feature_voicemail"
	KeyFeatureEmailNotify   = "feature_email_notify"
	KeyFeatureChatNotify    = "feature_chat_notify"
	KeyFeatureCallRecording = "feature_call_recording"
	KeyFeatureAccessibility = "feature_accessibility"

	KeyPasswordLength   = "password_length"
	KeyPINLength        = "voicemail_pin_length"
	KeyDefaultDID       = "default_did"
	KeyServerAddress    = "server_address"
	KeyVoicemailContext = "voicemail_context"
	KeyDialplanContext  = "dialplan_context"
	KeyEndpointContext  = "endpoint_context"
	KeyDialTimeout      = "dial_timeout_seconds"
	KeyReloadTimeout    = "reload_timeout_seconds"
	KeyFailureMode      = "failure_mode"

	KeySMTPHost     = "smtp_host"
	KeySMTPPort     = "smtp_port"
	KeySMTPUsername = "smtp_username"
	KeySMTPPassword = "smtp_password"
	KeySMTPFrom     = "smtp_from"
	KeySMTPFromName = "smtp_from_name"
	KeySMTPTLS      = "smtp_tls"
)

// Failure modes for errors after the relational commit.
const (
	FailureOutbox     = "outbox"
	FailureCompensate = "compensate"
)

// Repository is the subset of the system config repository settings needs.
type Repository interface {
	Lookup(ctx context.Context, key string) (models.SystemConfig, bool, error)
	Set(ctx context.Context, key, value string, typ models.SettingType) error
}

// Store is a typed get-with-default / set accessor over Repository.
type Store struct {
	repo Repository
}

// NewStore wraps repo.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// String returns the value of key or def when the key is absent or empty.
func (s *Store) String(ctx context.Context, key, def string) (string, error) {
	c, ok, err := s.repo.Lookup(ctx, key)
	if err != nil {
		return "", fmt.Errorf("reading setting %s: %w", key, err)
	}
	if !ok || c.Value == "" {
		return def, nil
	}
	return c.Value, nil
}

// Int returns the numeric value of key or def.
func (s *Store) Int(ctx context.Context, key string, def int) (int, error) {
	v, err := s.String(ctx, key, "")
	if err != nil || v == "" {
		return def, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("setting %s: %q is not a number", key, v)
	}
	return n, nil
}

// Bool returns the boolean value of key or def. Accepts the forms
// strconv.ParseBool does plus "yes"/"no" and "on"/"off".
func (s *Store) Bool(ctx context.Context, key string, def bool) (bool, error) {
	v, err := s.String(ctx, key, "")
	if err != nil || v == "" {
		return def, err
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("setting %s: %q is not a boolean", key, v)
	}
	return b, nil
}

// Strings returns a list stored either as a JSON array or a comma separated
// string.
func (s *Store) Strings(ctx context.Context, key string) ([]string, error) {
	v, err := s.String(ctx, key, "")
	if err != nil || v == "" {
		return nil, err
	}
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "[") {
		var raw []any
		if err := json.Unmarshal([]byte(v), &raw); err != nil {
			return nil, fmt.Errorf("setting %s: %w", key, err)
		}
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			switch x := item.(type) {
			case string:
				out = append(out, strings.TrimSpace(x))
			case float64:
				out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
			default:
				return nil, fmt.Errorf("setting %s: unsupported element %v", key, item)
			}
		}
		return out, nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

// Set stores value under key, inferring the setting type from its Go type.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	raw, typ, err := encode(value)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return s.repo.Set(ctx, key, raw, typ)
}

func encode(value any) (string, models.SettingType, error) {
	switch v := value.(type) {
	case string:
		return v, models.SettingString, nil
	case bool:
		return strconv.FormatBool(v), models.SettingBool, nil
	case int:
		return strconv.Itoa(v), models.SettingNumber, nil
	case int64:
		return strconv.FormatInt(v, 10), models.SettingNumber, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), models.SettingNumber, nil
	case time.Duration:
		return strconv.Itoa(int(v / time.Second)), models.SettingNumber, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", "", err
		}
		return string(b), models.SettingJSON, nil
	}
}
