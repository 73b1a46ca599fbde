package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when a key is absent.
const (
	DefaultRangeStart       = "3000"
	DefaultRangeEnd         = "4000"
	DefaultVoicemailContext = "default"
	DefaultDialplanContext  = "from-internal"
	DefaultEndpointContext  = "from-internal"
	DefaultDialTimeout      = 30
	DefaultReloadTimeout    = 10 * time.Second
	DefaultSMTPPort         = 587
)

// Range is the configured numbering range, half-open: Start is the first
// usable number and End is one past the last. Width is non-zero when the
// bounds are written with leading zeros and numbers must be padded to it.
type Range struct {
	Start    int
	End      int
	Width    int
	Reserved []string
}

// Features holds the default feature flags for a new extension.
type Features struct {
	Voicemail     bool
	EmailNotify   bool
	ChatNotify    bool
	CallRecording bool
	Accessibility bool
}

// SMTP holds outbound mail settings for welcome notifications.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLS      string
}

// Configured reports whether a relay host and sender are set.
func (s SMTP) Configured() bool {
	return s.Host != "" && s.From != ""
}

// Provisioning is the snapshot of every setting the provisioning pipeline
// reads. It is built once and passed by value; nothing reads system_config
// behind its back except the allocator cursor.
type Provisioning struct {
	Range    Range
	Features Features

	PasswordLength int
	PINLength      int

	DefaultDID    string
	ServerAddress string

	VoicemailContext string
	DialplanContext  string
	EndpointContext  string
	DialTimeout      int

	ReloadTimeout time.Duration
	FailureMode   string

	SMTP SMTP
}

// Load reads the provisioning snapshot from s.
func Load(ctx context.Context, s *Store) (*Provisioning, error) {
	p := &Provisioning{}
	var err error

	if p.Range, err = loadRange(ctx, s); err != nil {
		return nil, err
	}

	flags := []struct {
		key string
		def bool
		dst *bool
	}{
		{KeyFeatureVoicemail, true, &p.Features.Voicemail},
		{KeyFeatureEmailNotify, false, &p.Features.EmailNotify},
		{KeyFeatureChatNotify, false, &p.Features.ChatNotify},
		{KeyFeatureCallRecording, false, &p.Features.CallRecording},
		{KeyFeatureAccessibility, false, &p.Features.Accessibility},
	}
	for _, f := range flags {
		if *f.dst, err = s.Bool(ctx, f.key, f.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{KeyPasswordLength, 16, &p.PasswordLength},
		{KeyPINLength, 4, &p.PINLength},
		{KeyDialTimeout, DefaultDialTimeout, &p.DialTimeout},
		{KeySMTPPort, DefaultSMTPPort, &p.SMTP.Port},
	}
	for _, f := range ints {
		if *f.dst, err = s.Int(ctx, f.key, f.def); err != nil {
			return nil, err
		}
	}

	strs := []struct {
		key string
		def string
		dst *string
	}{
		{KeyDefaultDID, "", &p.DefaultDID},
		{KeyServerAddress, "", &p.ServerAddress},
		{KeyVoicemailContext, DefaultVoicemailContext, &p.VoicemailContext},
		{KeyDialplanContext, DefaultDialplanContext, &p.DialplanContext},
		{KeyEndpointContext, DefaultEndpointContext, &p.EndpointContext},
		{KeyFailureMode, FailureOutbox, &p.FailureMode},
		{KeySMTPHost, "", &p.SMTP.Host},
		{KeySMTPUsername, "", &p.SMTP.Username},
		{KeySMTPPassword, "", &p.SMTP.Password},
		{KeySMTPFrom, "", &p.SMTP.From},
		{KeySMTPFromName, "", &p.SMTP.FromName},
		{KeySMTPTLS, "starttls", &p.SMTP.TLS},
	}
	for _, f := range strs {
		if *f.dst, err = s.String(ctx, f.key, f.def); err != nil {
			return nil, err
		}
	}

	secs, err := s.Int(ctx, KeyReloadTimeout, int(DefaultReloadTimeout/time.Second))
	if err != nil {
		return nil, err
	}
	p.ReloadTimeout = time.Duration(secs) * time.Second

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provisioning) validate() error {
	if p.PasswordLength < 8 {
		return fmt.Errorf("%s must be at least 8, got %d", KeyPasswordLength, p.PasswordLength)
	}
	if p.PINLength < 4 || p.PINLength > 12 {
		return fmt.Errorf("%s must be between 4 and 12, got %d", KeyPINLength, p.PINLength)
	}
	if p.ReloadTimeout <= 0 {
		return fmt.Errorf("%s must be positive", KeyReloadTimeout)
	}
	if p.FailureMode != FailureOutbox && p.FailureMode != FailureCompensate {
		return fmt.Errorf("%s must be %q or %q, got %q", KeyFailureMode, FailureOutbox, FailureCompensate, p.FailureMode)
	}
	return nil
}

func loadRange(ctx context.Context, s *Store) (Range, error) {
	startRaw, err := s.String(ctx, KeyRangeStart, DefaultRangeStart)
	if err != nil {
		return Range{}, err
	}
	endRaw, err := s.String(ctx, KeyRangeEnd, DefaultRangeEnd)
	if err != nil {
		return Range{}, err
	}

	var r Range
	if r.Start, err = parseNumber(KeyRangeStart, startRaw); err != nil {
		return Range{}, err
	}
	if r.End, err = parseNumber(KeyRangeEnd, endRaw); err != nil {
		return Range{}, err
	}
	if r.Start >= r.End {
		return Range{}, fmt.Errorf("extension range [%d,%d) is empty", r.Start, r.End)
	}
	if strings.HasPrefix(strings.TrimSpace(startRaw), "0") && len(strings.TrimSpace(startRaw)) > 1 {
		r.Width = len(strings.TrimSpace(startRaw))
	}

	if r.Reserved, err = s.Strings(ctx, KeyReserved); err != nil {
		return Range{}, err
	}
	return r, nil
}

func parseNumber(key, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("setting %s: %q is not a non-negative number", key, raw)
	}
	return n, nil
}
