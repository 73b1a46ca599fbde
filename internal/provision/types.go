package provision

import (
	"github.com/flowpbx/provisioner/internal/reload"
	"github.com/flowpbx/provisioner/internal/validate"
)

// Request describes one account to provision. Optional fields left empty
// are filled in from settings or generated.
type Request struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	FullName     string `json:"full_name"`
	Role         string `json:"role"`
	Extension    string `json:"extension,omitempty"`
	Password     string `json:"password,omitempty"`
	VoicemailPIN string `json:"voicemail_pin,omitempty"`
	DIDNumber    string `json:"did_number,omitempty"`
	Department   string `json:"department,omitempty"`

	SendWelcome       bool `json:"send_welcome"`
	QueueDedicatedDID bool `json:"queue_dedicated_did"`
}

func (r Request) input() validate.Input {
	return validate.Input{
		Username:     r.Username,
		Email:        r.Email,
		FullName:     r.FullName,
		Role:         r.Role,
		Extension:    r.Extension,
		Password:     r.Password,
		VoicemailPIN: r.VoicemailPIN,
		DIDNumber:    r.DIDNumber,
	}
}

// Credentials are returned to the caller exactly once.
type Credentials struct {
	Username      string `json:"username"`
	Extension     string `json:"extension"`
	Password      string `json:"password"`
	VoicemailPIN  string `json:"voicemail_pin"`
	APIKey        string `json:"api_key"`
	DIDNumber     string `json:"did_number,omitempty"`
	DIDShared     bool   `json:"did_shared,omitempty"`
	ServerAddress string `json:"server_address,omitempty"`
}

// Result is the caller-facing outcome of a provisioning run. On failure
// PartialExtension is set once an extension had been allocated, so an
// operator knows what to clean up or reconcile.
type Result struct {
	Success          bool           `json:"success"`
	RunID            string         `json:"run_id"`
	Extension        string         `json:"extension,omitempty"`
	Credentials      *Credentials   `json:"credentials,omitempty"`
	Error            string         `json:"error,omitempty"`
	PartialExtension string         `json:"partial_extension,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
	Reload           *reload.Result `json:"reload,omitempty"`
	DIDRequestID     int64          `json:"did_request_id,omitempty"`
}

// Run outcomes reported to the Observer.
const (
	OutcomeSuccess    = "success"
	OutcomeInvalid    = "invalid"
	OutcomeFailed     = "failed"
	OutcomePartial    = "partial"
	OutcomeCompensate = "compensated"
)

// Observer receives pipeline telemetry.
type Observer interface {
	StepFinished(step, status string)
	RunFinished(outcome string, seconds float64)
}

type nopObserver struct{}

func (nopObserver) StepFinished(string, string)  {}
func (nopObserver) RunFinished(string, float64) {}
