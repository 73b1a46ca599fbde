package models

import "time"

// SettingType describes how a system_config value should be interpreted.
type SettingType string

const (
	SettingBool   SettingType = "bool"
	SettingNumber SettingType = "number"
	SettingString SettingType = "string"
	SettingJSON   SettingType = "json"
)

// SystemConfig represents a typed key-value configuration entry.
type SystemConfig struct {
	ID        int64
	Key       string
	Value     string
	Type      SettingType
	UpdatedAt time.Time
}

// User represents an account that owns one or more extensions.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string // argon2id
	FullName     string
	Role         string
	Active       bool
	APIKey       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Extension status values.
const (
	ExtensionActive   = "active"
	ExtensionDisabled = "disabled"
)

// Extension represents a provisioned PBX extension.
type Extension struct {
	ID               int64
	Extension        string
	Name             string
	Email            string
	PasswordHash     string // argon2id
	UserID           int64
	Status           string
	VoicemailEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FeatureSet holds the per-extension feature flags. There is at most one
// row per extension.
type FeatureSet struct {
	Extension     string
	Voicemail     bool
	EmailNotify   bool
	ChatNotify    bool
	CallRecording bool
	Accessibility bool
	Department    string
	UpdatedAt     time.Time
}

// DID assignment types.
const (
	AssignmentShared    = "shared"
	AssignmentDedicated = "dedicated"
	AssignmentRequested = "requested"
)

// DIDAssignment binds a public number to an extension.
type DIDAssignment struct {
	ID             int64
	UserID         int64
	Extension      string
	DIDNumber      string
	Primary        bool
	Shared         bool
	AssignmentType string
	CreatedAt      time.Time
}

// DID request statuses.
const (
	DIDRequestPending   = "pending"
	DIDRequestFulfilled = "fulfilled"
)

// DIDRequest is a queued request for a dedicated number awaiting an
// administrator.
type DIDRequest struct {
	ID              int64
	UserID          int64
	Extension       string
	Status          string
	FulfilledNumber string
	RequestedAt     time.Time
	FulfilledAt     *time.Time
}

// Audit statuses.
const (
	AuditSuccess = "success"
	AuditFailed  = "failed"
)

// AuditEntry is one step outcome in the provisioning log.
type AuditEntry struct {
	ID        int64
	RunID     string
	Extension string
	Action    string
	Detail    string
	Status    string
	CreatedAt time.Time
}

// Pending artifact statuses.
const (
	ArtifactPending   = "pending"
	ArtifactApplied   = "applied"
	ArtifactAbandoned = "abandoned"
)

// PendingArtifact is an outbox row for a configuration fragment that must be
// appended to an external configuration source.
type PendingArtifact struct {
	ID        int64
	Extension string
	Kind      string
	Source    string
	Context   string
	Body      string // plaintext; encrypted at rest when an encryptor is configured
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	AppliedAt *time.Time
}
