// Package notify delivers the welcome message for a newly provisioned
// account. Delivery queues and retries live outside this service; a
// dispatcher either accepts a message or rejects it.
package notify

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned by the disabled dispatcher.
var ErrNotConfigured = errors.New("notifications not configured")

// Welcome is the payload of a welcome notification.
type Welcome struct {
	To            string
	Name          string
	Username      string
	Extension     string
	Password      string
	VoicemailPIN  string
	DIDNumber     string
	DIDShared     bool
	ServerAddress string
}

// Dispatcher hands a welcome message to a delivery channel.
type Dispatcher interface {
	SendWelcome(ctx context.Context, w Welcome) error
}

// Disabled rejects every message with ErrNotConfigured.
type Disabled struct{}

func (Disabled) SendWelcome(context.Context, Welcome) error { return ErrNotConfigured }
