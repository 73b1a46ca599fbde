package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowpbx/provisioner/internal/audit"
	"github.com/flowpbx/provisioner/internal/database/models"
	"github.com/flowpbx/provisioner/internal/validate"
)

var (
	// ErrDIDRequestNotFound means no queued request has the given ID.
	ErrDIDRequestNotFound = errors.New("did request not found")
	// ErrDIDRequestClosed means the request was already fulfilled.
	ErrDIDRequestClosed = errors.New("did request already fulfilled")
)

// FulfillDIDRequest assigns number as the dedicated primary DID of a
// queued request's extension. The previous primary, typically the shared
// default, is demoted but kept.
func (o *Orchestrator) FulfillDIDRequest(ctx context.Context, id int64, number string) (*models.DIDAssignment, error) {
	if err := validate.DIDNumber(number); err != nil {
		return nil, err
	}

	req, err := o.dids.GetRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading did request %d: %w", id, err)
	}
	if req == nil {
		return nil, ErrDIDRequestNotFound
	}
	if req.Status != models.DIDRequestPending {
		return nil, ErrDIDRequestClosed
	}

	ctx = audit.WithRunID(ctx, uuid.NewString())
	a, err := o.dids.Fulfill(ctx, id, number)
	if err != nil {
		o.audit.Record(ctx, req.Extension, audit.ActionDIDFulfill, err.Error(), models.AuditFailed)
		return nil, fmt.Errorf("fulfilling did request %d: %w", id, err)
	}

	o.audit.Record(ctx, req.Extension, audit.ActionDIDFulfill,
		fmt.Sprintf("request %d fulfilled with %s", id, number), models.AuditSuccess)
	o.logger.Info("dedicated did assigned", "request_id", id, "extension", req.Extension, "did", number)
	return a, nil
}
