package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// provisioningStore implements ProvisioningStore.
type provisioningStore struct {
	db  *DB
	enc *Encryptor
}

// NewProvisioningStore creates a new ProvisioningStore. enc may be nil, in
// which case outbox bodies are stored in plaintext.
func NewProvisioningStore(db *DB, enc *Encryptor) ProvisioningStore {
	return &provisioningStore{db: db, enc: enc}
}

// Persist inserts the user, its extension and the outbox rows in a single
// transaction.
func (s *provisioningStore) Persist(ctx context.Context, p PersistParams) error {
	if p.User == nil || p.Extension == nil {
		return fmt.Errorf("persist: user and extension are required")
	}
	return s.db.WithTx(ctx, func(tx *Tx) error {
		if err := insertUser(ctx, tx, p.User); err != nil {
			return err
		}
		p.Extension.UserID = p.User.ID
		if err := insertExtension(ctx, tx, p.Extension); err != nil {
			return err
		}
		for _, a := range p.Artifacts {
			a.Extension = p.Extension.Extension
			if err := insertArtifact(ctx, tx, s.enc, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// Compensate deletes every relational row created for ext by a provisioning
// run and abandons its outbox rows. Audit entries stay untouched.
func (s *provisioningStore) Compensate(ctx context.Context, userID int64, ext string) error {
	return s.db.WithTx(ctx, func(tx *Tx) error {
		stmts := []struct {
			what  string
			query string
			args  []any
		}{
			{"did requests", `DELETE FROM did_request_queue WHERE extension = ?`, []any{ext}},
			{"did assignments", `DELETE FROM user_dids WHERE extension = ?`, []any{ext}},
			{"features", `DELETE FROM extension_features WHERE extension = ?`, []any{ext}},
			{"extension", `DELETE FROM extensions WHERE extension = ?`, []any{ext}},
			{"user", `DELETE FROM users WHERE id = ?`, []any{userID}},
			{"artifacts", `UPDATE pending_artifacts SET status = ? WHERE extension = ? AND status = ?`,
				[]any{models.ArtifactAbandoned, ext, models.ArtifactPending}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
				return fmt.Errorf("compensating %s for %s: %w", st.what, ext, err)
			}
		}
		return nil
	})
}
