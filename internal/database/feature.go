package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/provisioner/internal/database/models"
)

// featureRepo implements FeatureRepository.
type featureRepo struct {
	db *DB
}

// NewFeatureRepository creates a new FeatureRepository.
func NewFeatureRepository(db *DB) FeatureRepository {
	return &featureRepo{db: db}
}

// Upsert writes the feature row for fs.Extension, replacing any existing
// values so that repeated calls never create a second row.
func (r *featureRepo) Upsert(ctx context.Context, fs *models.FeatureSet) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO extension_features (extension, voicemail, email_notify, chat_notify,
		 call_recording, accessibility, department, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(extension) DO UPDATE SET
		   voicemail = excluded.voicemail,
		   email_notify = excluded.email_notify,
		   chat_notify = excluded.chat_notify,
		   call_recording = excluded.call_recording,
		   accessibility = excluded.accessibility,
		   department = excluded.department,
		   updated_at = excluded.updated_at`,
		fs.Extension, fs.Voicemail, fs.EmailNotify, fs.ChatNotify,
		fs.CallRecording, fs.Accessibility, fs.Department, now,
	)
	if err != nil {
		return fmt.Errorf("upserting features for %s: %w", fs.Extension, err)
	}
	fs.UpdatedAt = now
	return nil
}

// Get returns the feature row for ext, or nil if none exists.
func (r *featureRepo) Get(ctx context.Context, ext string) (*models.FeatureSet, error) {
	var fs models.FeatureSet
	err := r.db.QueryRowContext(ctx,
		`SELECT extension, voicemail, email_notify, chat_notify, call_recording,
		 accessibility, department, updated_at
		 FROM extension_features WHERE extension = ?`, ext,
	).Scan(&fs.Extension, &fs.Voicemail, &fs.EmailNotify, &fs.ChatNotify,
		&fs.CallRecording, &fs.Accessibility, &fs.Department, &fs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning features: %w", err)
	}
	return &fs, nil
}
