// Package provision runs the fixed provisioning pipeline: validate,
// allocate, generate credentials, persist, write configuration, enable
// features, assign a DID, reload, notify.
//
// The relational commit happens in the persist step together with one
// outbox row per configuration fragment. Fragments are appended after the
// commit and marked applied; a fragment that could not be appended stays
// pending and is retried by the Reconciler. With failure_mode=compensate the
// orchestrator instead deletes the rows it created and abandons the outbox.
// Appended text is never retracted in either mode.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/provisioner/internal/artifact"
	"github.com/flowpbx/provisioner/internal/audit"
	"github.com/flowpbx/provisioner/internal/credentials"
	"github.com/flowpbx/provisioner/internal/database"
	"github.com/flowpbx/provisioner/internal/database/models"
	"github.com/flowpbx/provisioner/internal/notify"
	"github.com/flowpbx/provisioner/internal/reload"
	"github.com/flowpbx/provisioner/internal/settings"
	"github.com/flowpbx/provisioner/internal/validate"
)

// maxPersistAttempts bounds re-allocation after an extension collision at
// insert time.
const maxPersistAttempts = 3

// Validator checks a request before anything is written.
type Validator interface {
	Validate(ctx context.Context, in validate.Input) error
}

// Allocator hands out extension numbers.
type Allocator interface {
	NextExtension(ctx context.Context, r settings.Range) (string, error)
}

// Hasher hashes account secrets.
type Hasher interface {
	Hash(secret string) (string, error)
}

// ArtifactWriter appends rendered fragments to their sources.
type ArtifactWriter interface {
	Write(ctx context.Context, a artifact.Artifact) error
}

// Reloader asks the telephony process to reload configuration.
type Reloader interface {
	Reload(ctx context.Context, domains ...reload.Domain) reload.Result
}

// Auditor records step outcomes.
type Auditor interface {
	Record(ctx context.Context, extension, action, detail, status string)
}

// FeatureStore upserts feature rows.
type FeatureStore interface {
	Upsert(ctx context.Context, fs *models.FeatureSet) error
}

// DIDStore assigns numbers and manages the dedicated number queue.
type DIDStore interface {
	Assign(ctx context.Context, a *models.DIDAssignment) error
	Enqueue(ctx context.Context, req *models.DIDRequest) error
	GetRequest(ctx context.Context, id int64) (*models.DIDRequest, error)
	Fulfill(ctx context.Context, id int64, number string) (*models.DIDAssignment, error)
}

// Outbox tracks whether persisted fragments reached their source.
type Outbox interface {
	MarkApplied(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, reason string) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Settings  *settings.Provisioning
	Validator Validator
	Allocator Allocator
	Generator *credentials.Generator
	Hasher    Hasher
	Store     database.ProvisioningStore
	Features  FeatureStore
	DIDs      DIDStore
	Outbox    Outbox
	Renderer  *artifact.Renderer
	Writer    ArtifactWriter
	Reloader  Reloader
	Notifier  notify.Dispatcher // optional
	Audit     Auditor
	Observer  Observer // optional
	Logger    *slog.Logger
}

// Orchestrator provisions accounts. It is safe for concurrent use.
type Orchestrator struct {
	settings  *settings.Provisioning
	validator Validator
	allocator Allocator
	generator *credentials.Generator
	hasher    Hasher
	store     database.ProvisioningStore
	features  FeatureStore
	dids      DIDStore
	outbox    Outbox
	renderer  *artifact.Renderer
	writer    ArtifactWriter
	reloader  Reloader
	notifier  notify.Dispatcher
	audit     Auditor
	observer  Observer
	logger    *slog.Logger

	inflight sync.Map // extension -> struct{}
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	required := []struct {
		name string
		ok   bool
	}{
		{"settings", cfg.Settings != nil},
		{"validator", cfg.Validator != nil},
		{"allocator", cfg.Allocator != nil},
		{"generator", cfg.Generator != nil},
		{"hasher", cfg.Hasher != nil},
		{"store", cfg.Store != nil},
		{"features", cfg.Features != nil},
		{"dids", cfg.DIDs != nil},
		{"outbox", cfg.Outbox != nil},
		{"renderer", cfg.Renderer != nil},
		{"writer", cfg.Writer != nil},
		{"reloader", cfg.Reloader != nil},
		{"audit", cfg.Audit != nil},
		{"logger", cfg.Logger != nil},
	}
	for _, r := range required {
		if !r.ok {
			return nil, fmt.Errorf("provision: %s is required", r.name)
		}
	}

	o := &Orchestrator{
		settings:  cfg.Settings,
		validator: cfg.Validator,
		allocator: cfg.Allocator,
		generator: cfg.Generator,
		hasher:    cfg.Hasher,
		store:     cfg.Store,
		features:  cfg.Features,
		dids:      cfg.DIDs,
		outbox:    cfg.Outbox,
		renderer:  cfg.Renderer,
		writer:    cfg.Writer,
		reloader:  cfg.Reloader,
		notifier:  cfg.Notifier,
		audit:     cfg.Audit,
		observer:  cfg.Observer,
		logger:    cfg.Logger.With("component", "provision"),
	}
	if o.notifier == nil {
		o.notifier = notify.Disabled{}
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o, nil
}

// InFlight reports whether a run is still writing configuration for ext.
func (o *Orchestrator) InFlight(ext string) bool {
	_, ok := o.inflight.Load(ext)
	return ok
}

// Provision runs the pipeline for req. The returned Result is always
// non-nil; err is non-nil whenever Result.Success is false.
//
// Once validation passes the run ignores cancellation of ctx and goes on to
// completion or a terminal failure.
func (o *Orchestrator) Provision(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()
	res := &Result{RunID: runID}
	ctx = audit.WithRunID(ctx, runID)

	in := validate.Normalize(req.input())
	logger := o.logger.With("run_id", runID, "username", in.Username)

	if err := o.validator.Validate(ctx, in); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			logger.Info("provisioning rejected", "field", verr.Field, "reason", verr.Reason)
		} else {
			logger.Error("validation could not complete", "error", err)
		}
		res.Error = err.Error()
		o.observer.RunFinished(OutcomeInvalid, time.Since(start).Seconds())
		return res, err
	}

	r := &run{
		o:      o,
		ctx:    context.WithoutCancel(ctx),
		base:   logger,
		logger: logger,
		req:    req,
		in:     in,
		res:    res,
	}
	r.carry(audit.ActionValidate, "request accepted", models.AuditSuccess)

	err := r.execute()
	if r.ext != "" {
		o.inflight.Delete(r.ext)
	}

	outcome := OutcomeSuccess
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		res.Credentials = nil
		res.PartialExtension = r.ext

		switch {
		case r.compensated:
			outcome = OutcomeCompensate
		case r.committed:
			outcome = OutcomePartial
		default:
			outcome = OutcomeFailed
		}
		r.record(audit.ActionComplete, "failed: "+err.Error(), models.AuditFailed)
		r.flush()
		logger.Error("provisioning failed", "extension", r.ext, "committed", r.committed, "error", err)
	} else {
		logger.Info("provisioned", "extension", r.ext, "duration", time.Since(start))
	}
	o.observer.RunFinished(outcome, time.Since(start).Seconds())
	return res, err
}

// ProvisionBulk provisions each request in order. A failed item does not
// stop the batch; cancelling ctx stops it before the next item starts.
func (o *Orchestrator) ProvisionBulk(ctx context.Context, reqs []Request) []*Result {
	out := make([]*Result, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			out[i] = &Result{Error: fmt.Sprintf("not attempted: %v", err)}
			continue
		}
		out[i], _ = o.Provision(ctx, req)
	}
	return out
}

// pendingEntry is an audit entry recorded before an extension was known.
type pendingEntry struct {
	action string
	detail string
	status string
}

// run carries the state of one Provision call.
type run struct {
	o      *Orchestrator
	ctx    context.Context
	base   *slog.Logger
	logger *slog.Logger
	req    Request
	in     validate.Input
	res    *Result

	ext     string
	pending []pendingEntry
	carried []pendingEntry // run-wide entries refiled after a collision

	creds     credentials.Set
	hash      string
	user      *models.User
	artifacts map[artifact.Kind]*models.PendingArtifact
	written   []reload.Domain
	didNumber string
	didShared bool

	committed   bool
	compensated bool
}

// record writes an audit entry keyed by the current extension, buffering
// entries until one is known.
func (r *run) record(action, detail, status string) {
	r.o.observer.StepFinished(action, status)
	if r.ext == "" {
		r.pending = append(r.pending, pendingEntry{action, detail, status})
		return
	}
	r.o.audit.Record(r.ctx, r.ext, action, detail, status)
}

// bind sets the extension the run works on and flushes buffered entries.
func (r *run) bind(ext string) {
	r.ext = ext
	r.logger = r.base.With("extension", ext)
	r.flush()
}

// carry records an entry that describes the run rather than one extension.
func (r *run) carry(action, detail, status string) {
	r.carried = append(r.carried, pendingEntry{action, detail, status})
	r.record(action, detail, status)
}

// refile writes a carried entry again for the current extension without
// counting the step twice.
func (r *run) refile(action string) {
	for _, e := range r.carried {
		if e.action != action {
			continue
		}
		if r.ext == "" {
			r.pending = append(r.pending, e)
			continue
		}
		r.o.audit.Record(r.ctx, r.ext, e.action, e.detail, e.status)
	}
}

func (r *run) flush() {
	for _, e := range r.pending {
		r.o.audit.Record(r.ctx, r.ext, e.action, e.detail, e.status)
	}
	r.pending = nil
}

func (r *run) execute() error {
	for attempt := 1; ; attempt++ {
		if err := r.allocate(); err != nil {
			return err
		}
		if attempt == 1 {
			if err := r.generateCredentials(); err != nil {
				return err
			}
		} else {
			r.refile(audit.ActionCredentials)
		}

		err := r.persist()
		if err == nil {
			break
		}
		var dup *database.DuplicateError
		if r.in.Extension == "" && errors.As(err, &dup) && dup.Field == "extension" && attempt < maxPersistAttempts {
			r.logger.Warn("extension claimed concurrently, reallocating", "attempt", attempt)
			// The failed persist stays on the lost number; the next one gets
			// its own complete trail.
			r.ext = ""
			r.refile(audit.ActionValidate)
			continue
		}
		return err
	}

	r.committed = true
	r.o.inflight.Store(r.ext, struct{}{})

	steps := []func() error{
		func() error { return r.writeArtifact(artifact.KindSIP, audit.ActionSIPConfig) },
		func() error { return r.writeArtifact(artifact.KindVoicemail, audit.ActionVoicemailConfig) },
		r.enableFeatures,
		r.assignDID,
		func() error { return r.writeArtifact(artifact.KindDialplan, audit.ActionDialplanConfig) },
	}
	var firstErr error
	for _, step := range steps {
		err := step()
		if err == nil {
			continue
		}
		if r.o.settings.FailureMode == settings.FailureCompensate {
			r.compensate()
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	// Whatever reached the sources goes live even when a later step failed;
	// the reconciler completes the rest.
	r.reload()
	if firstErr != nil {
		return firstErr
	}

	r.notify()

	r.res.Success = true
	r.res.Extension = r.ext
	r.res.Credentials = &Credentials{
		Username:      r.in.Username,
		Extension:     r.ext,
		Password:      r.creds.Password,
		VoicemailPIN:  r.creds.VoicemailPIN,
		APIKey:        r.creds.APIKey,
		DIDNumber:     r.didNumber,
		DIDShared:     r.didShared,
		ServerAddress: r.o.settings.ServerAddress,
	}
	r.record(audit.ActionComplete, "provisioned", models.AuditSuccess)
	return nil
}

// allocate is step 2.
func (r *run) allocate() error {
	if r.in.Extension != "" {
		r.bind(r.in.Extension)
		r.record(audit.ActionAllocate, "caller supplied extension "+r.in.Extension, models.AuditSuccess)
		return nil
	}

	ext, err := r.o.allocator.NextExtension(r.ctx, r.o.settings.Range)
	if err != nil {
		r.record(audit.ActionAllocate, err.Error(), models.AuditFailed)
		return fmt.Errorf("allocating extension: %w", err)
	}
	r.bind(ext)
	r.record(audit.ActionAllocate, "allocated "+ext, models.AuditSuccess)
	return nil
}

// generateCredentials is step 3. Secrets never reach the audit log.
func (r *run) generateCredentials() error {
	set, err := r.o.generator.Generate(credentials.Set{
		Password:     r.in.Password,
		VoicemailPIN: r.in.VoicemailPIN,
	})
	if err != nil {
		r.record(audit.ActionCredentials, err.Error(), models.AuditFailed)
		return fmt.Errorf("generating credentials: %w", err)
	}
	hash, err := r.o.hasher.Hash(set.Password)
	if err != nil {
		r.record(audit.ActionCredentials, err.Error(), models.AuditFailed)
		return fmt.Errorf("hashing password: %w", err)
	}
	r.creds, r.hash = set, hash

	var parts []string
	if r.in.Password == "" {
		parts = append(parts, "generated password")
	} else {
		parts = append(parts, "supplied password")
	}
	if r.in.VoicemailPIN == "" {
		parts = append(parts, "generated pin")
	} else {
		parts = append(parts, "supplied pin")
	}
	r.carry(audit.ActionCredentials, strings.Join(parts, ", "), models.AuditSuccess)
	return nil
}

// persist is step 4: user, extension and outbox rows in one transaction.
func (r *run) persist() error {
	features := r.o.settings.Features
	data := artifact.Data{
		Extension:        r.ext,
		DisplayName:      r.in.FullName,
		Email:            r.in.Email,
		Password:         r.creds.Password,
		VoicemailPIN:     r.creds.VoicemailPIN,
		EndpointContext:  r.o.settings.EndpointContext,
		VoicemailContext: r.o.settings.VoicemailContext,
		DialTimeout:      r.o.settings.DialTimeout,
		Voicemail:        features.Voicemail,
		EmailNotify:      features.EmailNotify,
	}
	if data.DisplayName == "" {
		data.DisplayName = r.in.Username
	}

	r.artifacts = make(map[artifact.Kind]*models.PendingArtifact, len(artifact.Kinds))
	var rows []*models.PendingArtifact
	for _, kind := range artifact.Kinds {
		if kind == artifact.KindVoicemail && !features.Voicemail {
			continue
		}
		a, err := r.o.renderer.Render(kind, data)
		if err != nil {
			r.record(audit.ActionPersist, err.Error(), models.AuditFailed)
			return &PersistenceError{Step: audit.ActionPersist, Extension: r.ext, Err: err}
		}
		row := &models.PendingArtifact{Kind: string(a.Kind), Source: a.Source, Context: a.Context, Body: a.Body}
		r.artifacts[kind] = row
		rows = append(rows, row)
	}

	r.user = &models.User{
		Username:     r.in.Username,
		Email:        r.in.Email,
		PasswordHash: r.hash,
		FullName:     r.in.FullName,
		Role:         r.in.Role,
		Active:       true,
		APIKey:       r.creds.APIKey,
	}
	ext := &models.Extension{
		Extension:        r.ext,
		Name:             data.DisplayName,
		Email:            r.in.Email,
		PasswordHash:     r.hash,
		Status:           models.ExtensionActive,
		VoicemailEnabled: features.Voicemail,
	}

	err := r.o.store.Persist(r.ctx, database.PersistParams{User: r.user, Extension: ext, Artifacts: rows})
	if err != nil {
		r.record(audit.ActionPersist, err.Error(), models.AuditFailed)
		return &PersistenceError{Step: audit.ActionPersist, Extension: r.ext, Err: err}
	}
	r.record(audit.ActionPersist, fmt.Sprintf("user %d, extension %s, %d pending artifacts", r.user.ID, r.ext, len(rows)), models.AuditSuccess)
	return nil
}

// writeArtifact is steps 5, 6 and 9.
func (r *run) writeArtifact(kind artifact.Kind, action string) error {
	row, ok := r.artifacts[kind]
	if !ok {
		r.record(action, string(kind)+" disabled, nothing to write", models.AuditSuccess)
		return nil
	}

	a := artifact.Artifact{Kind: kind, Source: row.Source, Context: row.Context, Body: row.Body}
	if err := r.o.writer.Write(r.ctx, a); err != nil {
		if merr := r.o.outbox.MarkFailed(r.ctx, row.ID, err.Error()); merr != nil {
			r.logger.Error("marking artifact failed", "artifact_id", row.ID, "error", merr)
		}
		r.record(action, err.Error(), models.AuditFailed)
		return &ConfigWriteError{Extension: r.ext, Kind: string(kind), Err: err}
	}

	if err := r.o.outbox.MarkApplied(r.ctx, row.ID); err != nil {
		// The text is already appended; leaving the row pending would make
		// the reconciler append it a second time.
		r.logger.Error("marking artifact applied", "artifact_id", row.ID, "error", err)
	}
	r.written = append(r.written, domainFor(kind))

	detail := "appended to " + row.Source
	if row.Context != "" {
		detail += " [" + row.Context + "]"
	}
	r.record(action, detail, models.AuditSuccess)
	return nil
}

// enableFeatures is step 7.
func (r *run) enableFeatures() error {
	d := r.o.settings.Features
	fs := &models.FeatureSet{
		Extension:     r.ext,
		Voicemail:     d.Voicemail,
		EmailNotify:   d.EmailNotify,
		ChatNotify:    d.ChatNotify,
		CallRecording: d.CallRecording,
		Accessibility: d.Accessibility,
		Department:    strings.TrimSpace(r.req.Department),
	}
	if err := r.o.features.Upsert(r.ctx, fs); err != nil {
		r.record(audit.ActionFeatures, err.Error(), models.AuditFailed)
		return &PersistenceError{Step: audit.ActionFeatures, Extension: r.ext, Err: err}
	}
	r.record(audit.ActionFeatures, describeFeatures(fs), models.AuditSuccess)
	return nil
}

// assignDID is step 8.
func (r *run) assignDID() error {
	var a *models.DIDAssignment
	switch {
	case r.in.DIDNumber != "":
		a = &models.DIDAssignment{DIDNumber: r.in.DIDNumber, Primary: true, AssignmentType: models.AssignmentRequested}
	case r.o.settings.DefaultDID != "":
		a = &models.DIDAssignment{DIDNumber: r.o.settings.DefaultDID, Primary: true, Shared: true, AssignmentType: models.AssignmentShared}
	}

	var details []string
	if a != nil {
		a.UserID, a.Extension = r.user.ID, r.ext
		if err := r.o.dids.Assign(r.ctx, a); err != nil {
			r.record(audit.ActionDIDAssign, err.Error(), models.AuditFailed)
			return &PersistenceError{Step: audit.ActionDIDAssign, Extension: r.ext, Err: err}
		}
		r.didNumber, r.didShared = a.DIDNumber, a.Shared
		details = append(details, fmt.Sprintf("assigned %s %s as primary", a.AssignmentType, a.DIDNumber))
	} else {
		details = append(details, "no DID configured")
	}

	if r.req.QueueDedicatedDID {
		req := &models.DIDRequest{UserID: r.user.ID, Extension: r.ext}
		if err := r.o.dids.Enqueue(r.ctx, req); err != nil {
			r.record(audit.ActionDIDAssign, err.Error(), models.AuditFailed)
			return &PersistenceError{Step: audit.ActionDIDAssign, Extension: r.ext, Err: err}
		}
		r.res.DIDRequestID = req.ID
		details = append(details, fmt.Sprintf("queued dedicated request %d", req.ID))
	}

	r.record(audit.ActionDIDAssign, strings.Join(details, "; "), models.AuditSuccess)
	return nil
}

// reload is step 10. Failures become warnings.
func (r *run) reload() {
	if len(r.written) == 0 {
		r.record(audit.ActionReload, "nothing written, skipped", models.AuditSuccess)
		return
	}
	result := r.o.reloader.Reload(r.ctx, r.written...)
	r.res.Reload = &result

	if err := result.Err(); err != nil {
		r.res.Warnings = append(r.res.Warnings, err.Error())
		r.record(audit.ActionReload, err.Error(), models.AuditFailed)
		return
	}
	names := make([]string, len(r.written))
	for i, d := range r.written {
		names[i] = string(d)
	}
	r.record(audit.ActionReload, "reloaded "+strings.Join(names, ", "), models.AuditSuccess)
}

// notify is step 11. Failures become warnings.
func (r *run) notify() {
	if !r.req.SendWelcome {
		r.record(audit.ActionNotify, "not requested", models.AuditSuccess)
		return
	}

	w := notify.Welcome{
		To:            r.in.Email,
		Name:          r.in.FullName,
		Username:      r.in.Username,
		Extension:     r.ext,
		Password:      r.creds.Password,
		VoicemailPIN:  r.creds.VoicemailPIN,
		DIDNumber:     r.didNumber,
		DIDShared:     r.didShared,
		ServerAddress: r.o.settings.ServerAddress,
	}
	if err := r.o.notifier.SendWelcome(r.ctx, w); err != nil {
		nerr := &NotificationError{Extension: r.ext, Err: err}
		r.res.Warnings = append(r.res.Warnings, nerr.Error())
		r.record(audit.ActionNotify, err.Error(), models.AuditFailed)
		return
	}
	r.record(audit.ActionNotify, "welcome sent to "+r.in.Email, models.AuditSuccess)
}

// compensate removes the committed rows after a failure in steps 5-9.
func (r *run) compensate() {
	if err := r.o.store.Compensate(r.ctx, r.user.ID, r.ext); err != nil {
		r.record(audit.ActionCompensate, err.Error(), models.AuditFailed)
		r.logger.Error("compensation failed; rows left in place", "error", err)
		return
	}
	r.compensated = true
	detail := "relational rows removed"
	if len(r.written) > 0 {
		detail += "; appended config left in place"
	}
	r.record(audit.ActionCompensate, detail, models.AuditSuccess)
}

func domainFor(kind artifact.Kind) reload.Domain {
	switch kind {
	case artifact.KindSIP:
		return reload.DomainSIP
	case artifact.KindVoicemail:
		return reload.DomainVoicemail
	default:
		return reload.DomainDialplan
	}
}

func describeFeatures(fs *models.FeatureSet) string {
	flags := []struct {
		name string
		on   bool
	}{
		{"voicemail", fs.Voicemail},
		{"email_notify", fs.EmailNotify},
		{"chat_notify", fs.ChatNotify},
		{"call_recording", fs.CallRecording},
		{"accessibility", fs.Accessibility},
	}
	var on []string
	for _, f := range flags {
		if f.on {
			on = append(on, f.name)
		}
	}
	if len(on) == 0 {
		return "all features off"
	}
	return "enabled " + strings.Join(on, ", ")
}
