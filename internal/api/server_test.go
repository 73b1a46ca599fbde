package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/provisioner/internal/api/middleware"
	"github.com/flowpbx/provisioner/internal/database/models"
	"github.com/flowpbx/provisioner/internal/provision"
	"github.com/flowpbx/provisioner/internal/validate"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeProvisioner struct {
	mu       sync.Mutex
	requests []provision.Request
	err      error
	fulfill  func(id int64, number string) (*models.DIDAssignment, error)
}

func (f *fakeProvisioner) Provision(_ context.Context, req provision.Request) (*provision.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	res := &provision.Result{RunID: fmt.Sprintf("run-%d", len(f.requests))}
	if f.err != nil {
		res.Error = f.err.Error()
		res.PartialExtension = "3000"
		return res, f.err
	}
	res.Success = true
	res.Extension = "3000"
	res.Credentials = &provision.Credentials{Username: req.Username, Extension: "3000", Password: "s3cret"}
	return res, nil
}

func (f *fakeProvisioner) ProvisionBulk(ctx context.Context, reqs []provision.Request) []*provision.Result {
	out := make([]*provision.Result, len(reqs))
	for i, req := range reqs {
		if req.Username == "bad" {
			out[i] = &provision.Result{Error: "validation failed"}
			continue
		}
		out[i], _ = f.Provision(ctx, req)
	}
	return out
}

func (f *fakeProvisioner) FulfillDIDRequest(_ context.Context, id int64, number string) (*models.DIDAssignment, error) {
	return f.fulfill(id, number)
}

type fakeAudit struct {
	entries []models.AuditEntry
	gotExt  string
	gotPage [2]int
	gotRun  string
}

func (f *fakeAudit) List(_ context.Context, ext string, limit, offset int) ([]models.AuditEntry, int, error) {
	f.gotExt = ext
	f.gotPage = [2]int{limit, offset}
	return f.entries, len(f.entries), nil
}

func (f *fakeAudit) ListRun(_ context.Context, runID string) ([]models.AuditEntry, error) {
	f.gotRun = runID
	var out []models.AuditEntry
	for _, e := range f.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeDIDRequests struct {
	reqs      []models.DIDRequest
	gotStatus string
}

func (f *fakeDIDRequests) ListRequests(_ context.Context, status string) ([]models.DIDRequest, error) {
	f.gotStatus = status
	var out []models.DIDRequest
	for _, q := range f.reqs {
		if status == "" || q.Status == status {
			out = append(out, q)
		}
	}
	return out, nil
}

func newTestServer(t *testing.T, p *fakeProvisioner, a *fakeAudit, limiter *middleware.IPRateLimiter) *Server {
	t.Helper()
	return NewServer(Options{
		Provisioner:   p,
		Audit:         a,
		JWTSecret:     testSecret,
		SignupLimiter: limiter,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "provisioner_runs_total 1\n")
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, _, err := middleware.IssueAdminToken(testSecret, "ops", "t1", time.Hour)
	if err != nil {
		t.Fatalf("IssueAdminToken() error: %v", err)
	}
	return token
}

func do(t *testing.T, h http.Handler, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.1.1.1:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decoding %s: %v", rr.Body.String(), err)
		}
	}
	return rr, out
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, &fakeProvisioner{}, &fakeAudit{}, nil)

	rr, body := do(t, s, http.MethodGet, "/api/v1/health", "", "")
	if rr.Code != http.StatusOK || body["data"].(map[string]any)["status"] != "ok" {
		t.Errorf("health = %d %v", rr.Code, body)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not applied")
	}

	rr, _ = do(t, s, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "provisioner_runs_total") {
		t.Errorf("metrics = %d %q", rr.Code, rr.Body.String())
	}

	rr, body = do(t, s, http.MethodGet, "/api/v1/nope", "", "")
	if rr.Code != http.StatusNotFound || body["error"] != "not found" {
		t.Errorf("unknown route = %d %v", rr.Code, body)
	}
}

func TestSignupForcesUserRole(t *testing.T) {
	p := &fakeProvisioner{}
	s := newTestServer(t, p, &fakeAudit{}, nil)

	rr, body := do(t, s, http.MethodPost, "/api/v1/signup",
		`{"username":"jdoe","email":"jdoe@example.com","full_name":"John Doe","send_welcome":true}`, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %v", rr.Code, body)
	}
	if len(p.requests) != 1 || p.requests[0].Role != validate.RoleUser || !p.requests[0].SendWelcome {
		t.Errorf("requests = %+v", p.requests)
	}
	data := body["data"].(map[string]any)
	if data["extension"] != "3000" || data["credentials"] == nil {
		t.Errorf("data = %v", data)
	}
}

func TestSignupRejectsPrivilegedFields(t *testing.T) {
	p := &fakeProvisioner{}
	s := newTestServer(t, p, &fakeAudit{}, nil)

	for _, field := range []string{`"role":"admin"`, `"extension":"5000"`, `"did_number":"+15550199"`} {
		rr, body := do(t, s, http.MethodPost, "/api/v1/signup", `{"username":"jdoe",`+field+`}`, "")
		if rr.Code != http.StatusBadRequest || !strings.HasPrefix(body["error"].(string), "unknown field") {
			t.Errorf("%s: status = %d, body %v", field, rr.Code, body)
		}
	}
	if len(p.requests) != 0 {
		t.Errorf("pipeline ran %d times", len(p.requests))
	}
}

func TestSignupRateLimited(t *testing.T) {
	limiter := middleware.NewIPRateLimiter(middleware.SignupRateLimitConfig(0.1, 1), slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer limiter.Stop()
	s := newTestServer(t, &fakeProvisioner{}, &fakeAudit{}, limiter)

	body := `{"username":"jdoe","email":"jdoe@example.com","full_name":"John Doe"}`
	if rr, _ := do(t, s, http.MethodPost, "/api/v1/signup", body, ""); rr.Code != http.StatusCreated {
		t.Fatalf("first signup = %d", rr.Code)
	}
	rr, _ := do(t, s, http.MethodPost, "/api/v1/signup", body, "")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Errorf("second signup = %d, Retry-After %q", rr.Code, rr.Header().Get("Retry-After"))
	}
}

func TestProvisionRequiresAdmin(t *testing.T) {
	s := newTestServer(t, &fakeProvisioner{}, &fakeAudit{}, nil)

	paths := []struct{ method, path string }{
		{http.MethodPost, "/api/v1/provision"},
		{http.MethodPost, "/api/v1/provision/bulk"},
		{http.MethodGet, "/api/v1/extensions/3000/audit"},
		{http.MethodPost, "/api/v1/did-requests/1/fulfill"},
	}
	for _, p := range paths {
		if rr, _ := do(t, s, p.method, p.path, `{}`, ""); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s = %d, want 401", p.method, p.path, rr.Code)
		}
	}
}

func TestProvisionStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, http.StatusCreated},
		{"validation", &provision.ValidationError{Field: "email", Reason: "email already in use"}, http.StatusUnprocessableEntity},
		{"range exhausted", fmt.Errorf("allocating: %w", provision.ErrRangeExhausted), http.StatusServiceUnavailable},
		{"config write", &provision.ConfigWriteError{Extension: "3000", Kind: "sip", Err: errors.New("disk full")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvisioner{err: tt.err}
			s := newTestServer(t, p, &fakeAudit{}, nil)

			rr, body := do(t, s, http.MethodPost, "/api/v1/provision",
				`{"username":"jdoe","email":"jdoe@example.com","full_name":"John Doe","role":"admin","extension":"5000"}`,
				adminToken(t))
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d, body %v", rr.Code, tt.want, body)
			}
			if p.requests[0].Role != "admin" || p.requests[0].Extension != "5000" {
				t.Errorf("request = %+v", p.requests[0])
			}
			if tt.err == nil {
				return
			}
			data := body["data"].(map[string]any)
			if body["error"] != tt.err.Error() || data["run_id"] != "run-1" || data["partial_extension"] != "3000" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestProvisionRejectsOversizedField(t *testing.T) {
	p := &fakeProvisioner{}
	s := newTestServer(t, p, &fakeAudit{}, nil)

	long := strings.Repeat("a", maxShortStringLen+1)
	rr, body := do(t, s, http.MethodPost, "/api/v1/provision", `{"username":"`+long+`"}`, adminToken(t))
	if rr.Code != http.StatusBadRequest || !strings.HasPrefix(body["error"].(string), "username must be at most") {
		t.Errorf("status = %d, body %v", rr.Code, body)
	}
	if len(p.requests) != 0 {
		t.Error("pipeline ran for an oversized request")
	}
}

func TestProvisionBulk(t *testing.T) {
	s := newTestServer(t, &fakeProvisioner{}, &fakeAudit{}, nil)
	token := adminToken(t)

	rr, body := do(t, s, http.MethodPost, "/api/v1/provision/bulk",
		`{"requests":[{"username":"a"},{"username":"bad"},{"username":"c"}]}`, token)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rr.Code, body)
	}
	data := body["data"].(map[string]any)
	if data["succeeded"] != float64(2) || data["failed"] != float64(1) {
		t.Errorf("data = %v", data)
	}
	if results := data["results"].([]any); len(results) != 3 {
		t.Errorf("results = %d, want 3", len(results))
	}

	rr, body = do(t, s, http.MethodPost, "/api/v1/provision/bulk", `{"requests":[]}`, token)
	if rr.Code != http.StatusBadRequest || body["error"] != "requests must not be empty" {
		t.Errorf("empty bulk = %d %v", rr.Code, body)
	}
}

func TestListAudit(t *testing.T) {
	a := &fakeAudit{entries: []models.AuditEntry{
		{ID: 2, RunID: "r1", Extension: "3000", Action: "complete", Status: "success", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{ID: 1, RunID: "r1", Extension: "3000", Action: "allocate", Status: "success"},
	}}
	s := newTestServer(t, &fakeProvisioner{}, a, nil)

	rr, body := do(t, s, http.MethodGet, "/api/v1/extensions/3000/audit?limit=5&offset=1", "", adminToken(t))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rr.Code, body)
	}
	if a.gotExt != "3000" || a.gotPage != [2]int{5, 1} {
		t.Errorf("query = %s %v", a.gotExt, a.gotPage)
	}
	data := body["data"].(map[string]any)
	items := data["items"].([]any)
	if data["total"] != float64(2) || len(items) != 2 {
		t.Fatalf("data = %v", data)
	}
	first := items[0].(map[string]any)
	if first["action"] != "complete" || first["created_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("first = %v", first)
	}

	rr, _ = do(t, s, http.MethodGet, "/api/v1/extensions/3000/audit?limit=0", "", adminToken(t))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", rr.Code)
	}
}

func TestRunAudit(t *testing.T) {
	const runID = "0b6f1c8e-2f4a-4c1e-9d3a-6a1b2c3d4e5f"
	a := &fakeAudit{entries: []models.AuditEntry{
		{ID: 1, RunID: runID, Extension: "3000", Action: "persist", Status: "failed"},
		{ID: 2, RunID: "other", Extension: "3002", Action: "allocate", Status: "success"},
		{ID: 3, RunID: runID, Extension: "3001", Action: "complete", Status: "success"},
	}}
	s := newTestServer(t, &fakeProvisioner{}, a, nil)
	token := adminToken(t)

	rr, body := do(t, s, http.MethodGet, "/api/v1/runs/"+runID+"/audit", "", token)
	if rr.Code != http.StatusOK || a.gotRun != runID {
		t.Fatalf("status = %d, run %q, body %v", rr.Code, a.gotRun, body)
	}
	items := body["data"].([]any)
	if len(items) != 2 || items[1].(map[string]any)["extension"] != "3001" {
		t.Errorf("items = %v", items)
	}

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"unknown run", "/api/v1/runs/7d0c3a52-93d5-4b8e-a4f1-0e2b9c6d1a7f/audit", token, http.StatusNotFound},
		{"malformed id", "/api/v1/runs/not-a-run/audit", token, http.StatusBadRequest},
		{"no token", "/api/v1/runs/" + runID + "/audit", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := do(t, s, http.MethodGet, tt.path, "", tt.token)
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
		})
	}
}

func TestListDIDRequests(t *testing.T) {
	fulfilledAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	d := &fakeDIDRequests{reqs: []models.DIDRequest{
		{ID: 1, UserID: 10, Extension: "3000", Status: models.DIDRequestPending, RequestedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)},
		{ID: 2, UserID: 11, Extension: "3001", Status: models.DIDRequestFulfilled, FulfilledNumber: "+15550123", FulfilledAt: &fulfilledAt},
	}}
	s := NewServer(Options{
		Provisioner: &fakeProvisioner{},
		Audit:       &fakeAudit{},
		DIDRequests: d,
		JWTSecret:   testSecret,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	token := adminToken(t)

	rr, body := do(t, s, http.MethodGet, "/api/v1/did-requests?status=pending", "", token)
	if rr.Code != http.StatusOK || d.gotStatus != models.DIDRequestPending {
		t.Fatalf("status = %d, filter %q, body %v", rr.Code, d.gotStatus, body)
	}
	items := body["data"].([]any)
	if len(items) != 1 {
		t.Fatalf("pending items = %v", items)
	}
	first := items[0].(map[string]any)
	if first["extension"] != "3000" || first["requested_at"] != "2026-02-01T09:00:00Z" {
		t.Errorf("first = %v", first)
	}
	if _, ok := first["fulfilled_at"]; ok {
		t.Errorf("pending request carries fulfilled_at: %v", first)
	}

	rr, body = do(t, s, http.MethodGet, "/api/v1/did-requests", "", token)
	items = body["data"].([]any)
	if rr.Code != http.StatusOK || len(items) != 2 {
		t.Fatalf("all = %d %v", rr.Code, body)
	}
	if items[1].(map[string]any)["fulfilled_number"] != "+15550123" {
		t.Errorf("fulfilled = %v", items[1])
	}

	rr, _ = do(t, s, http.MethodGet, "/api/v1/did-requests?status=closed", "", token)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown status = %d", rr.Code)
	}
	rr, _ = do(t, s, http.MethodGet, "/api/v1/did-requests", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d", rr.Code)
	}
}

func TestFulfillDIDRequest(t *testing.T) {
	p := &fakeProvisioner{fulfill: func(id int64, number string) (*models.DIDAssignment, error) {
		switch id {
		case 1:
			return &models.DIDAssignment{ID: 9, Extension: "3000", DIDNumber: number, Primary: true, AssignmentType: "dedicated"}, nil
		case 2:
			return nil, provision.ErrDIDRequestNotFound
		case 3:
			return nil, provision.ErrDIDRequestClosed
		default:
			return nil, validate.DIDNumber("")
		}
	}}
	s := newTestServer(t, p, &fakeAudit{}, nil)
	token := adminToken(t)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/did-requests/1/fulfill", http.StatusOK},
		{"/api/v1/did-requests/2/fulfill", http.StatusNotFound},
		{"/api/v1/did-requests/3/fulfill", http.StatusConflict},
		{"/api/v1/did-requests/4/fulfill", http.StatusUnprocessableEntity},
		{"/api/v1/did-requests/x/fulfill", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rr, body := do(t, s, http.MethodPost, tt.path, `{"did_number":"+15550199"}`, token)
		if rr.Code != tt.want {
			t.Errorf("%s = %d, want %d (%v)", tt.path, rr.Code, tt.want, body)
		}
		if tt.want == http.StatusOK {
			data := body["data"].(map[string]any)
			if data["did_number"] != "+15550199" || data["primary"] != true {
				t.Errorf("data = %v", data)
			}
		}
	}
}
