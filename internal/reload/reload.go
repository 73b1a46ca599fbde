// Package reload asks the telephony process to re-read configuration after
// new fragments were appended. Failures are reported, never raised.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Domain is a configuration area that can be reloaded on its own.
type Domain string

const (
	DomainSIP       Domain = "sip"
	DomainDialplan  Domain = "dialplan"
	DomainVoicemail Domain = "voicemail"
	DomainAll       Domain = "all"
)

// DefaultBinary is the Asterisk CLI used to issue reload commands.
const DefaultBinary = "asterisk"

// maxOutput caps the diagnostic text kept per command.
const maxOutput = 4096

var commands = map[Domain]string{
	DomainSIP:       "pjsip reload",
	DomainDialplan:  "dialplan reload",
	DomainVoicemail: "voicemail reload",
	DomainAll:       "core reload",
}

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Prober checks that the telephony process answers after a reload.
type Prober interface {
	Probe(ctx context.Context) error
}

// Outcome is the result of reloading one domain.
type Outcome struct {
	Domain   Domain        `json:"domain"`
	Command  string        `json:"command"`
	OK       bool          `json:"ok"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ProbeOutcome is the result of the post-reload reachability check.
type ProbeOutcome struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Result collects the outcome of a Reload call.
type Result struct {
	Outcomes []Outcome    `json:"outcomes"`
	Probe    *ProbeOutcome `json:"probe,omitempty"`
}

// OK reports whether every domain reloaded and the probe, if run, passed.
func (r Result) OK() bool {
	for _, o := range r.Outcomes {
		if !o.OK {
			return false
		}
	}
	return r.Probe == nil || r.Probe.OK
}

// Err returns a *Error describing the failures, or nil.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	e := &Error{Probe: r.Probe}
	for _, o := range r.Outcomes {
		if !o.OK {
			e.Failed = append(e.Failed, o)
		}
	}
	if e.Probe != nil && e.Probe.OK {
		e.Probe = nil
	}
	return e
}

// Error lists the domains that failed to reload.
type Error struct {
	Failed []Outcome
	Probe  *ProbeOutcome
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Failed)+1)
	for _, o := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %s", o.Domain, o.Error))
	}
	if e.Probe != nil {
		parts = append(parts, "probe: "+e.Probe.Error)
	}
	return "reload failed: " + strings.Join(parts, "; ")
}

// Trigger issues reload commands sequentially, each bounded by a timeout.
type Trigger struct {
	binary  string
	runner  Runner
	timeout time.Duration
	prober  Prober
	logger  *slog.Logger
}

// NewTrigger creates a Trigger. prober may be nil.
func NewTrigger(binary string, runner Runner, timeout time.Duration, prober Prober, logger *slog.Logger) *Trigger {
	if binary == "" {
		binary = DefaultBinary
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Trigger{
		binary:  binary,
		runner:  runner,
		timeout: timeout,
		prober:  prober,
		logger:  logger.With("component", "reload"),
	}
}

// Reload reloads each domain in order. DomainAll replaces the others.
// Duplicates are reloaded once.
func (t *Trigger) Reload(ctx context.Context, domains ...Domain) Result {
	var res Result
	sipReloaded := false

	for _, d := range normalize(domains) {
		o := t.run(ctx, d)
		if o.OK {
			t.logger.Info("reloaded", "domain", d, "duration", o.Duration)
			if d == DomainSIP || d == DomainAll {
				sipReloaded = true
			}
		} else {
			t.logger.Warn("reload failed", "domain", d, "exit_code", o.ExitCode, "error", o.Error, "output", o.Output)
		}
		res.Outcomes = append(res.Outcomes, o)
	}

	if t.prober != nil && sipReloaded {
		pctx, cancel := context.WithTimeout(ctx, t.timeout)
		err := t.prober.Probe(pctx)
		cancel()
		res.Probe = &ProbeOutcome{OK: err == nil}
		if err != nil {
			res.Probe.Error = err.Error()
			t.logger.Warn("post-reload probe failed", "error", err)
		}
	}
	return res
}

func (t *Trigger) run(ctx context.Context, d Domain) Outcome {
	cmd, ok := commands[d]
	o := Outcome{Domain: d, Command: cmd, ExitCode: -1}
	if !ok {
		o.Error = fmt.Sprintf("unknown reload domain %q", d)
		return o
	}

	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	out, err := t.runner.Run(cctx, t.binary, "-rx", cmd)
	o.Duration = time.Since(start)
	o.Output = truncate(strings.TrimSpace(string(out)))

	switch {
	case cctx.Err() == context.DeadlineExceeded:
		o.Error = fmt.Sprintf("timed out after %s", t.timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			o.ExitCode = exitErr.ExitCode()
		}
		o.Error = err.Error()
	default:
		o.OK = true
		o.ExitCode = 0
	}
	return o
}

func normalize(domains []Domain) []Domain {
	seen := make(map[Domain]bool, len(domains))
	var out []Domain
	for _, d := range domains {
		if d == DomainAll {
			return []Domain{DomainAll}
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "..."
}
