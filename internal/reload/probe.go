package reload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SIPProber sends a SIP OPTIONS request to the telephony host and expects
// a 2xx answer.
type SIPProber struct {
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	recipient sip.Uri
	transport string
}

// NewSIPProber creates a prober for target ("host:port"). transport is udp,
// tcp or tls.
func NewSIPProber(target, transport string, logger *slog.Logger) (*SIPProber, error) {
	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+target, &recipient); err != nil {
		return nil, fmt.Errorf("parsing probe target %q: %w", target, err)
	}
	if transport == "" {
		transport = "udp"
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("provisioner"))
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("component", "reload-probe")),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}
	return &SIPProber{ua: ua, client: client, recipient: recipient, transport: strings.ToUpper(transport)}, nil
}

// Probe sends one OPTIONS request and waits for the final response.
func (p *SIPProber) Probe(ctx context.Context) error {
	req := sip.NewRequest(sip.OPTIONS, p.recipient)
	req.SetTransport(p.transport)

	tx, err := p.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	defer tx.Terminate()

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return fmt.Errorf("waiting for options response: %w", err)
		}
		if res.StatusCode < 200 {
			continue
		}
		if res.StatusCode >= 300 {
			return fmt.Errorf("options returned %d %s", res.StatusCode, res.Reason)
		}
		return nil
	}
}

// Close releases the client and user agent.
func (p *SIPProber) Close() error {
	p.client.Close()
	return p.ua.Close()
}

func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
