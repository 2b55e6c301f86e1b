// Package verify checks that a synced record is actually served by the
// authoritative nameserver. Results are informational only.
package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/MrSnakeDoc/beacon/internal/metrics"
)

// DefaultTimeout is the default DNS query timeout.
const DefaultTimeout = 2 * time.Second

// ErrMismatch is returned when the server answers with other data.
var ErrMismatch = errors.New("record mismatch")

// Verifier queries one nameserver.
type Verifier struct {
	server string // host:port
	client *dns.Client
}

// New creates a Verifier for server ("host" or "host:port").
func New(server string, timeout time.Duration) (*Verifier, error) {
	if server == "" {
		return nil, fmt.Errorf("verify: server must not be empty")
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Verifier{
		server: server,
		client: &dns.Client{Timeout: timeout},
	}, nil
}

// Verify asks the server for fqdn/rtype and checks that want is in the answer.
func (v *Verifier) Verify(ctx context.Context, fqdn, rtype, want string) error {
	err := v.verify(ctx, fqdn, rtype, want)
	switch {
	case err == nil:
		metrics.DNSVerify.WithLabelValues("match").Inc()
	case errors.Is(err, ErrMismatch):
		metrics.DNSVerify.WithLabelValues("mismatch").Inc()
	default:
		metrics.DNSVerify.WithLabelValues("error").Inc()
	}
	return err
}

func (v *Verifier) verify(ctx context.Context, fqdn, rtype, want string) error {
	qtype, ok := dns.StringToType[strings.ToUpper(rtype)]
	if !ok || (qtype != dns.TypeA && qtype != dns.TypeAAAA) {
		return fmt.Errorf("verify: unsupported record type %q", rtype)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), qtype)
	// Ask the authority directly, not a resolver cache.
	msg.RecursionDesired = false

	resp, _, err := v.client.ExchangeContext(ctx, msg, v.server)
	if err != nil {
		return fmt.Errorf("verify %s %s: %w", rtype, fqdn, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("verify %s %s: %w: rcode %s", rtype, fqdn, ErrMismatch, dns.RcodeToString[resp.Rcode])
	}

	wantIP := net.ParseIP(want)
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			if rec.A.Equal(wantIP) {
				return nil
			}
		case *dns.AAAA:
			if rec.AAAA.Equal(wantIP) {
				return nil
			}
		}
	}
	return fmt.Errorf("verify %s %s: %w: %q not in answer", rtype, fqdn, ErrMismatch, want)
}
