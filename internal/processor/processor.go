package processor

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/protocol"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// writeAttempts is the initial write plus one re-read-then-write retry.
const writeAttempts = 2

// Placer picks the DNS zone and TTL for a new host.
type Placer interface {
	Resolve(hostname string) domain.Placement
}

// Processor applies client messages to the registry.
type Processor struct {
	registry       *registry.Registry
	placer         Placer
	retriggerAfter time.Duration
	logger         logger.Logger
}

// New creates a processor.
func New(reg *registry.Registry, placer Placer, retriggerAfter time.Duration, log logger.Logger) *Processor {
	return &Processor{
		registry:       reg,
		placer:         placer,
		retriggerAfter: retriggerAfter,
		logger:         log,
	}
}

// Process applies msg and returns the acknowledgment to send.
// Registry failures yield an error ack; they never panic or close anything.
func (p *Processor) Process(ctx context.Context, msg *protocol.Message) protocol.Ack {
	if msg.Type == protocol.KindHeartbeat {
		metrics.Heartbeats.Inc()
	}

	var (
		dec     Decision
		lastErr error
	)
	for attempt := 0; attempt < writeAttempts; attempt++ {
		dec, lastErr = p.apply(ctx, msg)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		p.logger.Warn("failed to record host message",
			logger.String("hostname", msg.Hostname),
			logger.String("type", string(msg.Type)),
			logger.Error(lastErr))
		dec = Decision{Result: protocol.ResultError, Reason: protocol.ReasonRegistry}
	}

	metrics.Registrations.WithLabelValues(string(dec.Result)).Inc()
	p.log(msg, dec)

	return protocol.Ack{
		Result:   dec.Result,
		Reason:   dec.Reason,
		Hostname: msg.Hostname,
		Seq:      msg.Seq,
	}
}

// apply runs one locked read-decide-write cycle.
func (p *Processor) apply(ctx context.Context, msg *protocol.Message) (Decision, error) {
	var dec Decision
	_, err := p.registry.Update(ctx, msg.Hostname, func(current *domain.Host) (*domain.Host, error) {
		dec = Decide(msg, current, p.registry.Now(), Policy{
			Placement:      p.placer.Resolve(msg.Hostname),
			RetriggerAfter: p.retriggerAfter,
		})
		return dec.Host, nil
	})
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}

func (p *Processor) log(msg *protocol.Message, dec Decision) {
	switch dec.Result {
	case protocol.ResultNewRegistration:
		p.logger.Info("host registered",
			logger.String("hostname", msg.Hostname),
			logger.String("ip", msg.IPAddress),
			logger.String("fqdn", dec.Host.DNSFQDN))
	case protocol.ResultIPChange:
		p.logger.Info("host address changed",
			logger.String("hostname", msg.Hostname),
			logger.String("ip", msg.IPAddress))
	case protocol.ResultHeartbeatOnly:
		if dec.Retriggered {
			p.logger.Info("sync re-triggered by host activity",
				logger.String("hostname", msg.Hostname),
				logger.String("operation", string(dec.Host.SyncTask.Operation)))
		}
	}
}
