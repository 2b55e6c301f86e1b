package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/MrSnakeDoc/beacon/internal/domain"
	"github.com/MrSnakeDoc/beacon/internal/logger"
	"github.com/MrSnakeDoc/beacon/internal/metrics"
	"github.com/MrSnakeDoc/beacon/internal/pdns"
	"github.com/MrSnakeDoc/beacon/internal/registry"
)

// markTimeout bounds recording a result once the DNS call has returned,
// even while shutting down.
const markTimeout = 5 * time.Second

// DNSClient is satisfied by *pdns.Client.
type DNSClient interface {
	CreateOrReplaceRecord(ctx context.Context, zone, fqdn, rtype, content string, ttl int) error
	DeleteRecord(ctx context.Context, zone, fqdn, rtype string) error
}

// Verifier checks that a synced record is served. Satisfied by *verify.Verifier.
type Verifier interface {
	Verify(ctx context.Context, fqdn, rtype, want string) error
}

// SyncWorkerConfig tunes the reconciliation loop.
type SyncWorkerConfig struct {
	Workers      int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int // 0 retries transient failures forever
	DrainTimeout time.Duration
}

// SyncWorker pushes registry state into the DNS engine.
type SyncWorker struct {
	registry *registry.Registry
	dns      DNSClient
	verifier Verifier
	health   *metrics.Health
	logger   logger.Logger
	cfg      SyncWorkerConfig
	rnd      func() float64

	queue chan *domain.Host
	kick  chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}

	execCtx    context.Context
	cancelExec context.CancelFunc

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSyncWorker creates a worker. verifier and health may be nil.
func NewSyncWorker(
	reg *registry.Registry,
	dns DNSClient,
	verifier Verifier,
	health *metrics.Health,
	log logger.Logger,
	cfg SyncWorkerConfig,
) *SyncWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	return &SyncWorker{
		registry: reg,
		dns:      dns,
		verifier: verifier,
		health:   health,
		logger:   log,
		cfg:      cfg,
		rnd:      rand.Float64,
		queue:    make(chan *domain.Host, cfg.Workers),
		kick:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatcher and the worker pool.
func (w *SyncWorker) Start(ctx context.Context) error {
	// In-flight calls outlive ctx until the drain timeout in Stop.
	w.execCtx, w.cancelExec = context.WithCancel(context.WithoutCancel(ctx))

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.work()
	}

	w.wg.Add(1)
	go w.dispatchLoop(ctx)

	w.setHealth(true, "")
	w.logger.Info("sync worker started",
		logger.Int("workers", w.cfg.Workers),
		logger.Duration("poll_interval", w.cfg.PollInterval))
	return nil
}

// Stop stops dispatching and waits for in-flight syncs, cancelling them once
// the drain timeout expires. Abandoned tasks stay pending in the registry.
func (w *SyncWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)

		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(w.cfg.DrainTimeout):
			w.logger.Warn("sync drain timeout reached, cancelling in-flight calls")
			w.cancelExec()
			<-done
		}
		if w.cancelExec != nil {
			w.cancelExec()
		}
		w.setHealth(false, "stopped")
	})
}

func (w *SyncWorker) dispatchLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.dispatch(ctx)

		select {
		case <-w.registry.Wake():
		case <-w.kick:
		case <-ticker.C:
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// dispatch hands every due, idle host to the pool. Hosts already in flight are
// skipped and picked up again once their current operation completes.
func (w *SyncWorker) dispatch(ctx context.Context) {
	due, err := w.registry.ListPendingSync(ctx, w.registry.Now())
	if err != nil {
		w.logger.Warn("failed to list pending syncs", logger.Error(err))
		return
	}

	for _, h := range due {
		if !w.claim(h.Hostname) {
			continue
		}
		select {
		case w.queue <- h:
		case <-w.stopCh:
			w.release(h.Hostname)
			return
		default:
			// Pool saturated; a finishing worker kicks the next round.
			w.release(h.Hostname)
			return
		}
	}
}

func (w *SyncWorker) work() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		select {
		case h := <-w.queue:
			w.Execute(w.execCtx, h.Hostname)
			w.release(h.Hostname)
			w.signal()
		case <-w.stopCh:
			return
		}
	}
}

func (w *SyncWorker) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *SyncWorker) claim(hostname string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[hostname]; busy {
		return false
	}
	w.inflight[hostname] = struct{}{}
	return true
}

func (w *SyncWorker) release(hostname string) {
	w.mu.Lock()
	delete(w.inflight, hostname)
	w.mu.Unlock()
}

// Execute runs the host's current task once, against the row as it is now.
// Callers must ensure no other Execute runs for the same host.
func (w *SyncWorker) Execute(ctx context.Context, hostname string) {
	h, err := w.registry.Get(ctx, hostname)
	if errors.Is(err, registry.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger.Warn("failed to read host for sync",
			logger.String("hostname", hostname),
			logger.Error(err))
		return
	}
	if !h.NeedsSync(w.registry.Now()) {
		return
	}
	task := *h.SyncTask
	log := w.logger.With(
		logger.String("hostname", h.Hostname),
		logger.String("operation", string(task.Operation)),
		logger.Int64("generation", task.Generation),
		logger.Int("attempt", task.AttemptCount+1))

	rtype, err := w.apply(ctx, h, task.Operation)

	// A cancelled call says nothing about the engine; leave the task pending.
	if err != nil && ctx.Err() != nil {
		log.Info("sync abandoned on shutdown", logger.Error(err))
		return
	}

	res := w.classify(task, rtype, err)

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()

	applied, markErr := w.registry.MarkSyncResult(markCtx, h.Hostname, task.Generation, res)
	if markErr != nil {
		log.Error("failed to record sync result", logger.Error(markErr))
		return
	}

	outcome := outcomeLabel(res.Kind)
	if !applied {
		outcome = "superseded"
	}
	metrics.SyncTotal.WithLabelValues(string(task.Operation), outcome).Inc()

	switch {
	case !applied:
		log.Debug("sync result discarded, task superseded")
	case res.Kind == domain.ResultSynced:
		log.Info("dns record synced",
			logger.String("fqdn", h.DNSFQDN),
			logger.String("type", rtype),
			logger.String("ip", h.IPAddress))
		w.verify(ctx, h, rtype)
	case res.Kind == domain.ResultDeleted:
		log.Info("dns record deleted, host removed", logger.String("fqdn", h.DNSFQDN))
	case res.Kind == domain.ResultRetry:
		log.Warn("dns sync failed, will retry",
			logger.Time("next_attempt_at", res.NextAt),
			logger.Error(err))
	case res.Kind == domain.ResultFailed:
		log.Error("dns sync failed permanently", logger.Error(res.Err))
	}
}

// apply performs the DNS mutation for op and returns the record type now held.
func (w *SyncWorker) apply(ctx context.Context, h *domain.Host, op domain.SyncOperation) (string, error) {
	if op == domain.OpDelete {
		for _, rtype := range deleteTypes(h) {
			if err := w.dns.DeleteRecord(ctx, h.DNSZone, h.DNSFQDN, rtype); err != nil {
				return "", err
			}
		}
		return "", nil
	}

	rtype := domain.RecordTypeFor(h.IPAddress)
	if err := w.dns.CreateOrReplaceRecord(ctx, h.DNSZone, h.DNSFQDN, rtype, h.IPAddress, h.DNSTTL); err != nil {
		return "", err
	}
	// The host moved between address families; drop the stale type.
	if h.DNSRecordType != "" && h.DNSRecordType != rtype {
		if err := w.dns.DeleteRecord(ctx, h.DNSZone, h.DNSFQDN, h.DNSRecordType); err != nil {
			return "", fmt.Errorf("remove stale %s record: %w", h.DNSRecordType, err)
		}
	}
	return rtype, nil
}

func deleteTypes(h *domain.Host) []string {
	switch {
	case h.DNSRecordType != "":
		return []string{h.DNSRecordType}
	case h.IPAddress != "":
		// Never confirmed; an earlier attempt may still have landed.
		return []string{domain.RecordTypeFor(h.IPAddress)}
	default:
		return nil
	}
}

func (w *SyncWorker) classify(task domain.SyncTask, rtype string, err error) domain.SyncResult {
	now := w.registry.Now()

	if err == nil {
		if task.Operation == domain.OpDelete {
			return domain.SyncResult{Kind: domain.ResultDeleted, At: now}
		}
		return domain.SyncResult{Kind: domain.ResultSynced, At: now, RecordType: rtype}
	}

	if pdns.IsPermanent(err) {
		return domain.SyncResult{Kind: domain.ResultFailed, At: now, Err: err}
	}

	attempt := task.AttemptCount + 1
	if w.cfg.MaxAttempts > 0 && attempt >= w.cfg.MaxAttempts {
		return domain.SyncResult{
			Kind: domain.ResultFailed,
			At:   now,
			Err:  fmt.Errorf("giving up after %d attempts: %w", attempt, err),
		}
	}

	return domain.SyncResult{
		Kind:   domain.ResultRetry,
		At:     now,
		NextAt: now.Add(Backoff(attempt, w.cfg.BackoffBase, w.cfg.BackoffMax, w.rnd)),
		Err:    err,
	}
}

func (w *SyncWorker) verify(ctx context.Context, h *domain.Host, rtype string) {
	if w.verifier == nil {
		return
	}
	if err := w.verifier.Verify(ctx, h.DNSFQDN, rtype, h.IPAddress); err != nil {
		w.logger.Warn("dns record not yet served",
			logger.String("hostname", h.Hostname),
			logger.Error(err))
	}
}

func (w *SyncWorker) setHealth(healthy bool, msg string) {
	if w.health != nil {
		w.health.Set(metrics.ComponentSyncWorker, healthy, msg)
	}
}

func outcomeLabel(k domain.ResultKind) string {
	switch k {
	case domain.ResultSynced:
		return "synced"
	case domain.ResultDeleted:
		return "deleted"
	case domain.ResultRetry:
		return "retry"
	default:
		return "failed"
	}
}
