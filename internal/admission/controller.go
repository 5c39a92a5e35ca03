// Package admission gates how many runs a tenant may have in flight.
//
// Counters are an optimisation over the ledger: they are reset from the
// ledger's counts of slot-holding runs on startup and periodically
// afterwards, and are never treated as durable truth. A run holds a slot
// from the moment its admission is reserved on the ledger until its release
// is recorded there, so the ledger never undercounts a slot the counters
// have taken.
package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/djlord-it/reportcron/internal/domain"
)

type DenyReason string

const (
	ReasonNone          DenyReason = ""
	ReasonTenantCeiling DenyReason = "tenant_ceiling"
	ReasonGlobalCeiling DenyReason = "global_ceiling"
	ReasonBurstRate     DenyReason = "burst_rate"
)

// Counter is the atomic backing store for in-flight counts.
type Counter interface {
	// Acquire increments the tenant and global counts unless either is at
	// its ceiling (0 = unlimited), reporting which ceiling denied it.
	Acquire(ctx context.Context, tenant string, ceiling, globalCeiling int) (DenyReason, error)
	// Release decrements both counts, never below zero.
	Release(ctx context.Context, tenant string) error
	// Snapshot returns each tenant's operation sequence. Acquires that take
	// a slot and every Release advance it.
	Snapshot(ctx context.Context) (map[string]int64, error)
	// Reset sets each tenant's count from counts, zeroing tenants absent
	// from it, unless the tenant's sequence moved past seen. The global
	// count is recomputed. It returns the skipped tenants.
	Reset(ctx context.Context, counts map[string]int, seen map[string]int64) ([]string, error)
	Active(ctx context.Context, tenant string) (tenantActive, globalActive int, err error)
}

// MetricsSink records admission metrics. Methods must not block.
type MetricsSink interface {
	AdmissionGranted()
	AdmissionDenied(reason string)
	AdmissionError()
}

// Decision is the outcome of TryAdmit.
type Decision struct {
	Admitted bool
	Reason   DenyReason
	Tier     string
}

type limiterEntry struct {
	limiter *rate.Limiter
	rate    float64
	burst   int
}

type Controller struct {
	counter  Counter
	policy   atomic.Pointer[Policy]
	failOpen bool
	metrics  MetricsSink // optional
	logger   zerolog.Logger

	mu       sync.Mutex
	limiters map[uuid.UUID]*limiterEntry
}

func New(counter Counter, policy Policy) *Controller {
	c := &Controller{
		counter:  counter,
		failOpen: true,
		logger:   zerolog.Nop(),
		limiters: make(map[uuid.UUID]*limiterEntry),
	}
	c.policy.Store(&policy)
	return c
}

// WithFailOpen controls whether counter errors admit (default) or return
// the error to the caller.
func (c *Controller) WithFailOpen(failOpen bool) *Controller {
	c.failOpen = failOpen
	return c
}

func (c *Controller) WithMetrics(sink MetricsSink) *Controller {
	c.metrics = sink
	return c
}

func (c *Controller) WithLogger(logger zerolog.Logger) *Controller {
	c.logger = logger.With().Str("component", "admission").Logger()
	return c
}

// SetPolicy swaps the tier policy in place.
func (c *Controller) SetPolicy(p Policy) {
	c.policy.Store(&p)
	c.logger.Info().Int("tiers", len(p.Tiers)).Int("tenants", len(p.Tenants)).Msg("policy updated")
}

func (c *Controller) Policy() Policy {
	return *c.policy.Load()
}

// TryAdmit takes a slot for tenantID if its tier allows it.
func (c *Controller) TryAdmit(ctx context.Context, tenantID uuid.UUID) (Decision, error) {
	p := c.Policy()
	tierName, tier := p.TierFor(tenantID)

	if !c.allowBurst(tenantID, tier) {
		c.denied(tenantID, tierName, ReasonBurstRate)
		return Decision{Reason: ReasonBurstRate, Tier: tierName}, nil
	}

	reason, err := c.counter.Acquire(ctx, tenantID.String(), tier.MaxConcurrent, p.GlobalCeiling)
	if err != nil {
		if c.metrics != nil {
			c.metrics.AdmissionError()
		}
		if c.failOpen {
			c.logger.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("counter unavailable, admitting")
			return Decision{Admitted: true, Tier: tierName}, nil
		}
		return Decision{}, fmt.Errorf("admission: acquire: %w", err)
	}
	if reason != ReasonNone {
		c.denied(tenantID, tierName, reason)
		return Decision{Reason: reason, Tier: tierName}, nil
	}

	if c.metrics != nil {
		c.metrics.AdmissionGranted()
	}
	return Decision{Admitted: true, Tier: tierName}, nil
}

// Release returns a slot taken by TryAdmit.
func (c *Controller) Release(ctx context.Context, tenantID uuid.UUID) error {
	if err := c.counter.Release(ctx, tenantID.String()); err != nil {
		return fmt.Errorf("admission: release: %w", err)
	}
	return nil
}

// LedgerCounts returns the number of slot-holding runs per tenant.
type LedgerCounts func(ctx context.Context) (map[uuid.UUID]int, error)

// Reconcile resets the counters from the ledger. The counter snapshot is
// taken before the ledger is read, and a tenant with any admission or
// release in between keeps its count until the next pass.
func (c *Controller) Reconcile(ctx context.Context, count LedgerCounts) error {
	seen, err := c.counter.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("admission: reconcile: %w", err)
	}
	counts, err := count(ctx)
	if err != nil {
		return fmt.Errorf("admission: reconcile: count ledger: %w", err)
	}

	raw := make(map[string]int, len(counts))
	total := 0
	for tenant, n := range counts {
		raw[tenant.String()] = n
		total += n
	}
	skipped, err := c.counter.Reset(ctx, raw, seen)
	if err != nil {
		return fmt.Errorf("admission: reconcile: %w", err)
	}
	c.logger.Debug().
		Int("tenants", len(counts)).
		Int("active", total).
		Int("skipped", len(skipped)).
		Msg("counters reconciled")
	return nil
}

// Status reports the tenant's burst state for dashboards.
func (c *Controller) Status(ctx context.Context, tenantID uuid.UUID) (domain.BurstState, error) {
	p := c.Policy()
	tierName, tier := p.TierFor(tenantID)

	active, global, err := c.counter.Active(ctx, tenantID.String())
	if err != nil {
		return domain.BurstState{}, fmt.Errorf("admission: status: %w", err)
	}
	return domain.BurstState{
		TenantID:      tenantID,
		Tier:          tierName,
		Active:        active,
		Ceiling:       tier.MaxConcurrent,
		GlobalActive:  global,
		GlobalCeiling: p.GlobalCeiling,
	}, nil
}

func (c *Controller) allowBurst(tenantID uuid.UUID, tier Tier) bool {
	if tier.BurstRate <= 0 {
		return true
	}
	burst := tier.BurstSize
	if burst <= 0 {
		burst = 1
	}

	c.mu.Lock()
	e, ok := c.limiters[tenantID]
	switch {
	case !ok:
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(tier.BurstRate), burst), rate: tier.BurstRate, burst: burst}
		c.limiters[tenantID] = e
	case e.rate != tier.BurstRate || e.burst != burst:
		e.limiter.SetLimit(rate.Limit(tier.BurstRate))
		e.limiter.SetBurst(burst)
		e.rate, e.burst = tier.BurstRate, burst
	}
	c.mu.Unlock()

	return e.limiter.Allow()
}

func (c *Controller) denied(tenantID uuid.UUID, tier string, reason DenyReason) {
	if c.metrics != nil {
		c.metrics.AdmissionDenied(string(reason))
	}
	c.logger.Debug().
		Str("tenant_id", tenantID.String()).
		Str("tier", tier).
		Str("reason", string(reason)).
		Msg("admission denied")
}
