package ticketregistry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/castaneai/ticketregistry/pkg/config"
	"github.com/castaneai/ticketregistry/pkg/lock"
	"github.com/castaneai/ticketregistry/pkg/ticket"
	"github.com/castaneai/ticketregistry/pkg/trlog"
)

const (
	DefaultCleanerLease   = 5 * time.Minute
	defaultReleaseTimeout = 10 * time.Second
)

// Cleaner removes expired tickets from the registry.
type Cleaner interface {
	// Clean runs one cleanup cycle.
	Clean(ctx context.Context) (*CleanResult, error)
}

// CleanResult summarizes one cleanup cycle.
type CleanResult struct {
	// Disabled is set by a cleaner that never cleans.
	Disabled bool
	// Skipped is set when another node held the cleaner lock.
	Skipped        bool
	Scanned        int
	Expired        int
	Removed        int
	Logouts        int
	LogoutFailures int
}

type CleanerOption interface {
	apply(opts *cleanerOptions)
}

type CleanerOptionFunc func(opts *cleanerOptions)

func (f CleanerOptionFunc) apply(opts *cleanerOptions) {
	f(opts)
}

// WithCleanerMeterProvider provides OpenTelemetry meter provider
func WithCleanerMeterProvider(provider metric.MeterProvider) CleanerOption {
	return CleanerOptionFunc(func(opts *cleanerOptions) {
		opts.meterProvider = provider
	})
}

// WithCleanerOwner sets the identity this node uses to hold the cleaner lock.
func WithCleanerOwner(owner string) CleanerOption {
	return CleanerOptionFunc(func(opts *cleanerOptions) {
		opts.owner = owner
	})
}

// WithCleanerConfig makes every cycle read its lease and batch size from the current configuration snapshot.
func WithCleanerConfig(source config.Source) CleanerOption {
	return CleanerOptionFunc(func(opts *cleanerOptions) {
		opts.config = source
	})
}

type cleanerOptions struct {
	meterProvider metric.MeterProvider
	owner         string
	config        config.Source
}

func defaultCleanerOptions() *cleanerOptions {
	return &cleanerOptions{
		meterProvider: otel.GetMeterProvider(),
		owner:         uuid.NewString(),
	}
}

// NewCleaner returns the DefaultCleaner, or a NoOpCleaner when scheduled cleaning is disabled.
func NewCleaner(enabled bool, locker lock.Strategy, logout LogoutManager, registry *TicketRegistry, opts ...CleanerOption) (Cleaner, error) {
	if !enabled {
		trlog.Debugf("ticket registry cleaner is disabled; expired tickets are only rejected on read, never collected")
		return NoOpCleaner{}, nil
	}
	trlog.Debugf("ticket registry cleaner is enabled")
	return NewDefaultCleaner(locker, logout, registry, opts...)
}

// DefaultCleaner runs cleanup cycles guarded by a cluster-wide lock so that one node cleans at a time.
type DefaultCleaner struct {
	locker   lock.Strategy
	logout   LogoutManager
	registry *TicketRegistry
	options  *cleanerOptions
	metrics  *cleanerMetrics
}

func NewDefaultCleaner(locker lock.Strategy, logout LogoutManager, registry *TicketRegistry, opts ...CleanerOption) (*DefaultCleaner, error) {
	options := defaultCleanerOptions()
	for _, o := range opts {
		o.apply(options)
	}
	metrics, err := newCleanerMetrics(options.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleaner metrics: %w", err)
	}
	return &DefaultCleaner{
		locker:   locker,
		logout:   logout,
		registry: registry,
		options:  options,
		metrics:  metrics,
	}, nil
}

func (c *DefaultCleaner) Owner() string {
	return c.options.owner
}

// Clean acquires the cleaner lock, logs out and deletes expired granting tickets together with the
// tickets issued from them, deletes the remaining expired tickets, and releases the lock on every exit path.
// A cycle whose lock is held elsewhere is skipped without error.
func (c *DefaultCleaner) Clean(ctx context.Context) (*CleanResult, error) {
	start := time.Now()
	log := trlog.With("owner", c.options.owner)
	lease, batchSize := c.settings()
	acquired, err := c.locker.Acquire(ctx, c.options.owner, lease)
	if err != nil {
		c.metrics.recordCycle(ctx, cycleOutcomeFailed, time.Since(start))
		return nil, fmt.Errorf("failed to acquire cleaner lock: %w", err)
	}
	if !acquired {
		log.Debugf("skipping ticket cleanup: %v", ErrLockUnavailable)
		c.metrics.recordCycle(ctx, cycleOutcomeSkipped, time.Since(start))
		return &CleanResult{Skipped: true}, nil
	}
	defer c.release(ctx, log)

	result := &CleanResult{}
	defer c.metrics.recordResult(ctx, result)
	catalog := c.registry.Catalog()
	// granting tickets first, so that a logout still finds the tickets issued from them
	if err := c.sweep(ctx, log, result, batchSize, ByClass(catalog, ticket.ClassGranting), true); err != nil {
		c.metrics.recordCycle(ctx, cycleOutcomeFailed, time.Since(start))
		return result, err
	}
	notGranting := func(t *ticket.Ticket) bool { return !catalog.IsGranting(t) }
	if err := c.sweep(ctx, log, result, batchSize, notGranting, false); err != nil {
		c.metrics.recordCycle(ctx, cycleOutcomeFailed, time.Since(start))
		return result, err
	}
	c.metrics.recordCycle(ctx, cycleOutcomeCompleted, time.Since(start))
	if result.Expired > 0 {
		log.Infof("ticket cleanup removed %d tickets (%d expired, %d scanned, %d logout failures)",
			result.Removed, result.Expired, result.Scanned, result.LogoutFailures)
	}
	return result, nil
}

func (c *DefaultCleaner) sweep(ctx context.Context, log *trlog.DefaultLogger, result *CleanResult, batchSize int, filter Filter, logout bool) error {
	expired := make([]*ticket.Ticket, 0, batchSize)
	for t, err := range c.registry.GetTickets(ctx, filter) {
		if err != nil {
			return err
		}
		result.Scanned++
		if !t.IsExpired(c.registry.now()) {
			continue
		}
		expired = append(expired, t)
		if len(expired) >= batchSize {
			if err := c.removeExpired(ctx, log, result, expired, logout); err != nil {
				return err
			}
			expired = expired[:0]
		}
	}
	return c.removeExpired(ctx, log, result, expired, logout)
}

func (c *DefaultCleaner) removeExpired(ctx context.Context, log *trlog.DefaultLogger, result *CleanResult, expired []*ticket.Ticket, logout bool) error {
	result.Expired += len(expired)
	for _, t := range expired {
		if logout {
			// already gone with an expired ancestor earlier in this batch, whose logout covered it
			exists, err := c.registry.exists(ctx, t.ID)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if _, err := c.logout.PerformLogout(ctx, t); err != nil {
				result.LogoutFailures++
				log.Warnf("%+v", fmt.Errorf("%w: ticket %s: %w", ErrLogoutFailed, t.ID, err))
			} else {
				result.Logouts++
			}
		}
		n, err := c.registry.DeleteTicket(ctx, t.ID)
		if err != nil {
			return err
		}
		result.Removed += n
	}
	return nil
}

func (c *DefaultCleaner) release(ctx context.Context, log *trlog.DefaultLogger) {
	// released even when ctx was canceled mid-cycle, so that another node can clean without waiting for the lease
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultReleaseTimeout)
	defer cancel()
	if err := c.locker.Release(ctx, c.options.owner); err != nil {
		if errors.Is(err, lock.ErrBackendUnavailable) {
			log.Errorf("failed to release cleaner lock; it stays held until its lease expires: %+v", err)
			return
		}
		log.Warnf("failed to release cleaner lock: %+v", err)
	}
}

func (c *DefaultCleaner) settings() (time.Duration, int) {
	lease, batchSize := DefaultCleanerLease, defaultScanBatchSize
	if c.options.config != nil {
		conf := c.options.config.Current()
		if conf.LockLease > 0 {
			lease = conf.LockLease
		}
		if conf.ScanBatchSize > 0 {
			batchSize = conf.ScanBatchSize
		}
	}
	return lease, batchSize
}

// NoOpCleaner is used when scheduled cleaning is disabled. It never touches the registry or the lock.
type NoOpCleaner struct{}

func (NoOpCleaner) Clean(ctx context.Context) (*CleanResult, error) {
	return &CleanResult{Disabled: true}, nil
}
