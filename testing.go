package ticketregistry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"

	"github.com/castaneai/ticketregistry/pkg/lock"
	"github.com/castaneai/ticketregistry/pkg/statestore"
	"github.com/castaneai/ticketregistry/pkg/ticket"
)

// TestRegistry is a TicketRegistry backed by an in-process Redis and a fake clock.
type TestRegistry struct {
	*TicketRegistry
	Redis  *miniredis.Miniredis
	Client rueidis.Client
	Clock  *clockwork.FakeClock
}

type TestRegistryOption interface {
	apply(opts *testRegistryOpts)
}

type TestRegistryOptionFunc func(*testRegistryOpts)

func (f TestRegistryOptionFunc) apply(opts *testRegistryOpts) {
	f(opts)
}

func WithTestRegistryCatalog(catalog *ticket.Catalog) TestRegistryOption {
	return TestRegistryOptionFunc(func(opts *testRegistryOpts) {
		opts.catalog = catalog
	})
}

func WithTestRegistryStartTime(start time.Time) TestRegistryOption {
	return TestRegistryOptionFunc(func(opts *testRegistryOpts) {
		opts.startTime = start
	})
}

type testRegistryOpts struct {
	catalog   *ticket.Catalog
	startTime time.Time
}

func defaultTestRegistryOpts() *testRegistryOpts {
	return &testRegistryOpts{
		catalog:   ticket.DefaultCatalog(),
		startTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// RunTestRegistry helps with integration tests of code issuing and validating tickets.
// Time only passes when Advance is called.
func RunTestRegistry(t *testing.T, opts ...TestRegistryOption) *TestRegistry {
	option := defaultTestRegistryOpts()
	for _, o := range opts {
		o.apply(option)
	}

	mr := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{mr.Addr()}, DisableCache: true})
	if err != nil {
		t.Fatalf("failed to new rueidis client: %+v", err)
	}
	t.Cleanup(rc.Close)
	clock := clockwork.NewFakeClockAt(option.startTime)
	registry, err := NewTicketRegistry(context.Background(), statestore.NewRedisStore(rc), option.catalog, WithRegistryClock(clock))
	if err != nil {
		t.Fatalf("failed to create test registry: %+v", err)
	}
	return &TestRegistry{
		TicketRegistry: registry,
		Redis:          mr,
		Client:         rc,
		Clock:          clock,
	}
}

// NewLockStrategy returns a cleaner lock sharing the test registry's Redis and clock.
func (r *TestRegistry) NewLockStrategy() *lock.RedisStrategy {
	return lock.NewRedisStrategy(r.Client, lock.DefaultKey, r.Clock)
}

// Advance moves both the registry clock and the Redis key expiry forward.
func (r *TestRegistry) Advance(d time.Duration) {
	r.Clock.Advance(d)
	r.Redis.FastForward(d)
}
