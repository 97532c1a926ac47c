package statestore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/jonboulle/clockwork"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/castaneai/ticketregistry/pkg/lock"
	"github.com/castaneai/ticketregistry/pkg/ticket"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRedisStore(t *testing.T, addr string, opts ...RedisOption) *RedisStore {
	rc, err := rueidis.NewClient(rueidis.ClientOption{InitAddress: []string{addr}, DisableCache: true})
	if err != nil {
		t.Fatalf("failed to new rueidis client: %+v", err)
	}
	t.Cleanup(rc.Close)
	return NewRedisStore(rc, opts...)
}

func newTestSQLStore(t *testing.T) *SQLStore {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tickets.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %+v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sqlite connection pool: %+v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	store, err := NewSQLStore(context.Background(), db)
	if err != nil {
		t.Fatalf("failed to new sql store: %+v", err)
	}
	return store
}

func testStores(t *testing.T) map[string]func(t *testing.T) TicketStore {
	return map[string]func(t *testing.T) TicketStore{
		"Redis": func(t *testing.T) TicketStore {
			return newTestRedisStore(t, miniredis.RunT(t).Addr())
		},
		"SQL": func(t *testing.T) TicketStore {
			return newTestSQLStore(t)
		},
		"Memory": func(t *testing.T) TicketStore {
			return NewMemoryStore()
		},
	}
}

func newTestTicket(id, parentID string) *ticket.Ticket {
	return &ticket.Ticket{
		ID:               id,
		Type:             ticket.TypeTicketGranting,
		CreationTime:     testNow,
		ExpirationPolicy: ticket.Compose(ticket.HardTimeout(time.Hour), ticket.Idle(10*time.Minute)),
		ParentID:         parentID,
		Authentication:   []byte("principal=casuser"),
	}
}

func TestInsertGet(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			_, err := store.Get(ctx, "TGT-1")
			require.ErrorIs(t, err, ErrTicketNotFound)

			tgt := newTestTicket("TGT-1", "")
			require.NoError(t, store.Insert(ctx, tgt))
			got, err := store.Get(ctx, "TGT-1")
			require.NoError(t, err)
			require.Equal(t, tgt, got)

			err = store.Insert(ctx, newTestTicket("TGT-1", ""))
			require.ErrorIs(t, err, ErrTicketExists)

			err = store.Insert(ctx, newTestTicket("ST-1", "TGT-missing"))
			require.ErrorIs(t, err, ErrParentNotFound)
			_, err = store.Get(ctx, "ST-1")
			require.ErrorIs(t, err, ErrTicketNotFound)
		})
	}
}

func TestReplace(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			tgt := newTestTicket("TGT-1", "")
			require.ErrorIs(t, store.Replace(ctx, tgt), ErrTicketNotFound)

			require.NoError(t, store.Insert(ctx, tgt))
			used := tgt.Use(testNow.Add(time.Minute))
			require.NoError(t, store.Replace(ctx, used))

			got, err := store.Get(ctx, "TGT-1")
			require.NoError(t, err)
			require.Equal(t, 1, got.UsageCount)
			require.True(t, testNow.Add(time.Minute).Equal(got.LastUsedTime))
		})
	}
}

func TestCascadingDelete(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			require.NoError(t, store.Insert(ctx, newTestTicket("TGT-1", "")))
			require.NoError(t, store.Insert(ctx, newTestTicket("ST-1", "TGT-1")))
			require.NoError(t, store.Insert(ctx, newTestTicket("PGT-1", "ST-1")))
			require.NoError(t, store.Insert(ctx, newTestTicket("PT-1", "PGT-1")))
			require.NoError(t, store.Insert(ctx, newTestTicket("TGT-2", "")))
			require.NoError(t, store.Insert(ctx, newTestTicket("ST-2", "TGT-2")))

			children, err := store.Children(ctx, "TGT-1")
			require.NoError(t, err)
			require.Len(t, children, 1)
			require.Equal(t, "ST-1", children[0].ID)
			children, err = store.Children(ctx, "PT-1")
			require.NoError(t, err)
			require.Empty(t, children)

			// deleting a leaf leaves its parent alone
			n, err := store.Delete(ctx, "ST-2")
			require.NoError(t, err)
			require.Equal(t, 1, n)
			_, err = store.Get(ctx, "TGT-2")
			require.NoError(t, err)
			children, err = store.Children(ctx, "TGT-2")
			require.NoError(t, err)
			require.Empty(t, children)

			n, err = store.Delete(ctx, "TGT-1")
			require.NoError(t, err)
			require.Equal(t, 4, n)
			for _, id := range []string{"TGT-1", "ST-1", "PGT-1", "PT-1"} {
				_, err := store.Get(ctx, id)
				require.ErrorIs(t, err, ErrTicketNotFound, id)
			}

			n, err = store.Delete(ctx, "TGT-1")
			require.NoError(t, err)
			require.Equal(t, 0, n)

			count, err := store.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(1), count)
		})
	}
}

func TestScan(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			for i := 0; i < 25; i++ {
				require.NoError(t, store.Insert(ctx, newTestTicket(fmt.Sprintf("TGT-%02d", i), "")))
			}

			seen := map[string]struct{}{}
			cursor := ""
			for {
				tickets, next, err := store.Scan(ctx, cursor, 10)
				require.NoError(t, err)
				for _, tk := range tickets {
					seen[tk.ID] = struct{}{}
				}
				if next == "" {
					break
				}
				cursor = next
			}
			require.Len(t, seen, 25)
		})
	}
}

func TestDrop(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()

			require.NoError(t, store.Insert(ctx, newTestTicket("TGT-1", "")))
			require.NoError(t, store.Insert(ctx, newTestTicket("ST-1", "TGT-1")))
			require.NoError(t, store.Drop(ctx))

			count, err := store.Count(ctx)
			require.NoError(t, err)
			require.Zero(t, count)
			_, err = store.Get(ctx, "ST-1")
			require.ErrorIs(t, err, ErrTicketNotFound)

			// usable after drop
			require.NoError(t, store.Insert(ctx, newTestTicket("TGT-1", "")))
		})
	}
}

func TestConcurrentInsertSameID(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			eg, _ := errgroup.WithContext(ctx)
			results := make([]error, 50)
			for i := range results {
				eg.Go(func() error {
					results[i] = store.Insert(ctx, newTestTicket("TGT-race", ""))
					return nil
				})
			}
			require.NoError(t, eg.Wait())

			succeeded := 0
			for _, err := range results {
				if err == nil {
					succeeded++
					continue
				}
				require.ErrorIs(t, err, ErrTicketExists)
			}
			require.Equal(t, 1, succeeded)
		})
	}
}

func TestSQLLocksFamilyRows(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=127.0.0.1 user=tickets dbname=tickets"}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := &SQLStore{db: db, opts: defaultSQLOpts()}

	var ids []string
	share := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return store.lockTickets(tx, lockShare, []string{"TGT-1"}).Pluck("id", &ids)
	})
	require.Contains(t, share, `FROM "tickets"`)
	require.Contains(t, share, "FOR SHARE")

	update := db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		return store.lockTickets(tx, lockUpdate, []string{"TGT-1", "PGT-1"}).Pluck("id", &ids)
	})
	require.Contains(t, update, "FOR UPDATE")
}

func TestSQLDuplicateIDIsTranslated(t *testing.T) {
	store := newTestSQLStore(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestTicket("TGT-1", "")))

	// the unique key is the only duplicate check
	err := store.Insert(ctx, newTestTicket("TGT-1", ""))
	require.ErrorIs(t, err, ErrTicketExists)
	require.NotErrorIs(t, err, ErrBackendUnavailable)
}

func TestRedisDropKeepsForeignKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	store := newTestRedisStore(t, mr.Addr())
	locker := lock.NewRedisStrategy(store.client, lock.DefaultKey, clockwork.NewRealClock())

	ok, err := locker.Acquire(ctx, "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Insert(ctx, newTestTicket("TGT-1", "")))
	require.NoError(t, store.Insert(ctx, newTestTicket("ST-1", "TGT-1")))

	require.NoError(t, store.Drop(ctx))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, mr.Exists(DefaultRedisKeyPrefix+"children:TGT-1"))
	holder, err := locker.Holder(ctx)
	require.NoError(t, err)
	require.NotNil(t, holder)
	require.Equal(t, "node-a", holder.Owner)
}

func TestRedisKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a := newTestRedisStore(t, mr.Addr(), WithRedisKeyPrefix("{a}:"))
	b := newTestRedisStore(t, mr.Addr(), WithRedisKeyPrefix("{b}:"))

	require.NoError(t, a.Insert(ctx, newTestTicket("TGT-1", "")))
	require.NoError(t, b.Insert(ctx, newTestTicket("TGT-1", "")))
	require.NoError(t, a.Drop(ctx))

	_, err := a.Get(ctx, "TGT-1")
	require.ErrorIs(t, err, ErrTicketNotFound)
	_, err = b.Get(ctx, "TGT-1")
	require.NoError(t, err)
	require.True(t, mr.Exists("{b}:ticket:TGT-1"))
}

func TestRedisBackendUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	store := newTestRedisStore(t, mr.Addr())
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx, newTestTicket("TGT-1", "")))

	mr.Close()
	err := store.Insert(ctx, newTestTicket("TGT-2", ""))
	require.ErrorIs(t, err, ErrBackendUnavailable)
}
