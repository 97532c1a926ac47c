package statestore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/castaneai/ticketregistry/pkg/ticket"
)

const (
	DefaultSQLTable = "tickets"
	lockShare       = "SHARE"
	lockUpdate      = "UPDATE"
)

type ticketRow struct {
	ID           string `gorm:"primaryKey;size:255"`
	Type         string `gorm:"size:64;index"`
	ParentID     string `gorm:"size:255;index"`
	CreationTime time.Time
	Data         []byte
}

type sqlOpts struct {
	table string
}

func defaultSQLOpts() *sqlOpts {
	return &sqlOpts{
		table: DefaultSQLTable,
	}
}

type SQLOption interface {
	apply(opts *sqlOpts)
}

type SQLOptionFunc func(opts *sqlOpts)

func (f SQLOptionFunc) apply(opts *sqlOpts) {
	f(opts)
}

func WithSQLTable(table string) SQLOption {
	return SQLOptionFunc(func(opts *sqlOpts) {
		opts.table = table
	})
}

// SQLStore keeps tickets in one table through gorm. Open the gorm.DB with TranslateError so that
// a concurrent insert of the same id reports ErrTicketExists.
// A cascading delete runs in one transaction that locks each level of the family before reading the next one.
// Readers see the whole family deleted or none of it at read committed or stronger isolation;
// on SQLite the database lock serializes every write transaction.
type SQLStore struct {
	db   *gorm.DB
	opts *sqlOpts
}

// NewSQLStore migrates the ticket table and returns the store.
func NewSQLStore(ctx context.Context, db *gorm.DB, opts ...SQLOption) (*SQLStore, error) {
	so := defaultSQLOpts()
	for _, o := range opts {
		o.apply(so)
	}
	s := &SQLStore{db: db, opts: so}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Table(s.opts.table).AutoMigrate(&ticketRow{}); err != nil {
		return fmt.Errorf("failed to migrate ticket table: %w", sqlError(err))
	}
	return nil
}

func (s *SQLStore) table(tx *gorm.DB) *gorm.DB {
	return tx.Table(s.opts.table)
}

func (s *SQLStore) Insert(ctx context.Context, t *ticket.Ticket) error {
	data, err := encodeTicket(t)
	if err != nil {
		return err
	}
	row := &ticketRow{
		ID:           t.ID,
		Type:         t.Type,
		ParentID:     t.ParentID,
		CreationTime: t.CreationTime,
		Data:         data,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if t.ParentID != "" {
			var parents []string
			// FOR SHARE: a concurrent cascade has to wait for this insert, and then sees the new child
			if err := s.lockTickets(tx, lockShare, []string{t.ParentID}).Pluck("id", &parents).Error; err != nil {
				return err
			}
			if len(parents) == 0 {
				return fmt.Errorf("%w: %s", ErrParentNotFound, t.ParentID)
			}
		}
		if err := s.table(tx).Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: %s", ErrTicketExists, t.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return sqlError(err)
	}
	return nil
}

// lockTickets selects the given rows with a row lock. SQLite has no row locks and ignores the clause;
// its transactions already serialize writers.
func (s *SQLStore) lockTickets(tx *gorm.DB, strength string, ticketIDs []string) *gorm.DB {
	return s.table(tx).Clauses(clause.Locking{Strength: strength}).Where("id IN ?", ticketIDs)
}

func (s *SQLStore) Replace(ctx context.Context, t *ticket.Ticket) error {
	data, err := encodeTicket(t)
	if err != nil {
		return err
	}
	res := s.table(s.db.WithContext(ctx)).Where("id = ?", t.ID).Update("data", data)
	if res.Error != nil {
		return fmt.Errorf("failed to replace ticket: %w", sqlError(res.Error))
	}
	if res.RowsAffected == 0 {
		return ErrTicketNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, ticketID string) (*ticket.Ticket, error) {
	var row ticketRow
	if err := s.table(s.db.WithContext(ctx)).Where("id = ?", ticketID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTicketNotFound
		}
		return nil, fmt.Errorf("failed to get ticket: %w", sqlError(err))
	}
	return decodeTicket(row.Data)
}

func (s *SQLStore) Children(ctx context.Context, ticketID string) ([]*ticket.Ticket, error) {
	var rows []ticketRow
	if err := s.table(s.db.WithContext(ctx)).Where("parent_id = ?", ticketID).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get children: %w", sqlError(err))
	}
	children := make([]*ticket.Ticket, 0, len(rows))
	for _, row := range rows {
		t, err := decodeTicket(row.Data)
		if err != nil {
			return nil, err
		}
		children = append(children, t)
	}
	return children, nil
}

func (s *SQLStore) Delete(ctx context.Context, ticketID string) (int, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		frontier := []string{ticketID}
		for len(frontier) > 0 {
			// lock a level before reading its children, so that no insert can attach below it meanwhile
			var locked []string
			if err := s.lockTickets(tx, lockUpdate, frontier).Pluck("id", &locked).Error; err != nil {
				return err
			}
			if len(locked) == 0 {
				break
			}
			ids = append(ids, locked...)
			var children []string
			if err := s.table(tx).Where("parent_id IN ?", locked).Pluck("id", &children).Error; err != nil {
				return err
			}
			frontier = children
		}
		if len(ids) == 0 {
			return nil
		}
		res := s.table(tx).Where("id IN ?", ids).Delete(&ticketRow{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete ticket: %w", sqlError(err))
	}
	return int(removed), nil
}

// Scan pages through tickets in id order; the cursor is the last id returned.
func (s *SQLStore) Scan(ctx context.Context, cursor string, count int) ([]*ticket.Ticket, string, error) {
	if count <= 0 {
		count = 1
	}
	var rows []ticketRow
	if err := s.table(s.db.WithContext(ctx)).Where("id > ?", cursor).Order("id").Limit(count).Find(&rows).Error; err != nil {
		return nil, "", fmt.Errorf("failed to scan tickets: %w", sqlError(err))
	}
	tickets := make([]*ticket.Ticket, 0, len(rows))
	for _, row := range rows {
		t, err := decodeTicket(row.Data)
		if err != nil {
			return nil, "", err
		}
		tickets = append(tickets, t)
	}
	next := ""
	if len(rows) == count {
		next = rows[len(rows)-1].ID
	}
	return tickets, next, nil
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.table(s.db.WithContext(ctx)).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count tickets: %w", sqlError(err))
	}
	return n, nil
}

func (s *SQLStore) Drop(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Migrator().DropTable(s.opts.table); err != nil {
		return fmt.Errorf("failed to drop ticket table: %w", sqlError(err))
	}
	return s.migrate(ctx)
}

// sqlError marks connection failures as ErrBackendUnavailable and leaves every other error untouched.
func sqlError(err error) error {
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return unavailable(err)
	}
	return err
}
