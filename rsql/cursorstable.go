package rsql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/log"

	"github.com/luno/txrelay"
)

const (
	defaultCursorCursorField = "last_version"
	defaultCursorIDField     = "id"
	defaultCursorTimeField   = "updated_at"
	defaultAsyncPeriod       = time.Second * 5
)

// NewCursorsTable returns a new CursorsTable.
func NewCursorsTable(name string, options ...CursorsOption) *CursorsTable {
	table := &CursorsTable{
		schema: ctableSchema{
			name:        name,
			cursorField: defaultCursorCursorField,
			idField:     defaultCursorIDField,
			timefield:   defaultCursorTimeField,
		},
		sleep:       time.Sleep,
		setCounter:  makeCursorSetCounter(name),
		asyncPeriod: defaultAsyncPeriod,
	}
	for _, o := range options {
		o(table)
	}

	return table
}

// CursorsOption are the configurations for the cursor table
type CursorsOption func(*CursorsTable)

// WithCursorCursorField provides an option to configure the cursor field.
// It defaults to 'last_version'.
func WithCursorCursorField(field string) CursorsOption {
	return func(table *CursorsTable) {
		table.schema.cursorField = field
	}
}

// WithCursorIDField provides an option to configure the cursor ID field.
// It defaults to 'id'.
func WithCursorIDField(field string) CursorsOption {
	return func(table *CursorsTable) {
		table.schema.idField = field
	}
}

// WithCursorTimeField provides an option to configure the cursor time field.
// It defaults to 'updated_at'.
func WithCursorTimeField(field string) CursorsOption {
	return func(table *CursorsTable) {
		table.schema.timefield = field
	}
}

// WithCursorAsyncPeriod provides an option to configure the async write period.
// It defaults to 5 seconds.
func WithCursorAsyncPeriod(d time.Duration) CursorsOption {
	return func(table *CursorsTable) {
		table.asyncPeriod = d
	}
}

// WithCursorAsyncDisabled provides an option to disable async writes.
func WithCursorAsyncDisabled() CursorsOption {
	return WithCursorAsyncPeriod(0)
}

// WithCursorSetCounter provides an option to set the cursor DB set cursor metric.
// It defaults to prometheus metrics.
func WithCursorSetCounter(f func()) CursorsOption {
	return func(table *CursorsTable) {
		table.setCounter = f
	}
}

// WithTestCursorSleep replaces the sleep function for testing.
func WithTestCursorSleep(_ testing.TB, f func(time.Duration)) CursorsOption {
	return func(table *CursorsTable) {
		table.sleep = f
	}
}

// CursorsTable provides access to a mysql table of relay cursors. Writes
// are buffered and flushed periodically unless async is disabled.
type CursorsTable struct {
	schema     ctableSchema
	sleep      func(d time.Duration) // Abstracted for testing
	setCounter func()

	flushMu      sync.Mutex // Required for flushing to DB
	cursorMu     sync.Mutex // Required for asyncCursors
	cursorOnce   sync.Once
	asyncCursors map[string]string
	asyncDBC     *sql.DB
	asyncPeriod  time.Duration
}

// ctableSchema defines the mysql schema of a cursors table.
type ctableSchema struct {
	name        string
	cursorField string
	idField     string
	timefield   string
}

// CreateTableSQL returns the statement creating the table if it does not exist.
func (t *CursorsTable) CreateTableSQL() string {
	return fmt.Sprintf("create table if not exists %s ("+
		"%s varchar(255) not null, "+
		"%s bigint unsigned not null, "+
		"%s datetime not null, "+
		"primary key (%s))",
		t.schema.name, t.schema.idField, t.schema.cursorField,
		t.schema.timefield, t.schema.idField)
}

func (t *CursorsTable) GetCursor(ctx context.Context, dbc *sql.DB, relayName string) (string, error) {
	value, _, err := getCursor(ctx, dbc, t.schema, relayName)
	return value, err
}

func (t *CursorsTable) SetCursor(ctx context.Context, dbc *sql.DB, relayName string, cursor string) error {
	if _, err := parseCursor(cursor); err != nil {
		return err
	}
	if !t.isAsyncEnabled() {
		t.setCounter()
		return setCursor(ctx, dbc, t.schema, relayName, cursor)
	}

	t.cursorOnce.Do(func() {
		go t.flushForever()
	})

	t.cursorMu.Lock()
	defer t.cursorMu.Unlock()

	if t.asyncCursors == nil {
		t.asyncCursors = make(map[string]string)
		t.asyncDBC = dbc
	}

	t.asyncCursors[relayName] = cursor
	return nil
}

func (t *CursorsTable) isAsyncEnabled() bool {
	return t.asyncPeriod > 0
}

// Flush writes any buffered cursors to the table.
func (t *CursorsTable) Flush(ctx context.Context) error {
	if !t.isAsyncEnabled() {
		return nil
	}

	t.cursorMu.Lock()
	dbc := t.asyncDBC
	m := t.asyncCursors
	t.asyncCursors = nil

	if len(m) == 0 {
		// Nothing to flush
		t.cursorMu.Unlock()
		return nil
	}

	// Grab the flush mutex before releasing the cursor mutex.
	t.flushMu.Lock()
	t.cursorMu.Unlock()
	defer t.flushMu.Unlock()

	for id, cursor := range m {
		t.setCounter()
		err := setCursor(ctx, dbc, t.schema, id, cursor)
		if err != nil {
			return err
		}
	}

	return nil
}

// ToStore returns a txrelay.CursorStore backed by this table.
func (t *CursorsTable) ToStore(dbc *sql.DB) txrelay.CursorStore {
	return &cursorStore{t: t, dbc: dbc}
}

func (t *CursorsTable) flushForever() {
	for {
		t.sleep(t.asyncPeriod)

		ctx := context.Background()
		if err := t.Flush(ctx); err != nil {
			log.Error(ctx, errors.Wrap(err, "txrelay: error flushing cursor"))
		}
	}
}

type cursorStore struct {
	t   *CursorsTable
	dbc *sql.DB
}

func (cs *cursorStore) GetCursor(ctx context.Context, relayName string) (string, error) {
	return cs.t.GetCursor(ctx, cs.dbc, relayName)
}

func (cs *cursorStore) SetCursor(ctx context.Context, relayName string, cursor string) error {
	return cs.t.SetCursor(ctx, cs.dbc, relayName, cursor)
}

func (cs *cursorStore) Flush(ctx context.Context) error {
	return cs.t.Flush(ctx)
}
