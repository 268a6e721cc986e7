// Package store keeps a registry of live preview instances so sessions left
// behind by a crash can be stopped on the next start.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/livetemplate/livepreview"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when no instance has the requested id.
var ErrNotFound = errors.New("preview instance not found")

const schema = `CREATE TABLE IF NOT EXISTS preview_instances (
	id TEXT PRIMARY KEY,
	resource_key TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	locale TEXT NOT NULL,
	webspace TEXT NOT NULL DEFAULT '',
	target_group INTEGER NOT NULL DEFAULT -1,
	token TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	owner TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

const columns = "id, resource_key, resource_id, locale, webspace, target_group, token, state, owner, created_at, updated_at"

// Instance is one registered preview.
type Instance struct {
	ID          string                  `json:"id"`
	Resource    livepreview.ResourceRef `json:"resource"`
	TargetGroup int                     `json:"targetGroup"`
	Token       string                  `json:"token,omitempty"`
	State       string                  `json:"state"`
	Owner       string                  `json:"owner,omitempty"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
}

// Store is a SQL-backed instance registry.
type Store struct {
	db     *sql.DB
	driver string
	owner  string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithOwner tags rows saved through the store with owner, the id of the
// server process that holds their CMS sessions.
func WithOwner(owner string) Option {
	return func(s *Store) {
		s.owner = owner
	}
}

// Open connects to the database and creates the table if needed.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("store: %s dsn is required", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection also keeps
		// ":memory:" databases alive across calls.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create schema: %w", err)
	}

	if err := addOwnerColumn(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// addOwnerColumn upgrades tables created before instances had an owner.
func addOwnerColumn(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT owner FROM preview_instances WHERE 1 = 0`)
	if err == nil {
		return rows.Close()
	}
	if _, err := db.ExecContext(ctx, `ALTER TABLE preview_instances ADD COLUMN owner TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("store: failed to add owner column: %w", err)
	}
	return nil
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Owner returns the owner written by Save.
func (s *Store) Owner() string {
	return s.owner
}

// Save inserts or replaces inst. CreatedAt is kept for existing rows. An
// instance without an owner is saved under the store's owner.
func (s *Store) Save(ctx context.Context, inst Instance) error {
	now := s.now().UnixMilli()
	owner := inst.Owner
	if owner == "" {
		owner = s.owner
	}
	created := now
	if !inst.CreatedAt.IsZero() {
		created = inst.CreatedAt.UnixMilli()
	}

	query := s.rebind(`INSERT INTO preview_instances (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			resource_key = excluded.resource_key,
			resource_id = excluded.resource_id,
			locale = excluded.locale,
			webspace = excluded.webspace,
			target_group = excluded.target_group,
			token = excluded.token,
			state = excluded.state,
			owner = excluded.owner,
			updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.Resource.ResourceKey, inst.Resource.ID, inst.Resource.Locale,
		inst.Resource.Webspace, inst.TargetGroup, inst.Token, inst.State, owner, created, now)
	if err != nil {
		return fmt.Errorf("store: save %s: %w", inst.ID, err)
	}
	return nil
}

// UpdateState records the lifecycle state and session token of an instance.
func (s *Store) UpdateState(ctx context.Context, id, state, token string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE preview_instances SET state = ?, token = ?, updated_at = ? WHERE id = ?`),
		state, token, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", id, err)
	}
	return expectRow(res, id)
}

// UpdateTargetGroup records the selected target group of an instance.
func (s *Store) UpdateTargetGroup(ctx context.Context, id string, targetGroup int) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE preview_instances SET target_group = ?, updated_at = ? WHERE id = ?`),
		targetGroup, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", id, err)
	}
	return expectRow(res, id)
}

// Delete removes an instance. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM preview_instances WHERE id = ?`), id); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// Get returns one instance or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+columns+` FROM preview_instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("store: get %s: %w", id, err)
	}
	return inst, nil
}

// List returns all instances, oldest first.
func (s *Store) List(ctx context.Context) ([]Instance, error) {
	return s.query(ctx, `SELECT `+columns+` FROM preview_instances ORDER BY created_at, id`)
}

// ListStale returns instances not updated for at least olderThan.
func (s *Store) ListStale(ctx context.Context, olderThan time.Duration) ([]Instance, error) {
	cutoff := s.now().Add(-olderThan).UnixMilli()
	return s.query(ctx,
		`SELECT `+columns+` FROM preview_instances WHERE updated_at <= ? ORDER BY updated_at, id`, cutoff)
}

// ListRecoverable returns the instances a starting server should stop: those
// saved under the store's owner, whatever their age, and those of any other
// owner not updated for at least foreignAfter.
func (s *Store) ListRecoverable(ctx context.Context, foreignAfter time.Duration) ([]Instance, error) {
	cutoff := s.now().Add(-foreignAfter).UnixMilli()
	return s.query(ctx,
		`SELECT `+columns+` FROM preview_instances WHERE owner = ? OR updated_at <= ? ORDER BY updated_at, id`,
		s.owner, cutoff)
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (Instance, error) {
	var (
		inst             Instance
		created, updated int64
	)
	err := row.Scan(&inst.ID, &inst.Resource.ResourceKey, &inst.Resource.ID, &inst.Resource.Locale,
		&inst.Resource.Webspace, &inst.TargetGroup, &inst.Token, &inst.State, &inst.Owner, &created, &updated)
	if err != nil {
		return Instance{}, err
	}
	inst.CreatedAt = time.UnixMilli(created)
	inst.UpdatedAt = time.UnixMilli(updated)
	return inst, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
