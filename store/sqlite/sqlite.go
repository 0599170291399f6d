/*
Package sqlite provides a SQLite-backed implementation of the circulation
ledger and audit log.

PURPOSE:
  Implements circulation.AdminLedger and circulation.AuditLog on SQLite.
  The same schema runs on PostgreSQL (see store/postgres) with minor
  dialect differences.

INTERFACES IMPLEMENTED:
  circulation.Ledger:      Get, CompareAndSet, ListByTitle
  circulation.AdminLedger: Create, Delete, ListByStatus, ListByHolder, CountByStatus
  circulation.AuditLog:    Append, History

COMPARE-AND-SET:
  A transition is a single guarded UPDATE:

    UPDATE copies SET ... , version = version + 1
    WHERE id = ? AND status = ? AND version = ? AND title_ref = ?

  Zero affected rows means the copy moved on since it was read (or never
  existed). The row is then re-read only to classify the error.

KEY TABLES:
  copies:       One row per physical copy, current status only
  copy_audit:   Append-only history of committed transitions

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

USAGE:
  store, err := sqlite.New("./data/circulation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  machine := circulation.NewMachine(store, circulation.SystemClock{}, authz)
  machine.Audit = store

SEE ALSO:
  - circulation/ledger.go:     Interface definitions
  - circulation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store implements the circulation storage interfaces using SQLite.
type Store struct {
	db *sqlx.DB
	mu sync.RWMutex
}

var (
	_ circulation.AdminLedger = (*Store)(nil)
	_ circulation.AuditLog    = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS copies (
		id TEXT PRIMARY KEY,
		title_ref TEXT NOT NULL,
		imprint TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		due_back TEXT,
		holder TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (status IN ('maintenance', 'available', 'on_loan', 'reserved'))
	);

	-- Matcher scans: all copies of a title in a given status
	CREATE INDEX IF NOT EXISTS idx_copies_title_status
		ON copies(title_ref, status);

	-- Patron loan listings
	CREATE INDEX IF NOT EXISTS idx_copies_holder
		ON copies(holder) WHERE holder <> '';

	CREATE TABLE IF NOT EXISTS copy_audit (
		id TEXT PRIMARY KEY,
		copy_id TEXT NOT NULL,
		op TEXT NOT NULL,
		version INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_copy_audit_copy
		ON copy_audit(copy_id, version);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ROW MAPPING
// =============================================================================

const copyColumns = `id, title_ref, imprint, location, status, due_back, holder, version, updated_at`

type copyRow struct {
	ID        string         `db:"id"`
	TitleRef  string         `db:"title_ref"`
	Imprint   string         `db:"imprint"`
	Location  string         `db:"location"`
	Status    string         `db:"status"`
	DueBack   sql.NullString `db:"due_back"`
	Holder    string         `db:"holder"`
	Version   int64          `db:"version"`
	UpdatedAt string         `db:"updated_at"`
}

func toRow(c circulation.Copy) copyRow {
	return copyRow{
		ID:        string(c.ID),
		TitleRef:  string(c.TitleRef),
		Imprint:   c.Imprint,
		Location:  c.Location,
		Status:    string(c.Status),
		DueBack:   nullString(c.DueBack.String()),
		Holder:    string(c.Holder),
		Version:   int64(c.Version),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (r copyRow) toCopy() (circulation.Copy, error) {
	status, err := circulation.ParseStatus(r.Status)
	if err != nil {
		return circulation.Copy{}, err
	}
	due, err := circulation.ParseDate(r.DueBack.String)
	if err != nil {
		return circulation.Copy{}, fmt.Errorf("copy %s: bad due_back %q: %w", r.ID, r.DueBack.String, err)
	}
	updated, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)

	return circulation.Copy{
		ID:        circulation.CopyID(r.ID),
		TitleRef:  circulation.TitleRef(r.TitleRef),
		Imprint:   r.Imprint,
		Location:  r.Location,
		Status:    status,
		DueBack:   due,
		Holder:    circulation.PatronID(r.Holder),
		Version:   uint64(r.Version),
		UpdatedAt: updated,
	}, nil
}

func toCopies(rows []copyRow) ([]circulation.Copy, error) {
	result := make([]circulation.Copy, 0, len(rows))
	for _, r := range rows {
		c, err := r.toCopy()
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) Get(ctx context.Context, id circulation.CopyID) (circulation.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id circulation.CopyID) (circulation.Copy, error) {
	var row copyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+copyColumns+` FROM copies WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Copy{}, circulation.ErrCopyNotFound
	}
	if err != nil {
		return circulation.Copy{}, fmt.Errorf("failed to get copy: %w", err)
	}
	return row.toCopy()
}

// CompareAndSet writes next if the stored copy still has the expected
// status and version.
func (s *Store) CompareAndSet(
	ctx context.Context,
	id circulation.CopyID,
	expected circulation.Status,
	expectedVersion uint64,
	next circulation.Copy,
) (circulation.Copy, error) {
	if next.ID != id {
		return circulation.Copy{}, &circulation.InvariantError{CopyID: id, Rule: "id", Detail: "copy id cannot change"}
	}
	if err := next.Validate(); err != nil {
		return circulation.Copy{}, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	next.Version = expectedVersion + 1
	row := toRow(next)

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE copies
		SET imprint = ?, location = ?, status = ?, due_back = ?, holder = ?,
		    version = ?, updated_at = ?
		WHERE id = ? AND status = ? AND version = ? AND title_ref = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		row.Imprint, row.Location, row.Status, row.DueBack, row.Holder,
		row.Version, row.UpdatedAt,
		id, expected, int64(expectedVersion), row.TitleRef,
	)
	if err != nil {
		return circulation.Copy{}, fmt.Errorf("failed to update copy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return circulation.Copy{}, fmt.Errorf("failed to update copy: %w", err)
	}
	if n == 1 {
		return next, nil
	}

	cur, err := s.get(ctx, id)
	if err != nil {
		return circulation.Copy{}, err
	}
	if cur.Status == expected && cur.Version == expectedVersion && cur.TitleRef != next.TitleRef {
		return circulation.Copy{}, &circulation.InvariantError{CopyID: id, Rule: "title", Detail: "title reference cannot change"}
	}
	return circulation.Copy{}, circulation.ErrConcurrencyConflict
}

func (s *Store) ListByTitle(ctx context.Context, title circulation.TitleRef, statuses ...circulation.Status) ([]circulation.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + copyColumns + ` FROM copies WHERE title_ref = ?`
	args := []any{title}
	query, args = withStatusFilter(query, args, statuses)
	return s.queryCopies(ctx, query+` ORDER BY id ASC`, args...)
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

func (s *Store) Create(ctx context.Context, c circulation.Copy) error {
	if err := c.ValidateNew(); err != nil {
		return err
	}
	c.Version = 1
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO copies (`+copyColumns+`)
		VALUES (:id, :title_ref, :imprint, :location, :status, :due_back, :holder, :version, :updated_at)
	`, toRow(c))
	if err != nil {
		if isUniqueConstraintError(err) {
			return circulation.ErrDuplicateCopy
		}
		return fmt.Errorf("failed to create copy: %w", err)
	}
	return nil
}

// Delete removes a copy unless it is on loan or reserved.
func (s *Store) Delete(ctx context.Context, id circulation.CopyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM copies WHERE id = ? AND status NOT IN ('on_loan', 'reserved')`, id)
	if err != nil {
		return fmt.Errorf("failed to delete copy: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	return circulation.ErrCopyInUse
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...circulation.Status) ([]circulation.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := withStatusFilter(`SELECT `+copyColumns+` FROM copies WHERE 1 = 1`, nil, statuses)
	return s.queryCopies(ctx, query+` ORDER BY id ASC`, args...)
}

// ListByHolder returns a patron's loans and reservations, earliest due first.
func (s *Store) ListByHolder(ctx context.Context, patron circulation.PatronID) ([]circulation.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copies, err := s.queryCopies(ctx, `SELECT `+copyColumns+` FROM copies WHERE holder = ? ORDER BY id ASC`, patron)
	if err != nil {
		return nil, err
	}
	circulation.SortByDueBack(copies)
	return copies, nil
}

// CountByStatus counts copies per status, for one title or (title == "") all.
func (s *Store) CountByStatus(ctx context.Context, title circulation.TitleRef) (map[circulation.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT status, COUNT(*) AS n FROM copies`
	var args []any
	if title != "" {
		query += ` WHERE title_ref = ?`
		args = append(args, title)
	}
	query += ` GROUP BY status`

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count copies: %w", err)
	}

	counts := make(map[circulation.Status]int, len(circulation.AllStatuses))
	for _, st := range circulation.AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[circulation.Status(r.Status)] = r.N
	}
	return counts, nil
}

func (s *Store) queryCopies(ctx context.Context, query string, args ...any) ([]circulation.Copy, error) {
	var rows []copyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query copies: %w", err)
	}
	return toCopies(rows)
}

func withStatusFilter(query string, args []any, statuses []circulation.Status) (string, []any) {
	if len(statuses) == 0 {
		return query, args
	}
	q, inArgs, err := sqlx.In(` AND status IN (?)`, statuses)
	if err != nil {
		// sqlx.In only fails on an empty slice, handled above
		return query, args
	}
	return query + q, append(args, inArgs...)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditPayload struct {
	From      circulation.Status   `json:"from"`
	To        circulation.Status   `json:"to"`
	Patron    circulation.PatronID `json:"patron,omitempty"`
	Actor     circulation.ActorID  `json:"actor,omitempty"`
	DueBack   circulation.Date     `json:"due_back"`
	Timestamp time.Time            `json:"timestamp"`
}

func (s *Store) Append(ctx context.Context, entry circulation.AuditEntry) error {
	payload, err := json.Marshal(auditPayload{
		From:      entry.From,
		To:        entry.To,
		Patron:    entry.Patron,
		Actor:     entry.Actor,
		DueBack:   entry.DueBack,
		Timestamp: entry.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO copy_audit (id, copy_id, op, version, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.CopyID, entry.Op, int64(entry.Version), string(payload),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil // already recorded
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, id circulation.CopyID) ([]circulation.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []struct {
		ID      string `db:"id"`
		CopyID  string `db:"copy_id"`
		Op      string `db:"op"`
		Version int64  `db:"version"`
		Payload string `db:"payload_json"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, copy_id, op, version, payload_json
		FROM copy_audit WHERE copy_id = ?
		ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit history: %w", err)
	}

	entries := make([]circulation.AuditEntry, 0, len(rows))
	for _, r := range rows {
		var p auditPayload
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry %s: %w", r.ID, err)
		}
		entries = append(entries, circulation.AuditEntry{
			ID:        r.ID,
			CopyID:    circulation.CopyID(r.CopyID),
			Op:        circulation.Operation(r.Op),
			From:      p.From,
			To:        p.To,
			Patron:    p.Patron,
			Actor:     p.Actor,
			DueBack:   p.DueBack,
			Version:   uint64(r.Version),
			Timestamp: p.Timestamp,
		})
	}
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
