/*
Package postgres provides a PostgreSQL implementation of the circulation
ledger and audit log.

PURPOSE:
  Production storage for multi-instance deployments. Unlike the SQLite store
  there is no process-level lock: every transition is a single guarded
  UPDATE, and PostgreSQL's row locking makes two competing writers serialize
  on the row, so exactly one of them sees its WHERE clause still match.

QUERY BUILDING:
  Queries are built with goqu (postgres dialect, prepared placeholders) and
  executed on a pgx connection pool.

USAGE:
  pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
  store := postgres.New(pool)
  if err := store.Migrate(ctx); err != nil { ... }

SEE ALSO:
  - store/sqlite: Same schema on SQLite
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/warp/circulation-engine/circulation"
)

const (
	dialectPostgres = "postgres"

	tableCopies = "copies"
	tableAudit  = "copy_audit"

	colID        = "id"
	colTitleRef  = "title_ref"
	colImprint   = "imprint"
	colLocation  = "location"
	colStatus    = "status"
	colDueBack   = "due_back"
	colHolder    = "holder"
	colVersion   = "version"
	colUpdatedAt = "updated_at"

	colCopyID  = "copy_id"
	colOp      = "op"
	colPayload = "payload"
)

// Schema is applied by Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS copies (
	id         TEXT PRIMARY KEY,
	title_ref  TEXT NOT NULL,
	imprint    TEXT NOT NULL DEFAULT '',
	location   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL CHECK (status IN ('maintenance', 'available', 'on_loan', 'reserved')),
	due_back   DATE,
	holder     TEXT NOT NULL DEFAULT '',
	version    BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_copies_title_status ON copies (title_ref, status);
CREATE INDEX IF NOT EXISTS idx_copies_holder ON copies (holder) WHERE holder <> '';

CREATE TABLE IF NOT EXISTS copy_audit (
	id         TEXT PRIMARY KEY,
	copy_id    TEXT NOT NULL,
	op         TEXT NOT NULL,
	version    BIGINT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_copy_audit_copy ON copy_audit (copy_id, version);
`

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var copyCols = []any{colID, colTitleRef, colImprint, colLocation, colStatus, colDueBack, colHolder, colVersion, colUpdatedAt}

// Store implements circulation.AdminLedger and circulation.AuditLog on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	qb   goqu.DialectWrapper
}

var (
	_ circulation.AdminLedger = (*Store)(nil)
	_ circulation.AuditLog    = (*Store)(nil)
)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, qb: goqu.Dialect(dialectPostgres)}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type copyRow struct {
	ID        string     `db:"id"`
	TitleRef  string     `db:"title_ref"`
	Imprint   string     `db:"imprint"`
	Location  string     `db:"location"`
	Status    string     `db:"status"`
	DueBack   *time.Time `db:"due_back"`
	Holder    string     `db:"holder"`
	Version   int64      `db:"version"`
	UpdatedAt time.Time  `db:"updated_at"`
}

func (r copyRow) toCopy() (circulation.Copy, error) {
	status, err := circulation.ParseStatus(r.Status)
	if err != nil {
		return circulation.Copy{}, err
	}
	c := circulation.Copy{
		ID:        circulation.CopyID(r.ID),
		TitleRef:  circulation.TitleRef(r.TitleRef),
		Imprint:   r.Imprint,
		Location:  r.Location,
		Status:    status,
		Holder:    circulation.PatronID(r.Holder),
		Version:   uint64(r.Version),
		UpdatedAt: r.UpdatedAt,
	}
	if r.DueBack != nil {
		c.DueBack = circulation.DateOf(*r.DueBack)
	}
	return c, nil
}

func dueBackValue(d circulation.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.Time()
}

func copyRecord(c circulation.Copy) goqu.Record {
	return goqu.Record{
		colID:        string(c.ID),
		colTitleRef:  string(c.TitleRef),
		colImprint:   c.Imprint,
		colLocation:  c.Location,
		colStatus:    string(c.Status),
		colDueBack:   dueBackValue(c.DueBack),
		colHolder:    string(c.Holder),
		colVersion:   int64(c.Version),
		colUpdatedAt: c.UpdatedAt.UTC(),
	}
}

// =============================================================================
// QUERY BUILDERS
// =============================================================================

func (s *Store) buildGet(id circulation.CopyID) (string, []any, error) {
	return s.qb.From(tableCopies).Prepared(true).
		Select(copyCols...).
		Where(goqu.C(colID).Eq(string(id))).
		ToSQL()
}

func (s *Store) buildCompareAndSet(expected circulation.Status, expectedVersion uint64, next circulation.Copy) (string, []any, error) {
	return s.qb.Update(tableCopies).Prepared(true).
		Set(goqu.Record{
			colImprint:   next.Imprint,
			colLocation:  next.Location,
			colStatus:    string(next.Status),
			colDueBack:   dueBackValue(next.DueBack),
			colHolder:    string(next.Holder),
			colVersion:   int64(next.Version),
			colUpdatedAt: next.UpdatedAt.UTC(),
		}).
		Where(
			goqu.C(colID).Eq(string(next.ID)),
			goqu.C(colStatus).Eq(string(expected)),
			goqu.C(colVersion).Eq(int64(expectedVersion)),
			goqu.C(colTitleRef).Eq(string(next.TitleRef)),
		).
		ToSQL()
}

func (s *Store) buildList(where goqu.Ex, statuses []circulation.Status) (string, []any, error) {
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		where[colStatus] = names
	}
	return s.qb.From(tableCopies).Prepared(true).
		Select(copyCols...).
		Where(where).
		Order(goqu.I(colID).Asc()).
		ToSQL()
}

func (s *Store) buildCount(title circulation.TitleRef) (string, []any, error) {
	stmt := s.qb.From(tableCopies).Prepared(true).
		Select(goqu.C(colStatus), goqu.COUNT(goqu.Star()).As("n")).
		GroupBy(colStatus)
	if title != "" {
		stmt = stmt.Where(goqu.C(colTitleRef).Eq(string(title)))
	}
	return stmt.ToSQL()
}

func (s *Store) buildDelete(id circulation.CopyID) (string, []any, error) {
	return s.qb.Delete(tableCopies).Prepared(true).
		Where(
			goqu.C(colID).Eq(string(id)),
			goqu.C(colStatus).NotIn(string(circulation.StatusOnLoan), string(circulation.StatusReserved)),
		).
		ToSQL()
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) Get(ctx context.Context, id circulation.CopyID) (circulation.Copy, error) {
	query, args, err := s.buildGet(id)
	if err != nil {
		return circulation.Copy{}, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return circulation.Copy{}, fmt.Errorf("failed to get copy: %w", err)
	}
	row, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[copyRow])
	if errors.Is(err, pgx.ErrNoRows) {
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

	query, args, err := s.buildCompareAndSet(expected, expectedVersion, next)
	if err != nil {
		return circulation.Copy{}, fmt.Errorf("failed to build query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return circulation.Copy{}, fmt.Errorf("failed to update copy: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return next, nil
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return circulation.Copy{}, err
	}
	if cur.Status == expected && cur.Version == expectedVersion && cur.TitleRef != next.TitleRef {
		return circulation.Copy{}, &circulation.InvariantError{CopyID: id, Rule: "title", Detail: "title reference cannot change"}
	}
	return circulation.Copy{}, circulation.ErrConcurrencyConflict
}

func (s *Store) ListByTitle(ctx context.Context, title circulation.TitleRef, statuses ...circulation.Status) ([]circulation.Copy, error) {
	query, args, err := s.buildList(goqu.Ex{colTitleRef: string(title)}, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.queryCopies(ctx, query, args...)
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

	query, args, err := s.qb.Insert(tableCopies).Prepared(true).Rows(copyRecord(c)).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return circulation.ErrDuplicateCopy
		}
		return fmt.Errorf("failed to create copy: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id circulation.CopyID) error {
	query, args, err := s.buildDelete(id)
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete copy: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return circulation.ErrCopyInUse
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...circulation.Status) ([]circulation.Copy, error) {
	query, args, err := s.buildList(goqu.Ex{}, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return s.queryCopies(ctx, query, args...)
}

func (s *Store) ListByHolder(ctx context.Context, patron circulation.PatronID) ([]circulation.Copy, error) {
	query, args, err := s.buildList(goqu.Ex{colHolder: string(patron)}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	copies, err := s.queryCopies(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	circulation.SortByDueBack(copies)
	return copies, nil
}

func (s *Store) CountByStatus(ctx context.Context, title circulation.TitleRef) (map[circulation.Status]int, error) {
	query, args, err := s.buildCount(title)
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count copies: %w", err)
	}
	defer rows.Close()

	counts := make(map[circulation.Status]int, len(circulation.AllStatuses))
	for _, st := range circulation.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[circulation.Status(status)] = int(n)
	}
	return counts, rows.Err()
}

func (s *Store) queryCopies(ctx context.Context, query string, args ...any) ([]circulation.Copy, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query copies: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[copyRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan copies: %w", err)
	}

	result := make([]circulation.Copy, 0, len(records))
	for _, r := range records {
		c, err := r.toCopy()
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, nil
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

func (s *Store) buildAppend(entry circulation.AuditEntry) (string, []any, error) {
	payload, err := json.Marshal(auditPayload{
		From:      entry.From,
		To:        entry.To,
		Patron:    entry.Patron,
		Actor:     entry.Actor,
		DueBack:   entry.DueBack,
		Timestamp: entry.Timestamp.UTC(),
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	return s.qb.Insert(tableAudit).Prepared(true).
		Rows(goqu.Record{
			colID:      entry.ID,
			colCopyID:  string(entry.CopyID),
			colOp:      string(entry.Op),
			colVersion: int64(entry.Version),
			colPayload: string(payload),
		}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
}

func (s *Store) Append(ctx context.Context, entry circulation.AuditEntry) error {
	query, args, err := s.buildAppend(entry)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context, id circulation.CopyID) ([]circulation.AuditEntry, error) {
	query, args, err := s.qb.From(tableAudit).Prepared(true).
		Select(colID, colOp, colVersion, colPayload).
		Where(goqu.C(colCopyID).Eq(string(id))).
		Order(goqu.I(colVersion).Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit history: %w", err)
	}
	defer rows.Close()

	var entries []circulation.AuditEntry
	for rows.Next() {
		var (
			entryID, op string
			version     int64
			payload     []byte
			p           auditPayload
		)
		if err := rows.Scan(&entryID, &op, &version, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry %s: %w", entryID, err)
		}
		entries = append(entries, circulation.AuditEntry{
			ID:        entryID,
			CopyID:    id,
			Op:        circulation.Operation(op),
			From:      p.From,
			To:        p.To,
			Patron:    p.Patron,
			Actor:     p.Actor,
			DueBack:   p.DueBack,
			Version:   uint64(version),
			Timestamp: p.Timestamp,
		})
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
