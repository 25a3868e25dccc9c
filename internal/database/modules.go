package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/casplaer/XMLProcessingSystem/internal/model"
	"github.com/casplaer/XMLProcessingSystem/internal/statusdoc"
)

var (
	ErrNilEnvelope = errors.New("status envelope is nil")
	ErrNotFound    = errors.New("module not found")
)

type statements struct {
	schema []string
	lookup string
	insert string
	update string
	get    string
	list   string
}

// sqlite has no FOR UPDATE; immediate transactions already hold the write lock.
var sqliteStatements = statements{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS modules (
			id                 TEXT PRIMARY KEY,
			package_id         TEXT NOT NULL,
			module_category_id TEXT NOT NULL,
			module_state       TEXT NOT NULL,
			index_within_role  INTEGER NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ix_modules_identity
			ON modules (package_id, module_category_id, COALESCE(index_within_role, -2147483648))`,
	},
	lookup: `SELECT id FROM modules
		WHERE package_id = ? AND module_category_id = ? AND index_within_role IS ?`,
	insert: `INSERT INTO modules (id, package_id, module_category_id, module_state, index_within_role)
		VALUES (?, ?, ?, ?, ?)`,
	update: `UPDATE modules SET module_state = ? WHERE id = ?`,
	get: `SELECT id, package_id, module_category_id, module_state, index_within_role FROM modules
		WHERE package_id = ? AND module_category_id = ? AND index_within_role IS ?`,
	list: `SELECT id, package_id, module_category_id, module_state, index_within_role FROM modules
		ORDER BY package_id, module_category_id, index_within_role`,
}

var postgresStatements = statements{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS modules (
			id                 UUID PRIMARY KEY,
			package_id         TEXT NOT NULL,
			module_category_id TEXT NOT NULL,
			module_state       TEXT NOT NULL,
			index_within_role  INTEGER NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ix_modules_identity
			ON modules (package_id, module_category_id, index_within_role) NULLS NOT DISTINCT`,
	},
	lookup: `SELECT id FROM modules
		WHERE package_id = $1 AND module_category_id = $2 AND index_within_role IS NOT DISTINCT FROM $3
		FOR UPDATE`,
	insert: `INSERT INTO modules (id, package_id, module_category_id, module_state, index_within_role)
		VALUES ($1, $2, $3, $4, $5)`,
	update: `UPDATE modules SET module_state = $1 WHERE id = $2`,
	get: `SELECT id, package_id, module_category_id, module_state, index_within_role FROM modules
		WHERE package_id = $1 AND module_category_id = $2 AND index_within_role IS NOT DISTINCT FROM $3`,
	list: `SELECT id, package_id, module_category_id, module_state, index_within_role FROM modules
		ORDER BY package_id, module_category_id, index_within_role NULLS FIRST`,
}

// ModuleStore persists the last known state of every module.
type ModuleStore struct {
	db      *sql.DB
	dialect Dialect
	stmts   statements
	logger  *slog.Logger
	newID   func() uuid.UUID
}

func NewModuleStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *ModuleStore {
	stmts := sqliteStatements
	if dialect == Postgres {
		stmts = postgresStatements
	}
	return &ModuleStore{
		db:      db,
		dialect: dialect,
		stmts:   stmts,
		logger:  logger.With("component", "module-store", "dialect", dialect.String()),
		newID:   uuid.New,
	}
}

func (s *ModuleStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.stmts.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func indexArg(idx *int) any {
	if idx == nil {
		return nil
	}
	return int64(*idx)
}

// Apply upserts the state of every device of env in one transaction and
// returns the rows written. Devices without a category or a readable
// ModuleState are skipped.
func (s *ModuleStore) Apply(ctx context.Context, env *model.StatusEnvelope) ([]model.ModuleRecord, error) {
	if env == nil {
		return nil, ErrNilEnvelope
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	records := make([]model.ModuleRecord, 0, len(env.Devices))
	for i := range env.Devices {
		dev := &env.Devices[i]
		id := dev.Identity(env.PackageID)

		if strings.TrimSpace(dev.ModuleCategoryID) == "" {
			s.logger.Warn("device skipped: missing module category", "package", env.PackageID)
			continue
		}
		state, err := statusdoc.State(dev.StatusDocument)
		if err != nil {
			s.logger.Warn("device skipped: no module state", "identity", id.String(), "err", err)
			continue
		}

		rec, err := s.upsert(ctx, tx, id, state)
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", id, err)
		}
		records = append(records, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return records, nil
}

func (s *ModuleStore) upsert(ctx context.Context, tx *sql.Tx, id model.Identity, state string) (model.ModuleRecord, error) {
	rec := model.ModuleRecord{
		PackageID:        id.PackageID,
		ModuleCategoryID: id.ModuleCategoryID,
		ModuleState:      state,
		IndexWithinRole:  id.IndexWithinRole,
	}

	err := tx.QueryRowContext(ctx, s.stmts.lookup, id.PackageID, id.ModuleCategoryID, indexArg(id.IndexWithinRole)).Scan(&rec.ID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec.ID = s.newID()
		if _, err := tx.ExecContext(ctx, s.stmts.insert,
			rec.ID.String(), id.PackageID, id.ModuleCategoryID, state, indexArg(id.IndexWithinRole)); err != nil {
			return rec, err
		}
		s.logger.Debug("module created", "identity", id.String(), "state", state, "id", rec.ID)
	case err != nil:
		return rec, err
	default:
		if _, err := tx.ExecContext(ctx, s.stmts.update, state, rec.ID.String()); err != nil {
			return rec, err
		}
		s.logger.Debug("module updated", "identity", id.String(), "state", state, "id", rec.ID)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.ModuleRecord, error) {
	var (
		rec model.ModuleRecord
		idx sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.PackageID, &rec.ModuleCategoryID, &rec.ModuleState, &idx); err != nil {
		return rec, err
	}
	if idx.Valid {
		rec.IndexWithinRole = model.IntPtr(int(idx.Int64))
	}
	return rec, nil
}

// Get returns the row for id or ErrNotFound.
func (s *ModuleStore) Get(ctx context.Context, id model.Identity) (model.ModuleRecord, error) {
	row := s.db.QueryRowContext(ctx, s.stmts.get, id.PackageID, id.ModuleCategoryID, indexArg(id.IndexWithinRole))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	return rec, err
}

func (s *ModuleStore) List(ctx context.Context) ([]model.ModuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.stmts.list)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	defer rows.Close()

	var out []model.ModuleRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
