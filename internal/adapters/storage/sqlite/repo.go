package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanschultz/pkgctl/internal/app"
	"github.com/evanschultz/pkgctl/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// Repository stores projects, installed packages, and the action journal.
type Repository struct {
	db *sql.DB
}

// Open opens the requested operation.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db)
}

// OpenInMemory opens in memory.
func OpenInMemory() (*Repository, error) {
	db, err := sql.Open(driverName, "file::memory:?cache=shared")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return newRepository(db)
}

// newRepository pins the pool to one connection so pragmas and writes share it, then migrates.
func newRepository(db *sql.DB) (*Repository, error) {
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the requested operation.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			style TEXT NOT NULL DEFAULT 'unknown',
			target_frameworks_json TEXT NOT NULL DEFAULT '[]',
			supports_package_reference INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS installed_packages (
			project_id TEXT NOT NULL,
			package_key TEXT NOT NULL,
			package_id TEXT NOT NULL,
			version TEXT NOT NULL,
			auto_referenced INTEGER NOT NULL DEFAULT 0,
			requested_range TEXT NOT NULL DEFAULT '',
			dependencies_json TEXT NOT NULL DEFAULT '[]',
			installed_at TEXT NOT NULL,
			PRIMARY KEY(project_id, package_key),
			FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS action_journal (
			id TEXT PRIMARY KEY,
			operation_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			project_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			package_id TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			previous_version TEXT NOT NULL DEFAULT '',
			dependencies_json TEXT NOT NULL DEFAULT '[]',
			auto_referenced INTEGER NOT NULL DEFAULT 0,
			requested_range TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			actor_id TEXT NOT NULL DEFAULT '',
			actor_type TEXT NOT NULL DEFAULT 'user',
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_journal_project_recorded ON action_journal(project_id, recorded_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_action_journal_operation ON action_journal(operation_id, sequence);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// ListProjects lists projects.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.ProjectContextInfo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, style, target_frameworks_json, supports_package_reference, metadata_json
		FROM projects
		ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ProjectContextInfo, 0)
	for rows.Next() {
		project, scanErr := scanProject(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, project)
	}
	return out, rows.Err()
}

// getProject loads one project row, returning app.ErrNotFound when it is absent.
func getProject(ctx context.Context, q queryRower, id domain.ProjectID) (domain.ProjectContextInfo, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, name, style, target_frameworks_json, supports_package_reference, metadata_json
		FROM projects
		WHERE id = ?
	`, string(id))
	return scanProject(row)
}

// UpsertProject inserts or replaces one project descriptor.
func (r *Repository) UpsertProject(ctx context.Context, p domain.ProjectContextInfo) error {
	return upsertProject(ctx, r.db, p)
}

// upsertProject writes one project row through a DB or Tx.
func upsertProject(ctx context.Context, execer execerContext, p domain.ProjectContextInfo) error {
	frameworksJSON, err := json.Marshal(nonNilStrings(p.TargetFrameworks))
	if err != nil {
		return fmt.Errorf("encode project target frameworks: %w", err)
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode project metadata: %w", err)
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO projects(id, name, style, target_frameworks_json, supports_package_reference, metadata_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			style = excluded.style,
			target_frameworks_json = excluded.target_frameworks_json,
			supports_package_reference = excluded.supports_package_reference,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`, string(p.ID), p.Name, string(p.Style), string(frameworksJSON), boolInt(p.SupportsPackageReference), string(metaJSON), ts(time.Now()))
	return err
}

// DeleteProject removes one project and its installed packages. Missing projects are ignored.
func (r *Repository) DeleteProject(ctx context.Context, id domain.ProjectID) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM installed_packages WHERE project_id = ?`, string(id)); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, string(id)); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// ListInstalledPackages lists installed packages for one project in install order.
func (r *Repository) ListInstalledPackages(ctx context.Context, projectID domain.ProjectID) ([]domain.InstalledPackageReference, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT project_id, package_id, version, auto_referenced, requested_range, dependencies_json, installed_at
		FROM installed_packages
		WHERE project_id = ?
		ORDER BY installed_at ASC, package_key ASC
	`, string(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.InstalledPackageReference, 0)
	for rows.Next() {
		ref, scanErr := scanInstalled(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// ApplyAction mutates installed state and appends the journal record in one transaction.
func (r *Repository) ApplyAction(ctx context.Context, record domain.ActionRecord) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = applyAction(ctx, tx, record); err != nil {
		return err
	}
	if err = insertActionRecord(ctx, tx, record); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// RecordActionFailure appends one failed-action journal record.
func (r *Repository) RecordActionFailure(ctx context.Context, record domain.ActionRecord) error {
	return insertActionRecord(ctx, r.db, record)
}

// ConvertToPackageReference rewrites the project style and installed reference flags in one transaction.
func (r *Repository) ConvertToPackageReference(ctx context.Context, project domain.ProjectContextInfo, refs []domain.InstalledPackageReference) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = upsertProject(ctx, tx, project); err != nil {
		return err
	}
	for _, ref := range refs {
		var res sql.Result
		res, err = tx.ExecContext(ctx, `
			UPDATE installed_packages
			SET auto_referenced = ?
			WHERE project_id = ? AND package_key = ?
		`, boolInt(ref.AutoReferenced), string(project.ID), packageKey(ref.Package.ID))
		if err != nil {
			return err
		}
		if err = translateNoRows(res); err != nil {
			return fmt.Errorf("%w: %s in project %s", app.ErrPackageNotInstalled, ref.Package.ID, project.ID)
		}
	}
	err = tx.Commit()
	return err
}

// ListActionRecords lists journal rows newest first. An empty project id lists every project.
func (r *Repository) ListActionRecords(ctx context.Context, projectID domain.ProjectID, limit int) ([]domain.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, operation_id, sequence, project_id, action_type, package_id, version, previous_version,
			dependencies_json, auto_referenced, requested_range, outcome, error, actor_id, actor_type, recorded_at
		FROM action_journal
	`
	args := make([]any, 0, 2)
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, string(projectID))
	}
	query += ` ORDER BY recorded_at DESC, operation_id DESC, sequence DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ActionRecord, 0)
	for rows.Next() {
		record, scanErr := scanActionRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// queryRower represents a query-only DB contract used by DB and Tx implementations.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// execerContext represents a write-only DB contract used by DB and Tx implementations.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// txContext combines the read and write contracts of a transaction.
type txContext interface {
	queryRower
	execerContext
}

// applyAction mutates installed_packages for one action.
func applyAction(ctx context.Context, tx txContext, record domain.ActionRecord) error {
	action := record.Action
	projectID := string(action.ProjectID)
	key := packageKey(action.Package.ID)

	if _, err := getProject(ctx, tx, action.ProjectID); err != nil {
		if errors.Is(err, app.ErrNotFound) {
			return fmt.Errorf("%w: %q", app.ErrProjectNotFound, projectID)
		}
		return err
	}

	switch action.Type {
	case domain.ActionInstall:
		depsJSON, err := encodeDependencies(action.Dependencies)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO installed_packages(project_id, package_key, package_id, version, auto_referenced, requested_range, dependencies_json, installed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, projectID, key, action.Package.ID, action.Package.Version, boolInt(action.AutoReferenced), action.RequestedRange, depsJSON, ts(record.RecordedAt))
		if err != nil {
			if isUniqueConstraintErr(err) {
				return fmt.Errorf("%w: %s already installed in project %s", app.ErrConflict, action.Package.ID, projectID)
			}
			return err
		}
		return nil
	case domain.ActionUninstall:
		res, err := tx.ExecContext(ctx, `DELETE FROM installed_packages WHERE project_id = ? AND package_key = ?`, projectID, key)
		if err != nil {
			return err
		}
		if err := translateNoRows(res); err != nil {
			return fmt.Errorf("%w: %s in project %s", app.ErrPackageNotInstalled, action.Package.ID, projectID)
		}
		return nil
	case domain.ActionUpdate:
		query := `UPDATE installed_packages SET package_id = ?, version = ?`
		args := []any{action.Package.ID, action.Package.Version}
		if action.Dependencies != nil {
			depsJSON, err := encodeDependencies(action.Dependencies)
			if err != nil {
				return err
			}
			query += `, dependencies_json = ?`
			args = append(args, depsJSON)
		}
		query += ` WHERE project_id = ? AND package_key = ?`
		args = append(args, projectID, key)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if err := translateNoRows(res); err != nil {
			return fmt.Errorf("%w: %s in project %s", app.ErrPackageNotInstalled, action.Package.ID, projectID)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidActionType, action.Type)
	}
}

// insertActionRecord appends one journal row.
func insertActionRecord(ctx context.Context, execer execerContext, record domain.ActionRecord) error {
	depsJSON, err := encodeDependencies(record.Action.Dependencies)
	if err != nil {
		return err
	}
	actorType := record.ActorType
	if actorType == "" {
		actorType = domain.ActorTypeUser
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO action_journal(
			id, operation_id, sequence, project_id, action_type, package_id, version, previous_version,
			dependencies_json, auto_referenced, requested_range, outcome, error, actor_id, actor_type, recorded_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.OperationID,
		record.Sequence,
		string(record.Action.ProjectID),
		string(record.Action.Type),
		record.Action.Package.ID,
		record.Action.Package.Version,
		record.Action.PreviousVersion,
		depsJSON,
		boolInt(record.Action.AutoReferenced),
		record.Action.RequestedRange,
		string(record.Outcome),
		record.Error,
		record.ActorID,
		string(actorType),
		ts(normalizeRecordTS(record.RecordedAt)),
	)
	if err != nil {
		return fmt.Errorf("insert action record: %w", err)
	}
	return nil
}

// normalizeRecordTS defaults zero timestamps to now.
func normalizeRecordTS(in time.Time) time.Time {
	if in.IsZero() {
		return time.Now().UTC()
	}
	return in.UTC()
}

// scanner represents scanner data used by this package.
type scanner interface {
	Scan(dest ...any) error
}

// scanProject handles scan project.
func scanProject(s scanner) (domain.ProjectContextInfo, error) {
	var (
		p              domain.ProjectContextInfo
		id             string
		style          string
		frameworksRaw  string
		supportsRefRaw int
		metadataRaw    string
	)
	if err := s.Scan(&id, &p.Name, &style, &frameworksRaw, &supportsRefRaw, &metadataRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProjectContextInfo{}, app.ErrNotFound
		}
		return domain.ProjectContextInfo{}, err
	}
	p.ID = domain.ProjectID(id)
	p.Style = domain.NormalizeProjectStyle(domain.ProjectStyle(style))
	p.SupportsPackageReference = supportsRefRaw != 0
	if strings.TrimSpace(frameworksRaw) == "" {
		frameworksRaw = "[]"
	}
	if err := json.Unmarshal([]byte(frameworksRaw), &p.TargetFrameworks); err != nil {
		return domain.ProjectContextInfo{}, fmt.Errorf("decode project target_frameworks_json: %w", err)
	}
	if strings.TrimSpace(metadataRaw) == "" {
		metadataRaw = "{}"
	}
	if err := json.Unmarshal([]byte(metadataRaw), &p.Metadata); err != nil {
		return domain.ProjectContextInfo{}, fmt.Errorf("decode project metadata_json: %w", err)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	return p, nil
}

// scanInstalled handles scan installed package.
func scanInstalled(s scanner) (domain.InstalledPackageReference, error) {
	var (
		ref         domain.InstalledPackageReference
		projectID   string
		autoRaw     int
		depsRaw     string
		installedAt string
	)
	if err := s.Scan(&projectID, &ref.Package.ID, &ref.Package.Version, &autoRaw, &ref.RequestedRange, &depsRaw, &installedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InstalledPackageReference{}, app.ErrNotFound
		}
		return domain.InstalledPackageReference{}, err
	}
	deps, err := decodeDependencies(depsRaw)
	if err != nil {
		return domain.InstalledPackageReference{}, fmt.Errorf("decode installed_packages.dependencies_json: %w", err)
	}
	ref.ProjectID = domain.ProjectID(projectID)
	ref.AutoReferenced = autoRaw != 0
	ref.Dependencies = deps
	ref.InstalledAt = parseTS(installedAt)
	return ref, nil
}

// scanActionRecord handles scan action record.
func scanActionRecord(s scanner) (domain.ActionRecord, error) {
	var (
		record      domain.ActionRecord
		projectID   string
		actionType  string
		depsRaw     string
		autoRaw     int
		outcome     string
		actorType   string
		recordedRaw string
	)
	if err := s.Scan(
		&record.ID,
		&record.OperationID,
		&record.Sequence,
		&projectID,
		&actionType,
		&record.Action.Package.ID,
		&record.Action.Package.Version,
		&record.Action.PreviousVersion,
		&depsRaw,
		&autoRaw,
		&record.Action.RequestedRange,
		&outcome,
		&record.Error,
		&record.ActorID,
		&actorType,
		&recordedRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ActionRecord{}, app.ErrNotFound
		}
		return domain.ActionRecord{}, err
	}
	deps, err := decodeDependencies(depsRaw)
	if err != nil {
		return domain.ActionRecord{}, fmt.Errorf("decode action_journal.dependencies_json: %w", err)
	}
	record.Action.ProjectID = domain.ProjectID(projectID)
	record.Action.Type = domain.NormalizeActionType(domain.ActionType(actionType))
	record.Action.Dependencies = deps
	record.Action.AutoReferenced = autoRaw != 0
	record.Outcome = domain.ActionOutcome(outcome)
	record.ActorType = domain.NormalizeActorType(domain.ActorType(actorType))
	record.RecordedAt = parseTS(recordedRaw)
	return record, nil
}

// dependencyRow is the persisted JSON shape of one dependency.
type dependencyRow struct {
	ID    string `json:"id"`
	Range string `json:"range,omitempty"`
}

// encodeDependencies serializes dependencies for storage.
func encodeDependencies(deps []domain.PackageDependency) (string, error) {
	rows := make([]dependencyRow, 0, len(deps))
	for _, dep := range deps {
		rows = append(rows, dependencyRow{ID: dep.ID, Range: dep.Range})
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("encode dependencies: %w", err)
	}
	return string(raw), nil
}

// decodeDependencies parses stored dependencies.
func decodeDependencies(raw string) ([]domain.PackageDependency, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "[]"
	}
	var rows []dependencyRow
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, err
	}
	out := make([]domain.PackageDependency, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.PackageDependency{ID: row.ID, Range: row.Range})
	}
	return out, nil
}

// packageKey canonicalizes package ids for case-insensitive uniqueness.
func packageKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// translateNoRows handles translate no rows.
func translateNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrNotFound
	}
	return nil
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// boolInt maps booleans to sqlite integers.
func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// nonNilStrings returns an empty slice for nil input so JSON encodes [].
func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// isUniqueConstraintErr reports whether the expected condition is satisfied.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
