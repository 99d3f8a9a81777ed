package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basekick-labs/schemaless/pkg/models"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLite is a catalog persisted in a SQLite database
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLite opens (or creates) the catalog database at dbPath
func NewSQLite(dbPath string, logger zerolog.Logger) (*SQLite, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	if dbPath == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit connections for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLite{
		db:     db,
		logger: logger.With().Str("component", "sml-catalog").Logger(),
	}

	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return c, nil
}

// initSchema creates the catalog tables if they don't exist
func (c *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stables (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		precision TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stable_columns (
		stable_id INTEGER NOT NULL REFERENCES stables(id) ON DELETE CASCADE,
		is_tag INTEGER NOT NULL,
		position INTEGER NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		PRIMARY KEY (stable_id, is_tag, position)
	);
	`

	_, err := c.db.Exec(schema)
	return err
}

// Close closes the database connection
func (c *SQLite) Close() error {
	return c.db.Close()
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ResolveTableSchema loads the named table's schema
func (c *SQLite) ResolveTableSchema(ctx context.Context, name string) (*models.TableMeta, error) {
	return c.load(ctx, c.db, name)
}

func (c *SQLite) load(ctx context.Context, q queryer, name string) (*models.TableMeta, error) {
	var (
		id        int64
		precision string
	)
	err := q.QueryRowContext(ctx, `SELECT id, precision FROM stables WHERE name = ?`, name).Scan(&id, &precision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTableNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load table %s: %w", name, err)
	}

	prec, err := models.ParsePrecision(precision)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}

	meta := &models.TableMeta{Name: name, UID: uint64(id), Precision: prec}

	rows, err := q.QueryContext(ctx, `
	SELECT is_tag, name, type, bytes FROM stable_columns
	WHERE stable_id = ?
	ORDER BY is_tag, position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns of %s: %w", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			isTag    int
			col      models.Column
			typeName string
		)
		if err := rows.Scan(&isTag, &col.Name, &typeName, &col.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", name, err)
		}
		t, ok := models.ParseDataType(typeName)
		if !ok {
			return nil, fmt.Errorf("table %s column %s: unknown type %q", name, col.Name, typeName)
		}
		col.Type = t
		if isTag == 1 {
			meta.Tags = append(meta.Tags, col)
		} else {
			meta.Columns = append(meta.Columns, col)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns of %s: %w", name, err)
	}

	return meta, nil
}

// Apply creates meta's table or merges it into the stored one in a single
// transaction
func (c *SQLite) Apply(ctx context.Context, meta *models.TableMeta) (*models.TableMeta, error) {
	if err := validate(meta); err != nil {
		return nil, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	existing, err := c.load(ctx, tx, meta.Name)
	switch {
	case errors.Is(err, ErrTableNotFound):
		res, err := tx.ExecContext(ctx,
			`INSERT INTO stables (name, precision, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			meta.Name, meta.Precision.String(), now, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", meta.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read id of %s: %w", meta.Name, err)
		}
		created := meta.Clone()
		created.UID = uint64(id)
		if err := writeColumns(ctx, tx, id, created); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		c.logger.Info().Str("measurement", created.Name).Int("tags", created.NumTags()).Msg("Created table")
		return created, nil

	case err != nil:
		return nil, err
	}

	merged, changed, err := merge(existing, meta)
	if err != nil {
		return nil, err
	}
	if !changed {
		return merged, nil
	}

	if err := c.replaceColumns(ctx, tx, merged, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	c.logger.Info().Str("measurement", merged.Name).Int("tags", merged.NumTags()).Msg("Altered table")
	return merged, nil
}

// Widen raises the byte width of one variable-length column or tag
func (c *SQLite) Widen(ctx context.Context, measurement, column string, bytes int) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	meta, err := c.load(ctx, tx, measurement)
	if err != nil {
		return err
	}
	changed, err := widenColumn(meta, column, bytes)
	if err != nil || !changed {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stable_columns SET bytes = ? WHERE stable_id = ? AND name = ?`,
		bytes, int64(meta.UID), column); err != nil {
		return fmt.Errorf("failed to widen %s.%s: %w", measurement, column, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stables SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), int64(meta.UID)); err != nil {
		return fmt.Errorf("failed to touch %s: %w", measurement, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	c.logger.Debug().Str("measurement", measurement).Str("column", column).Int("bytes", bytes).Msg("Widened column")
	return nil
}

func (c *SQLite) replaceColumns(ctx context.Context, tx *sql.Tx, meta *models.TableMeta, now string) error {
	id := int64(meta.UID)
	if _, err := tx.ExecContext(ctx, `DELETE FROM stable_columns WHERE stable_id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear columns of %s: %w", meta.Name, err)
	}
	if err := writeColumns(ctx, tx, id, meta); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE stables SET updated_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("failed to touch %s: %w", meta.Name, err)
	}
	return nil
}

func writeColumns(ctx context.Context, tx *sql.Tx, id int64, meta *models.TableMeta) error {
	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO stable_columns (stable_id, is_tag, position, name, type, bytes)
	VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare column insert: %w", err)
	}
	defer stmt.Close()

	for isTag, cols := range [][]models.Column{meta.Columns, meta.Tags} {
		for pos, col := range cols {
			if _, err := stmt.ExecContext(ctx, id, isTag, pos, col.Name, col.Type.String(), col.Bytes); err != nil {
				return fmt.Errorf("failed to store column %s.%s: %w", meta.Name, col.Name, err)
			}
		}
	}
	return nil
}

// List returns all tables ordered by name
func (c *SQLite) List(ctx context.Context) ([]*models.TableMeta, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM stables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}

	// Rows must be closed before loading: the pool holds a single connection
	tables := make([]*models.TableMeta, 0, len(names))
	for _, name := range names {
		meta, err := c.load(ctx, c.db, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, meta)
	}
	return tables, nil
}
