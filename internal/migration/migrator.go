package migration

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/go-sql-driver/mysql" // database/sql driver
	_ "github.com/lib/pq"              // database/sql driver
	_ "modernc.org/sqlite"             // database/sql driver, pure Go
)

// Each dialect carries its own copy of the schema because the three SQL
// flavors disagree on types and autoincrement syntax.

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

// Dialect selects the embedded migration set and the database/sql driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect normalizes a configured driver name to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	case "mysql", "mariadb":
		return DialectMySQL, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", s)
	}
}

func (d Dialect) driver() string {
	// The sqlite name is modernc's registration, not mattn's sqlite3.
	return string(d)
}

func (d Dialect) source() (fs.FS, string) {
	switch d {
	case DialectMySQL:
		return mysqlFS, "migrations/mysql"
	case DialectSQLite:
		return sqliteFS, "migrations/sqlite"
	default:
		return postgresFS, "migrations/postgres"
	}
}

// StepStatus describes one migration file relative to the current version.
type StepStatus struct {
	Version uint
	Name    string
	Applied bool
	Dirty   bool
}

// Summary aggregates the schema's migration state.
type Summary struct {
	CurrentVersion uint
	Dirty          bool
	Total          int
	Applied        int
	Pending        int
}

// Options configure Open.
type Options struct {
	Dialect Dialect
	// URL is the database/sql connection string for the dialect.
	URL string
	// Table overrides the bookkeeping table, default schema_migrations.
	Table string
}

// Migrator applies the embedded per-dialect SQL through golang-migrate.
type Migrator struct {
	dialect Dialect
	db      *sql.DB
	m       *migrate.Migrate
}

// Open connects to the database and prepares the migrate instance.
func Open(opts Options) (*Migrator, error) {
	if opts.URL == "" {
		return nil, errors.New("database URL is required")
	}
	if opts.Table == "" {
		opts.Table = "schema_migrations"
	}

	db, err := sql.Open(opts.Dialect.driver(), opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	drv, err := databaseDriver(db, opts)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrate driver: %w", err)
	}
	fsys, dir := opts.Dialect.source()
	src, err := iofs.New(fsys, dir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, string(opts.Dialect), drv)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return &Migrator{dialect: opts.Dialect, db: db, m: m}, nil
}

func databaseDriver(db *sql.DB, opts Options) (database.Driver, error) {
	switch opts.Dialect {
	case DialectPostgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: opts.Table})
	case DialectMySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: opts.Table})
	case DialectSQLite:
		return sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: opts.Table})
	default:
		return nil, fmt.Errorf("unsupported dialect %q", opts.Dialect)
	}
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// DownAll rolls back every applied migration.
func (m *Migrator) DownAll(ctx context.Context) error {
	if err := m.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration reset failed: %w", err)
	}
	return nil
}

// Goto migrates up or down to the given version.
func (m *Migrator) Goto(ctx context.Context, version uint) error {
	if err := m.m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	return nil
}

// Force overwrites the recorded version without running any SQL. It is the
// recovery path for a schema left dirty by an interrupted migration.
func (m *Migrator) Force(ctx context.Context, version int) error {
	if err := m.m.Force(version); err != nil {
		return fmt.Errorf("force version %d failed: %w", version, err)
	}
	return nil
}

// Version reports the current schema version and the dirty flag. A fresh
// database reports version 0.
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

// Status lists every embedded migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]StepStatus, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.availableMigrations()
	if err != nil {
		return nil, err
	}

	statuses := make([]StepStatus, 0, len(files))
	for _, f := range files {
		statuses = append(statuses, StepStatus{
			Version: f.version,
			Name:    f.name,
			Applied: f.version <= current,
			Dirty:   dirty && f.version == current,
		})
	}
	return statuses, nil
}

// Summary condenses Status into counts.
func (m *Migrator) Summary(ctx context.Context) (*Summary, error) {
	current, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.availableMigrations()
	if err != nil {
		return nil, err
	}

	applied := 0
	for _, f := range files {
		if f.version <= current {
			applied++
		}
	}
	return &Summary{
		CurrentVersion: current,
		Dirty:          dirty,
		Total:          len(files),
		Applied:        applied,
		Pending:        len(files) - applied,
	}, nil
}

// Close releases the migrate instance and the database connection.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	if srcErr != nil || dbErr != nil {
		return fmt.Errorf("close migrator: source=%v database=%v", srcErr, dbErr)
	}
	return nil
}

type migrationFile struct {
	version uint
	name    string
}

// availableMigrations parses the embedded up files, e.g.
// 000001_init_schema.up.sql, into sorted (version, name) pairs.
func (m *Migrator) availableMigrations() ([]migrationFile, error) {
	fsys, dir := m.dialect.source()
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	seen := make(map[uint]bool)
	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		version, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil || seen[uint(version)] {
			continue
		}
		seen[uint(version)] = true
		files = append(files, migrationFile{
			version: uint(version),
			name:    strings.TrimSuffix(parts[1], ".up.sql"),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
