// Package sqlstore keeps samples in a relational table through database/sql.
// Timestamps are stored as Unix microseconds so ordering is identical on
// every dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"go-bms-telemetry/internal/db"
	"go-bms-telemetry/model"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const columns = "id, ts_us, voltage, soc, temperature, charging_current, discharging_current, is_charging, battery_health, cycle_count"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect captures what differs between the supported drivers.
type Dialect struct {
	Driver string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

var (
	SQLite = Dialect{
		Driver:      "sqlite",
		Placeholder: func(int) string { return "?" },
	}
	Postgres = Dialect{
		Driver:      "postgres",
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// DialectFor maps a store backend name to its dialect.
func DialectFor(backend string) (Dialect, error) {
	switch backend {
	case "sqlite":
		return SQLite, nil
	case "postgres":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("sqlstore: unsupported backend %q", backend)
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	logger  *zerolog.Logger

	insertSQL string
	latestSQL string
	allSQL    string
}

// New opens the database, checks connectivity and creates the table.
func New(ctx context.Context, logger *zerolog.Logger, dialect Dialect, dsn, table string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: %s dsn is empty", dialect.Driver)
	}
	conn, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}

	store, err := NewWithDB(logger, conn, dialect, table)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := store.EnsureTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info().Str("driver", dialect.Driver).Str("table", table).Msg("sql table ready")
	return store, nil
}

// NewWithDB wraps an already opened database.
func NewWithDB(logger *zerolog.Logger, conn *sql.DB, dialect Dialect, table string) (*Store, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("sqlstore: invalid table name %q", table)
	}

	placeholders := make([]string, 10)
	for i := range placeholders {
		placeholders[i] = dialect.Placeholder(i + 1)
	}

	return &Store{
		db:      conn,
		dialect: dialect,
		table:   table,
		logger:  logger,

		insertSQL: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, columns, strings.Join(placeholders, ", ")),
		latestSQL: fmt.Sprintf("SELECT %s FROM %s ORDER BY ts_us DESC LIMIT %s", columns, table, dialect.Placeholder(1)),
		allSQL:    fmt.Sprintf("SELECT %s FROM %s ORDER BY ts_us ASC", columns, table),
	}, nil
}

func (s *Store) EnsureTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	ts_us BIGINT NOT NULL,
	voltage DOUBLE PRECISION NOT NULL,
	soc DOUBLE PRECISION NOT NULL,
	temperature DOUBLE PRECISION,
	charging_current DOUBLE PRECISION,
	discharging_current DOUBLE PRECISION,
	is_charging BOOLEAN NOT NULL,
	battery_health DOUBLE PRECISION,
	cycle_count INTEGER
)`, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_ts_us_idx ON %s (ts_us)", s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: create table: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, sample *model.Sample) error {
	var cycles sql.NullInt64
	if sample.CycleCount != nil {
		cycles = sql.NullInt64{Int64: int64(*sample.CycleCount), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.insertSQL,
		sample.ID,
		sample.Timestamp.UnixMicro(),
		sample.Voltage,
		sample.SOC,
		nullFloat(sample.Temperature),
		nullFloat(sample.ChargingCurrent),
		nullFloat(sample.DischargingCurrent),
		sample.IsCharging,
		nullFloat(sample.BatteryHealth),
		cycles,
	)
	if err != nil {
		return fmt.Errorf("sqlstore: insert: %w", err)
	}
	return nil
}

func (s *Store) FindLatest(ctx context.Context, n int) ([]*model.Sample, error) {
	return s.query(ctx, s.latestSQL, n)
}

func (s *Store) FindAll(ctx context.Context) ([]*model.Sample, error) {
	return s.query(ctx, s.allSQL)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*model.Sample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query: %w", err)
	}
	defer rows.Close()

	samples := make([]*model.Sample, 0)
	for rows.Next() {
		var (
			sample                     model.Sample
			tsMicro                    int64
			temp, charging, discharged sql.NullFloat64
			health                     sql.NullFloat64
			cycles                     sql.NullInt64
		)
		if err := rows.Scan(
			&sample.ID,
			&tsMicro,
			&sample.Voltage,
			&sample.SOC,
			&temp,
			&charging,
			&discharged,
			&sample.IsCharging,
			&health,
			&cycles,
		); err != nil {
			return nil, fmt.Errorf("sqlstore: scan: %w", err)
		}
		sample.Timestamp = time.UnixMicro(tsMicro).UTC()
		sample.Temperature = floatPtr(temp)
		sample.ChargingCurrent = floatPtr(charging)
		sample.DischargingCurrent = floatPtr(discharged)
		sample.BatteryHealth = floatPtr(health)
		if cycles.Valid {
			c := int(cycles.Int64)
			sample.CycleCount = &c
		}
		samples = append(samples, &sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: rows: %w", err)
	}
	return samples, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

var _ db.SampleStore = (*Store)(nil)
