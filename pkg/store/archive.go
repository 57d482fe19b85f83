package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strings"

	_ "github.com/lib/pq"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/sweep"
)

// DefaultTable is the archive table used when none is configured.
const DefaultTable = "lgad_curve_points"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresArchive appends the result curve of each run to a table. Only the
// curve is archived; per-sample series stay in the CSV files.
type PostgresArchive struct {
	db        *sql.DB
	tableName string
}

// NewPostgresArchive wraps an open database handle.
func NewPostgresArchive(db *sql.DB, table string) (*PostgresArchive, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("store: invalid table name %q", table)
	}
	return &PostgresArchive{db: db, tableName: table}, nil
}

// OpenPostgres connects to dsn with the lib/pq driver and checks the
// connection.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect archive: %w", err)
	}
	a, err := NewPostgresArchive(db, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// EnsureSchema creates the archive table if it does not exist.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+a.tableName+
		" (run_id TEXT NOT NULL, mode TEXT NOT NULL, started_at TIMESTAMPTZ NOT NULL,"+
		" idx INTEGER NOT NULL, voltage DOUBLE PRECISION NOT NULL, current DOUBLE PRECISION,"+
		" capacitance DOUBLE PRECISION, resistance DOUBLE PRECISION, PRIMARY KEY (run_id, idx))")
	if err != nil {
		return fmt.Errorf("create archive table: %w", err)
	}
	return nil
}

func (a *PostgresArchive) Begin(sweep.RunInfo) error { return nil }

func (a *PostgresArchive) RecordSetpoint(sweep.RunInfo, sweep.SetpointRecord) error { return nil }

// RecordCurve inserts every point in one statement. Rerunning the insert for
// the same run is a no-op.
func (a *PostgresArchive) RecordCurve(info sweep.RunInfo, curve []sweep.ResultPoint) error {
	if len(curve) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(a.tableName)
	b.WriteString(" (run_id, mode, started_at, idx, voltage, current, capacitance, resistance) VALUES ")

	args := make([]any, 0, len(curve)*8)
	for i, p := range curve {
		if i > 0 {
			b.WriteString(",")
		}
		n := len(args)
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8))
		args = append(args,
			info.ID,
			string(info.Mode),
			info.StartedAt,
			i,
			p.Voltage,
			nullFloat(p.Current),
			nullFloat(p.Capacitance),
			nullFloat(p.Resistance),
		)
	}
	b.WriteString(" ON CONFLICT (run_id, idx) DO NOTHING")

	if _, err := a.db.Exec(b.String(), args...); err != nil {
		return fmt.Errorf("archive curve: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (a *PostgresArchive) Close() error { return a.db.Close() }

func nullFloat(v float64) sql.NullFloat64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

var _ sweep.Recorder = (*PostgresArchive)(nil)
