package output

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/simim/internal/simerr"
)

// DefaultTable is the table written by the database sinks.
const DefaultTable = "simim_output"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkTable(name string) error {
	if !identifier.MatchString(name) {
		return eris.Wrapf(simerr.ErrConfiguration, "output: invalid table name %q", name)
	}
	return nil
}

// SQLiteSink writes a series into a SQLite table keyed by run id.
type SQLiteSink struct {
	db    *sql.DB
	table string
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn, table string) (*SQLiteSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteSink{db: db, table: table}, nil
}

func (s *SQLiteSink) migration() string {
	return `
CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	run_id              TEXT NOT NULL,
	geography_code      TEXT NOT NULL,
	projected_year_name INTEGER NOT NULL,
	people_baseline     REAL NOT NULL,
	people              REAL NOT NULL,
	households          REAL NOT NULL,
	out_delta           REAL NOT NULL,
	in_delta            REAL NOT NULL,
	net_delta           REAL NOT NULL,
	PRIMARY KEY (run_id, geography_code, projected_year_name)
);`
}

// Migrate creates the output table if needed.
func (s *SQLiteSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.migration())
	return eris.Wrap(err, "sqlite: migrate")
}

// Write implements Sink. All rows are inserted in one transaction.
func (s *SQLiteSink) Write(ctx context.Context, runID string, series Series) error {
	if err := s.Migrate(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+s.table+` (run_id, geography_code, projected_year_name,
		people_baseline, people, households, out_delta, in_delta, net_delta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range series.Rows() {
		if _, err := stmt.ExecContext(ctx, runID, r.Zone, r.Year,
			r.PeopleBaseline, r.People, r.Households, r.OutDelta, r.InDelta, r.NetDelta); err != nil {
			return eris.Wrapf(err, "sqlite: insert %s %d", r.Zone, r.Year)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// Load reads back the rows of a run ordered by year and zone.
func (s *SQLiteSink) Load(ctx context.Context, runID string) (Series, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT geography_code, projected_year_name, people_baseline, people,
		households, out_delta, in_delta, net_delta FROM `+s.table+`
		WHERE run_id = ? ORDER BY projected_year_name, geography_code`, runID)
	if err != nil {
		return Series{}, eris.Wrap(err, "sqlite: query run")
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Zone, &r.Year, &r.PeopleBaseline, &r.People,
			&r.Households, &r.OutDelta, &r.InDelta, &r.NetDelta); err != nil {
			return Series{}, eris.Wrap(err, "sqlite: scan row")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return Series{}, eris.Wrap(err, "sqlite: iterate rows")
	}
	return Series{}.Append(out...), nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
