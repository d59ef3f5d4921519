package output

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/db"
)

var postgresColumns = []string{
	"run_id",
	"geography_code",
	"projected_year_name",
	"people_baseline",
	"people",
	"households",
	"out_delta",
	"in_delta",
	"net_delta",
}

// PostgresSink copies a series into a Postgres table keyed by run id.
type PostgresSink struct {
	pool  db.Pool
	table string
}

// NewPostgres returns a sink writing to table through pool.
func NewPostgres(pool db.Pool, table string) (*PostgresSink, error) {
	if table == "" {
		table = DefaultTable
	}
	if err := checkTable(table); err != nil {
		return nil, err
	}
	return &PostgresSink{pool: pool, table: table}, nil
}

// Migrate creates the output table if needed.
func (p *PostgresSink) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
	run_id              UUID NOT NULL,
	geography_code      TEXT NOT NULL,
	projected_year_name INTEGER NOT NULL,
	people_baseline     DOUBLE PRECISION NOT NULL,
	people              DOUBLE PRECISION NOT NULL,
	households          DOUBLE PRECISION NOT NULL,
	out_delta           DOUBLE PRECISION NOT NULL,
	in_delta            DOUBLE PRECISION NOT NULL,
	net_delta           DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, geography_code, projected_year_name)
)`)
	return eris.Wrap(err, "postgres: migrate")
}

// Write implements Sink.
func (p *PostgresSink) Write(ctx context.Context, runID string, s Series) error {
	if err := p.Migrate(ctx); err != nil {
		return err
	}
	rows := make([][]any, 0, s.Len())
	for _, r := range s.Rows() {
		rows = append(rows, []any{runID, r.Zone, r.Year,
			r.PeopleBaseline, r.People, r.Households, r.OutDelta, r.InDelta, r.NetDelta})
	}
	n, err := db.CopyFrom(ctx, p.pool, p.table, postgresColumns, rows)
	if err != nil {
		return eris.Wrap(err, "postgres: write output")
	}
	if int(n) != len(rows) {
		return eris.Errorf("postgres: copied %d of %d rows", n, len(rows))
	}
	return nil
}
