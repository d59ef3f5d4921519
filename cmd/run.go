package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/sells-group/simim/internal/config"
	"github.com/sells-group/simim/internal/db"
	"github.com/sells-group/simim/internal/output"
	"github.com/sells-group/simim/internal/simerr"
	"github.com/sells-group/simim/internal/simulate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario simulation",
	Long: `Fits the configured model on each year's baseline, applies the scenario
in force and writes per-zone population deltas for every year of the run.

Examples:
  # Run with the scenario and years from config.yaml
  simim run

  # Doubly-constrained model with population feedback, written to XLSX
  simim run --scenario scenario2.csv --model doubly --feedback additive --format xlsx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}
		return runSimulation(ctx, cfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.String("scenario", "", "scenario file (overrides scenario.path)")
	f.Int("start-year", 0, "first simulated year (overrides run.start_year)")
	f.Int("end-year", 0, "last simulated year (overrides run.end_year)")
	f.String("model", "", "gravity, production, attraction or doubly (overrides run.model)")
	f.String("feedback", "", "none or additive (overrides run.feedback)")
	f.String("format", "", "csv, xlsx, sqlite or postgres (overrides run.output_format)")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()
	var err error
	if f.Changed("scenario") {
		c.Scenario.Path, err = f.GetString("scenario")
	}
	if err == nil && f.Changed("start-year") {
		c.Run.StartYear, err = f.GetInt("start-year")
	}
	if err == nil && f.Changed("end-year") {
		c.Run.EndYear, err = f.GetInt("end-year")
	}
	if err == nil && f.Changed("model") {
		c.Run.Model, err = f.GetString("model")
	}
	if err == nil && f.Changed("feedback") {
		c.Run.Feedback, err = f.GetString("feedback")
	}
	if err == nil && f.Changed("format") {
		c.Run.OutputFormat, err = f.GetString("format")
	}
	return eris.Wrap(err, "run: flags")
}

func runSimulation(ctx context.Context, c *config.Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Scenario.Path == "" {
		return eris.Wrap(simerr.ErrConfiguration, "run: no scenario file (set scenario.path or --scenario)")
	}
	spec, err := c.Spec()
	if err != nil {
		return err
	}
	feedback, err := simulate.ParseFeedback(c.Run.Feedback)
	if err != nil {
		return err
	}
	format, err := output.ParseFormat(c.Run.OutputFormat)
	if err != nil {
		return err
	}

	in, err := loadInputs(ctx, c, c.Scenario.Path)
	if err != nil {
		return err
	}
	driver, err := simulate.New(ctx, in.simulate(), simulate.Options{
		StartYear: c.Run.StartYear,
		EndYear:   c.Run.EndYear,
		Spec:      spec,
		Fit:       c.FitOptions(),
		Feedback:  feedback,
		Epsilon:   c.Run.Epsilon,
	})
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	log := zap.L().With(zap.String("run_id", runID))
	log.Info("run: starting",
		zap.String("scenario", c.Scenario.Path),
		zap.String("model", spec.Variant.String()),
		zap.Int("start_year", c.Run.StartYear),
		zap.Int("end_year", c.Run.EndYear),
	)

	final, err := driver.Run(ctx)
	if err != nil {
		return eris.Wrap(err, "run: simulate")
	}

	summary := output.Summarize(final.Series, in.scenario.Geographies())
	if err := summary.Write(os.Stdout, language.BritishEnglish); err != nil {
		return eris.Wrap(err, "run: print summary")
	}

	sink, closeSink, err := openSink(ctx, c, format, spec.Variant.String())
	if err != nil {
		return err
	}
	defer closeSink()
	if err := sink.Write(ctx, runID, final.Series); err != nil {
		return eris.Wrap(err, "run: write output")
	}

	log.Info("run: complete",
		zap.Int("rows", final.Series.Len()),
		zap.String("format", string(format)),
	)
	return nil
}

// openSink returns the configured sink and a function releasing it.
func openSink(ctx context.Context, c *config.Config, format output.Format, model string) (output.Sink, func(), error) {
	path := filepath.Join(c.Run.OutputDir, output.FileName(model, c.Run.BaseProjection, c.Scenario.Path, format))
	noop := func() {}

	switch format {
	case output.FormatXLSX:
		return output.XLSXSink{Path: path}, noop, nil
	case output.FormatSQLite:
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = path
		}
		s, err := output.NewSQLite(dsn, c.Store.Table)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case output.FormatPostgres:
		pool, err := db.Open(ctx, c.Store.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		s, err := output.NewPostgres(pool, c.Store.Table)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	default:
		return output.CSVSink{Path: path}, noop, nil
	}
}
