package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/simim/internal/config"
	"github.com/sells-group/simim/internal/gravity"
	"github.com/sells-group/simim/internal/simulate"
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit the model variants on one year's baseline and print diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		model, _ := cmd.Flags().GetString("model")
		year, _ := cmd.Flags().GetInt("year")
		return fitVariants(ctx, cfg, model, year)
	},
}

func init() {
	fitCmd.Flags().String("model", "", "fit a single variant (default: all four)")
	fitCmd.Flags().Int("year", 0, "baseline year (default: run.start_year)")
	rootCmd.AddCommand(fitCmd)
}

func fitVariants(ctx context.Context, c *config.Config, model string, year int) error {
	spec, err := c.Spec()
	if err != nil {
		return err
	}
	variants := gravity.Variants
	if model != "" {
		v, err := gravity.ParseVariant(model)
		if err != nil {
			return err
		}
		variants = []gravity.Variant{v}
	}
	if year == 0 {
		year = c.Run.StartYear
	}

	in, err := loadInputs(ctx, c, "")
	if err != nil {
		return err
	}
	driver, err := simulate.New(ctx, in.simulate(), simulate.Options{
		StartYear: year,
		EndYear:   year,
		Spec:      spec,
		Fit:       c.FitOptions(),
		Epsilon:   c.Run.Epsilon,
	})
	if err != nil {
		return err
	}
	records, err := driver.Dataset(ctx, year)
	if err != nil {
		return err
	}

	p := message.NewPrinter(language.BritishEnglish)
	p.Fprintf(os.Stdout, "%-12s %10s %10s %8s %8s %8s %6s\n", "model", "pseudo_r2", "srmse", "mu", "alpha", "beta", "iter")
	for _, v := range variants {
		spec.Variant = v
		m, err := gravity.Fit(records, spec, c.FitOptions())
		if err != nil {
			return eris.Wrapf(err, "fit: %s", v)
		}
		coef, diag := m.Coefficients(), m.Diagnostics()
		p.Fprintf(os.Stdout, "%-12s %10.4f %10.4f %8.4f %8.4f %8.4f %6d\n",
			v, diag.PseudoR2, diag.SRMSE, coef.Mu, coef.Alpha, coef.Beta, diag.Iterations)
		zap.L().Debug("fit: variant",
			zap.String("model", v.String()),
			zap.Strings("aliased", m.Aliased()),
			zap.Float64("aic", diag.AIC),
		)
	}
	return nil
}
