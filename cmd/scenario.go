package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/scenario"
	"github.com/sells-group/simim/internal/simerr"
)

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Generate and inspect scenario files",
}

var scenarioGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Build a scenario CSV from a YAML plan",
	Long: `Expands a YAML plan of per-year increments for groups of zones into a
scenario table with cumulative columns.

Example plan:
  start_year: 2020
  end_year: 2024
  groups:
    - name: arc
      zones: [E07000178, E06000042, E07000008]
      increments:
        D_HOUSEHOLDS: 4000
        D_JOBS: 25000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		planPath, _ := cmd.Flags().GetString("plan")
		out, _ := cmd.Flags().GetString("out")
		if planPath == "" || out == "" {
			return eris.Wrap(simerr.ErrConfiguration, "scenario: --plan and --out are required")
		}

		plan, err := scenario.LoadPlan(planPath)
		if err != nil {
			return err
		}
		s, err := scenario.Generate(*plan)
		if err != nil {
			return err
		}
		if err := s.WriteCSV(out); err != nil {
			return err
		}
		zap.L().Info("scenario: generated",
			zap.String("out", out),
			zap.Ints("timeline", s.Timeline()),
			zap.Int("zones", len(s.Geographies())),
		)
		return nil
	},
}

var scenarioShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a scenario's timeline, geographies and factors",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("scenario")
		if path == "" {
			path = cfg.Scenario.Path
		}
		if path == "" {
			return eris.Wrap(simerr.ErrConfiguration, "scenario: no scenario file (set scenario.path or --scenario)")
		}
		bindings, err := scenario.ParseBindings(cfg.Scenario.Factors)
		if err != nil {
			return err
		}
		s, err := scenario.Load(cmd.Context(), path, bindings)
		if err != nil {
			return err
		}

		names := make([]string, 0, len(s.Bindings()))
		for _, b := range s.Bindings() {
			names = append(names, b.String())
		}
		w := os.Stdout
		fmt.Fprintf(w, "Scenario:    %s\n", s.Name())
		fmt.Fprintf(w, "Timeline:    %v\n", s.Timeline())
		fmt.Fprintf(w, "Geographies: %s\n", strings.Join(s.Geographies(), ", "))
		fmt.Fprintf(w, "Factors:     %s\n", strings.Join(names, ", "))
		return nil
	},
}

func init() {
	scenarioGenerateCmd.Flags().String("plan", "", "YAML plan file")
	scenarioGenerateCmd.Flags().String("out", "", "output scenario CSV")
	scenarioShowCmd.Flags().String("scenario", "", "scenario file (default: scenario.path)")
	scenarioCmd.AddCommand(scenarioGenerateCmd, scenarioShowCmd)
	rootCmd.AddCommand(scenarioCmd)
}
