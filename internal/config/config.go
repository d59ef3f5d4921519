// Package config loads the run configuration and initialises logging.
package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/simim/internal/geog"
	"github.com/sells-group/simim/internal/gravity"
	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/output"
	"github.com/sells-group/simim/internal/scenario"
	"github.com/sells-group/simim/internal/simerr"
	"github.com/sells-group/simim/internal/simulate"
)

// Config holds the full application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Data     DataConfig     `yaml:"data" mapstructure:"data"`
	Run      RunConfig      `yaml:"run" mapstructure:"run"`
	Fit      FitConfig      `yaml:"fit" mapstructure:"fit"`
	Scenario ScenarioConfig `yaml:"scenario" mapstructure:"scenario"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DataConfig locates the input extracts.
type DataConfig struct {
	OD            string  `yaml:"od" mapstructure:"od"`
	Population    string  `yaml:"population" mapstructure:"population"`
	Households    string  `yaml:"households" mapstructure:"households"`
	Jobs          string  `yaml:"jobs" mapstructure:"jobs"`
	GVA           string  `yaml:"gva" mapstructure:"gva"`
	Distances     string  `yaml:"distances" mapstructure:"distances"`
	Shapefile     string  `yaml:"shapefile" mapstructure:"shapefile"`
	ZoneField     string  `yaml:"zone_field" mapstructure:"zone_field"`
	DistanceScale float64 `yaml:"distance_scale" mapstructure:"distance_scale"`
}

// RunConfig configures the simulation loop and its output.
type RunConfig struct {
	StartYear      int      `yaml:"start_year" mapstructure:"start_year"`
	EndYear        int      `yaml:"end_year" mapstructure:"end_year"`
	Model          string   `yaml:"model" mapstructure:"model"`
	OriginMass     string   `yaml:"origin_mass" mapstructure:"origin_mass"`
	DestMass       string   `yaml:"dest_mass" mapstructure:"dest_mass"`
	BaseProjection string   `yaml:"base_projection" mapstructure:"base_projection"`
	Coverage       string   `yaml:"coverage" mapstructure:"coverage"`
	Exclude        []string `yaml:"exclude" mapstructure:"exclude"`
	Epsilon        float64  `yaml:"epsilon" mapstructure:"epsilon"`
	Feedback       string   `yaml:"feedback" mapstructure:"feedback"`
	OutputDir      string   `yaml:"output_dir" mapstructure:"output_dir"`
	OutputFormat   string   `yaml:"output_format" mapstructure:"output_format"`
}

// FitConfig tunes the flow model estimator.
type FitConfig struct {
	MaxIterations       int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	Tolerance           float64 `yaml:"tolerance" mapstructure:"tolerance"`
	BalancingIterations int     `yaml:"balancing_iterations" mapstructure:"balancing_iterations"`
}

// ScenarioConfig names the scenario file and the model factors it perturbs.
type ScenarioConfig struct {
	Path    string   `yaml:"path" mapstructure:"path"`
	Factors []string `yaml:"factors" mapstructure:"factors"`
}

// StoreConfig configures the database output sinks.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Table       string `yaml:"table" mapstructure:"table"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SIMIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("data.zone_field", "lad19cd")
	v.SetDefault("data.distance_scale", 0.001)
	v.SetDefault("run.start_year", 2016)
	v.SetDefault("run.end_year", 2039)
	v.SetDefault("run.model", "gravity")
	v.SetDefault("run.origin_mass", "PEOPLE")
	v.SetDefault("run.dest_mass", "HOUSEHOLDS")
	v.SetDefault("run.base_projection", "ppp")
	v.SetDefault("run.coverage", "EW")
	v.SetDefault("run.exclude", geog.DefaultExclusions)
	v.SetDefault("run.epsilon", 1.0)
	v.SetDefault("run.feedback", "none")
	v.SetDefault("run.output_dir", ".")
	v.SetDefault("run.output_format", "csv")
	v.SetDefault("fit.max_iterations", 100)
	v.SetDefault("fit.tolerance", 1e-8)
	v.SetDefault("fit.balancing_iterations", 1000)
	v.SetDefault("scenario.factors", []string{"D_HOUSEHOLDS"})
	v.SetDefault("store.table", output.DefaultTable)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a run depends on. Every failure wraps
// simerr.ErrConfiguration.
func (c *Config) Validate() error {
	if _, err := geog.ParseCoverage(c.Run.Coverage); err != nil {
		return err
	}
	spec, err := c.Spec()
	if err != nil {
		return err
	}
	if _, err := simulate.ParseFeedback(c.Run.Feedback); err != nil {
		return err
	}
	bindings, err := scenario.ParseBindings(c.Scenario.Factors)
	if err != nil {
		return err
	}
	if err := c.checkFactorInputs(spec, bindings); err != nil {
		return err
	}
	format, err := output.ParseFormat(c.Run.OutputFormat)
	if err != nil {
		return err
	}
	if format == output.FormatPostgres && c.Store.DatabaseURL == "" {
		return eris.Wrap(simerr.ErrConfiguration, "config: store.database_url is required for postgres output")
	}
	if c.Run.EndYear < c.Run.StartYear {
		return eris.Wrapf(simerr.ErrConfiguration, "config: end year %d before start year %d", c.Run.EndYear, c.Run.StartYear)
	}
	if c.Run.Epsilon <= 0 {
		return eris.Wrapf(simerr.ErrConfiguration, "config: epsilon must be positive, got %v", c.Run.Epsilon)
	}
	if info, err := os.Stat(c.Run.OutputDir); err != nil || !info.IsDir() {
		return eris.Wrapf(simerr.ErrConfiguration, "config: output directory %s not found", c.Run.OutputDir)
	}
	return nil
}

// checkFactorInputs fails when a mass or scenario factor has no data file.
func (c *Config) checkFactorInputs(spec gravity.Spec, bindings []scenario.Binding) error {
	files := map[od.Factor]string{
		od.Jobs: c.Data.Jobs,
		od.GVA:  c.Data.GVA,
	}
	keys := map[od.Factor]string{od.Jobs: "data.jobs", od.GVA: "data.gva"}
	need := []od.Factor{spec.OriginMass, spec.DestMass}
	for _, b := range bindings {
		need = append(need, b.Factor)
	}
	for _, f := range need {
		if path, ok := files[f]; ok && path == "" {
			return eris.Wrapf(simerr.ErrConfiguration, "config: %s is used but %s is not set", f, keys[f])
		}
	}
	return nil
}

// Spec resolves the model variant and mass factors.
func (c *Config) Spec() (gravity.Spec, error) {
	variant, err := gravity.ParseVariant(c.Run.Model)
	if err != nil {
		return gravity.Spec{}, err
	}
	o, err := od.ParseFactor(c.Run.OriginMass)
	if err != nil {
		return gravity.Spec{}, eris.Wrapf(simerr.ErrConfiguration, "config: origin mass %q", c.Run.OriginMass)
	}
	d, err := od.ParseFactor(c.Run.DestMass)
	if err != nil {
		return gravity.Spec{}, eris.Wrapf(simerr.ErrConfiguration, "config: destination mass %q", c.Run.DestMass)
	}
	return gravity.Spec{Variant: variant, OriginMass: o, DestMass: d}, nil
}

// FitOptions returns the estimator settings.
func (c *Config) FitOptions() gravity.FitOptions {
	return gravity.FitOptions{
		MaxIterations:       c.Fit.MaxIterations,
		Tolerance:           c.Fit.Tolerance,
		BalancingIterations: c.Fit.BalancingIterations,
		SelfDistance:        c.Run.Epsilon,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
