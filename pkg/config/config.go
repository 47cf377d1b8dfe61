// Package config provides configuration loading and management for cuboidfit.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"math"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"cuboidfit/pkg/cuboid"
	"cuboidfit/pkg/mrf"
	"cuboidfit/pkg/optimizer"
	"cuboidfit/pkg/potential"
	"cuboidfit/pkg/registration"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// NumSurfacePoints is the approximate number of surface samples per cuboid
		NumSurfacePoints int `yaml:"numSurfacePoints"`

		// ObservedPointRadius is the visibility radius as a fraction of the object diameter
		ObservedPointRadius float64 `yaml:"observedPointRadius"`

		// EnergyTolerance is the relative tolerance of the energy cross-checks
		EnergyTolerance float64 `yaml:"energyTolerance"`
	} `yaml:"processing"`

	// Recognition parameters
	Recognition struct {
		// AxisConfigurations is the number of axis configurations tried per cuboid
		AxisConfigurations int `yaml:"axisConfigurations"`

		// MRFIterations caps the discrete minimizer
		MRFIterations int `yaml:"mrfIterations"`

		// Solver selects the discrete minimizer: "trws" or "exhaustive"
		Solver string `yaml:"solver"`
	} `yaml:"recognition"`

	// Segmentation parameters
	Segmentation struct {
		// NeighborDistance is the smoothness radius as a fraction of the object diameter
		NeighborDistance float64 `yaml:"neighborDistance"`

		// NumNeighbors bounds the smoothness neighbours of each point
		NumNeighbors int `yaml:"numNeighbors"`

		// NullCuboidProbability is the prior of a point belonging to no cuboid
		NullCuboidProbability float64 `yaml:"nullCuboidProbability"`

		// NullPotential is the cost of leaving a point unassigned
		NullPotential float64 `yaml:"nullPotential"`
	} `yaml:"segmentation"`

	// Attribute optimization parameters
	Optimization struct {
		// QuadprogRatio weighs the unary energy against the pair energy
		QuadprogRatio float64 `yaml:"quadprogRatio"`

		// MaxIterations caps the attribute loop
		MaxIterations int `yaml:"maxIterations"`

		// DivergenceRatio stops the loop once the energy grows past this multiple of the best
		DivergenceRatio float64 `yaml:"divergenceRatio"`

		// ConvergenceTolerance is the relative improvement treated as convergence
		ConvergenceTolerance float64 `yaml:"convergenceTolerance"`

		// PlaceMissingCuboids refines default cuboids against the existing ones
		PlaceMissingCuboids bool `yaml:"placeMissingCuboids"`

		// DefaultCuboidScale is the default cuboid side as a fraction of the object diameter
		DefaultCuboidScale float64 `yaml:"defaultCuboidScale"`
	} `yaml:"optimization"`

	// Registration parameters used when fitting initial cuboids
	Registration struct {
		// MaxIterations caps the ICP iterations
		MaxIterations int `yaml:"maxIterations"`

		// MinAngleDegrees is the rotation below which ICP has converged
		MinAngleDegrees float64 `yaml:"minAngleDegrees"`

		// MinTranslation is the translation below which ICP has converged
		MinTranslation float64 `yaml:"minTranslation"`
	} `yaml:"registration"`

	// Output parameters
	Output struct {
		// EnergyLog is the path of the plain-text energy log; empty disables it
		EnergyLog string `yaml:"energyLog"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}
	params := optimizer.DefaultParams()
	reg := registration.DefaultConfig()

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.NumSurfacePoints = params.NumSurfacePoints
	cfg.Processing.ObservedPointRadius = params.ObservedPointRadius
	cfg.Processing.EnergyTolerance = params.EnergyTolerance

	// Set default recognition parameters
	cfg.Recognition.AxisConfigurations = params.AxisConfigurations
	cfg.Recognition.MRFIterations = params.MRFIterations
	cfg.Recognition.Solver = "trws"

	// Set default segmentation parameters
	cfg.Segmentation.NeighborDistance = params.NeighborDistance
	cfg.Segmentation.NumNeighbors = params.NumNeighbors
	cfg.Segmentation.NullCuboidProbability = params.NullCuboidProbability
	cfg.Segmentation.NullPotential = params.NullPotential

	// Set default optimization parameters
	cfg.Optimization.QuadprogRatio = params.QuadprogRatio
	cfg.Optimization.MaxIterations = params.MaxIterations
	cfg.Optimization.DivergenceRatio = params.DivergenceRatio
	cfg.Optimization.ConvergenceTolerance = params.ConvergenceTolerance
	cfg.Optimization.PlaceMissingCuboids = params.PlaceMissingCuboids
	cfg.Optimization.DefaultCuboidScale = params.DefaultCuboidScale

	// Set default registration parameters
	cfg.Registration.MaxIterations = reg.MaxIterations
	cfg.Registration.MinAngleDegrees = reg.MinAngle * 180 / math.Pi
	cfg.Registration.MinTranslation = reg.MinTranslation

	// Set default output parameters
	cfg.Output.EnergyLog = ""
	cfg.Output.Verbose = false

	return cfg
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.Processing.NumCores < 1 {
		err = multierr.Append(err, errors.Errorf("processing.numCores must be positive, got %d", c.Processing.NumCores))
	}
	switch c.Recognition.Solver {
	case "trws", "exhaustive":
	default:
		err = multierr.Append(err, errors.Errorf("recognition.solver must be trws or exhaustive, got %q", c.Recognition.Solver))
	}
	if c.Registration.MinAngleDegrees < 0 || c.Registration.MinTranslation < 0 {
		err = multierr.Append(err, errors.New("registration thresholds must not be negative"))
	}
	return multierr.Append(err, c.OptimizerParams().Validate())
}

// RegistrationConfig returns the ICP settings.
func (c *Config) RegistrationConfig() registration.Config {
	return registration.Config{
		MaxIterations:  c.Registration.MaxIterations,
		MinAngle:       c.Registration.MinAngleDegrees * math.Pi / 180,
		MinTranslation: c.Registration.MinTranslation,
	}
}

// OptimizerParams converts the configuration into session parameters.
func (c *Config) OptimizerParams() optimizer.Params {
	nullPotential := c.Segmentation.NullPotential
	if nullPotential == 0 {
		nullPotential = potential.DefaultNullPotential
	}
	axes := c.Recognition.AxisConfigurations
	if axes == 0 {
		axes = cuboid.NumAxisConfigurations
	}
	return optimizer.Params{
		QuadprogRatio:         c.Optimization.QuadprogRatio,
		MaxIterations:         c.Optimization.MaxIterations,
		DivergenceRatio:       c.Optimization.DivergenceRatio,
		ConvergenceTolerance:  c.Optimization.ConvergenceTolerance,
		NumSurfacePoints:      c.Processing.NumSurfacePoints,
		ObservedPointRadius:   c.Processing.ObservedPointRadius,
		NeighborDistance:      c.Segmentation.NeighborDistance,
		NumNeighbors:          c.Segmentation.NumNeighbors,
		NullCuboidProbability: c.Segmentation.NullCuboidProbability,
		NullPotential:         nullPotential,
		MRFIterations:         c.Recognition.MRFIterations,
		AxisConfigurations:    axes,
		EnergyTolerance:       c.Processing.EnergyTolerance,
		NumWorkers:            c.Processing.NumCores,
		PlaceMissingCuboids:   c.Optimization.PlaceMissingCuboids,
		DefaultCuboidScale:    c.Optimization.DefaultCuboidScale,
		Registration:          c.RegistrationConfig(),
	}
}

// Minimizer returns the configured discrete minimizer.
func (c *Config) Minimizer() mrf.Minimizer {
	if c.Recognition.Solver == "exhaustive" {
		return mrf.NewExhaustive()
	}
	return mrf.NewTRWS()
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
