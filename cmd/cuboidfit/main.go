package main

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cuboidfit/internal/models"
	"cuboidfit/pkg/config"
	"cuboidfit/pkg/optimizer"
	"cuboidfit/pkg/stl"
)

const (
	// Flags.
	flagConfig    = "config"
	flagDebug     = "debug"
	flagScene     = "scene"
	flagOutput    = "output"
	flagSTL       = "stl"
	flagEnergyLog = "energy-log"
	flagPath      = "path"
)

func main() {
	app := &cli.App{
		Name:            "cuboidfit",
		Usage:           "fit labeled oriented boxes to a labeled point sample",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "fit cuboids to a scene",
				ArgsUsage: " ",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:     flagScene,
						Aliases:  []string{"s"},
						Required: true,
						Usage:    "read the JSON scene from `FILE`",
					},
					&cli.PathFlag{
						Name:    flagOutput,
						Aliases: []string{"o"},
						Usage:   "write the JSON result to `FILE` instead of stdout",
					},
					&cli.PathFlag{
						Name:  flagSTL,
						Usage: "also write the fitted boxes as a binary STL mesh to `FILE`",
					},
					&cli.PathFlag{
						Name:  flagEnergyLog,
						Usage: "write the energy log to `FILE`, overriding the configuration",
					},
				},
				Action: runAction,
			},
			{
				Name:  "init-config",
				Usage: "write the default configuration",
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:  flagPath,
						Value: "config.yaml",
						Usage: "write the configuration to `FILE`",
					},
				},
				Action: func(c *cli.Context) error {
					return config.CreateDefaultConfigFile(c.Path(flagPath))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("cuboidfit: %v", err)
	}
}

func newLogger(cfg *config.Config, debug bool) (*zap.SugaredLogger, error) {
	level := zap.WarnLevel
	if cfg.Output.Verbose {
		level = zap.InfoLevel
	}
	if debug {
		level = zap.DebugLevel
	}
	zcfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "building logger")
	}
	return logger.Sugar(), nil
}

func runAction(c *cli.Context) (err error) {
	cfg, err := config.LoadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	logger, err := newLogger(cfg, c.Bool(flagDebug))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	sceneFile, err := os.Open(c.Path(flagScene))
	if err != nil {
		return errors.Wrap(err, "opening scene")
	}
	scene, err := models.LoadScene(sceneFile)
	sceneFile.Close()
	if err != nil {
		return err
	}

	structure, err := scene.Structure()
	if err != nil {
		return err
	}
	if structure.NumCuboids() == 0 {
		if err := structure.InitializeLabelCuboids(cfg.RegistrationConfig()); err != nil {
			return errors.Wrap(err, "fitting initial cuboids")
		}
	}
	p, err := scene.Predictor()
	if err != nil {
		return err
	}

	energyLog := io.Discard
	logPath := cfg.Output.EnergyLog
	if c.IsSet(flagEnergyLog) {
		logPath = c.Path(flagEnergyLog)
	}
	if logPath != "" {
		f, createErr := os.Create(logPath)
		if createErr != nil {
			return errors.Wrap(createErr, "creating energy log")
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		energyLog = f
	}

	session, err := optimizer.NewSession(structure, p, cfg.OptimizerParams(),
		optimizer.WithLogger(logger),
		optimizer.WithEnergyLog(energyLog),
		optimizer.WithMinimizer(cfg.Minimizer()))
	if err != nil {
		return err
	}

	start := time.Now()
	run, err := session.Run()
	if err != nil {
		return err
	}
	logger.Infow("run completed", "run", session.RunID().String(), "elapsed", time.Since(start))

	if path := c.Path(flagSTL); path != "" {
		if err := stl.SaveToSTL(path, stl.Mesh(structure.AllCuboids())); err != nil {
			return err
		}
	}

	result := models.NewResult(session, run)
	if path := c.Path(flagOutput); path != "" {
		f, createErr := os.Create(path)
		if createErr != nil {
			return errors.Wrap(createErr, "creating output")
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		return result.Write(f)
	}
	return result.Write(c.App.Writer)
}
