package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"echoroi/internal/config"
	"echoroi/internal/logging"
	"echoroi/internal/store"
)

// app carries the state shared by every subcommand once the root command
// has loaded the configuration.
type app struct {
	configPath string
	registry   string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	log    *logging.Logger
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "echoroi",
		Short:         "Echogram ROI registry and extraction",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.log != nil {
				return a.log.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to config file (TOML, JSON or YAML)")
	flags.StringVar(&a.registry, "registry", "", "Path to the registry database")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "Log format: text, json")

	rootCmd.AddCommand(
		initCommand(a),
		assignIDsCommand(a),
		reconcileCommand(a),
		statusCommand(a),
		listCommand(a),
		showCommand(a),
		purgeCommand(a),
		verifyCommand(a),
		extractCommand(a),
		renderCommand(a),
		watchCommand(a),
	)

	return rootCmd
}

// initialize loads the configuration (defaults, file, environment, flags),
// validates it and installs the logger.
func (a *app) initialize() error {
	if a.configPath == "" {
		a.configPath = config.FindConfigFile()
	}

	var cfg *config.Config
	if a.configPath == "" {
		cfg = config.DefaultConfig()
		cfg.ApplyEnvOverrides()
	} else {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if a.registry != "" {
		cfg.Registry.Path = a.registry
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	lg, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logging.SetDefault(lg)

	a.cfg = cfg
	a.log = lg
	a.logger = lg.Logger
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	lg, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return lg, nil
}

func (a *app) openStore() (*store.Store, error) {
	st, err := store.Open(a.cfg.Registry.Path, store.WithBusyTimeout(a.cfg.BusyTimeout()))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return st, nil
}

func (a *app) annotationDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return a.cfg.Annotations.Dir
}
