package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CZERTAINLY/Ingestor/internal/bom"
	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/log"
	"github.com/CZERTAINLY/Ingestor/internal/model"
	"github.com/CZERTAINLY/Ingestor/internal/service"
	"github.com/CZERTAINLY/Ingestor/internal/walk"
)

const configName = "ingestor.yaml"

type cli struct {
	userConfigPath string // /default/config/path/ingestor on given OS
	configPath     string // actual config file used
	config         model.Config
	closeLog       func() error

	flagConfigFilePath string
	flagVerbose        bool
	flagWorkers        int

	env    *viper.Viper
	stdin  io.Reader
	stdout io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(newCLI(os.Stdin, os.Stdout)).ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("ingestor failed", "err", err)
		os.Exit(1)
	}
}

func newCLI(stdin io.Reader, stdout io.Writer) *cli {
	c := &cli{
		env:    viper.New(),
		stdin:  stdin,
		stdout: stdout,
	}
	if d, err := os.UserConfigDir(); err == nil {
		c.userConfigPath = filepath.Join(d, "ingestor")
	}
	return c
}

func newRootCmd(c *cli) *cobra.Command {

	rootCmd := &cobra.Command{
		Use:               "ingestor",
		Short:             "Ingests data sources through pluggable modules and provides a BOM",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.init,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+c.userConfigPath)
	flags.BoolVar(&c.flagVerbose, "verbose", false, "verbose logging")
	flags.IntVar(&c.flagWorkers, "workers", 0, "number of ingest workers, overrides ingest.workers")

	bindEnv(c.env, flags, "verbose", "workers")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "run ingests the configured sources in manual or timer mode",
			Args:  cobra.NoArgs,
			RunE:  c.doRun,
		},
		&cobra.Command{
			Use:   "scan [path...]",
			Short: "scan ingests the paths, or the configured sources, once and prints the BOM",
			RunE:  c.doScan,
		},
		&cobra.Command{
			Use:   "stream dir",
			Short: "stream ingests the files of dir listed on stdin and prints the BOM",
			Args:  cobra.ExactArgs(1),
			RunE:  c.doStream,
		},
		&cobra.Command{
			Use:   "version",
			Short: "version provide version of an ingestor",
			Args:  cobra.NoArgs,
			Run:   c.doVersion,
		},
	)
	return rootCmd
}

func (c *cli) doVersion(*cobra.Command, []string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		_, _ = fmt.Fprintln(c.stdout, "ingestor: version info not available")
		return
	}
	if c.configPath != "" {
		_, _ = fmt.Fprintf(c.stdout, "config:   %s\n", c.configPath)
	}
	_, _ = fmt.Fprintf(c.stdout, "ingestor: %s\n", info.Main.Version)
	_, _ = fmt.Fprintf(c.stdout, "go:       %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			_, _ = fmt.Fprintf(c.stdout, "commit:   %s\n", s.Value)
		case "vcs.time":
			_, _ = fmt.Fprintf(c.stdout, "date:     %s\n", s.Value)
		case "vcs.modified":
			_, _ = fmt.Fprintf(c.stdout, "dirty:    %s\n", s.Value)
		}
	}
}

func (c *cli) doRun(cmd *cobra.Command, _ []string) error {
	ctx := c.cmdContext(cmd, "run")
	ing, err := NewIngestor(ctx, c.config)
	if err != nil {
		return err
	}
	defer closeIngestor(ctx, ing)

	supervisor, err := service.NewSupervisor(ctx, c.config.Service, ing.Ingester(), service.ConfigSources(c.config.Sources))
	if err != nil {
		return err
	}
	if runs := ing.Runs(); runs != nil {
		supervisor.WithRuns(runs)
	}
	return ing.Run(ctx, supervisor.Do)
}

func (c *cli) doScan(cmd *cobra.Command, args []string) error {
	ctx := c.cmdContext(cmd, "scan")
	sourcesCfg := c.config.Sources
	if len(args) > 0 {
		enabled := true
		sourcesCfg = model.Sources{Filesystem: &model.Filesystem{Enabled: &enabled, Paths: args}}
	}

	ing, err := NewIngestor(ctx, c.config)
	if err != nil {
		return err
	}
	defer closeIngestor(ctx, ing)

	return ing.Run(ctx, func(ctx context.Context) error {
		sources, err := service.ConfigSources(sourcesCfg)(ctx)
		if err != nil {
			return err
		}
		defer func() {
			for _, s := range sources {
				_ = s.Close()
			}
		}()
		dss := make([]ingest.DataSource, len(sources))
		for i, s := range sources {
			dss[i] = s
		}
		doc, err := ing.Ingester().Ingest(ctx, dss...)
		if err != nil {
			return err
		}
		return bom.EncodeJSON(c.stdout, doc)
	})
}

func (c *cli) doStream(cmd *cobra.Command, args []string) error {
	ctx := c.cmdContext(cmd, "stream")
	dir, err := walk.OpenDir(args[0])
	if err != nil {
		return err
	}
	defer func() {
		_ = dir.Close()
	}()

	ing, err := NewIngestor(ctx, c.config)
	if err != nil {
		return err
	}
	defer closeIngestor(ctx, ing)

	return ing.Run(ctx, func(ctx context.Context) error {
		doc, err := ing.Ingester().Stream(ctx, dir, c.stdin)
		if err != nil {
			return err
		}
		return bom.EncodeJSON(c.stdout, doc)
	})
}

func (c *cli) cmdContext(cmd *cobra.Command, name string) context.Context {
	attrs := slog.Group("ingestor",
		slog.String("cmd", name),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func closeIngestor(ctx context.Context, ing *Ingestor) {
	if err := ing.Close(ctx); err != nil {
		slog.ErrorContext(ctx, "closing ingestor", "error", err)
	}
}

func (c *cli) init(cmd *cobra.Command, _ []string) error {
	if err := c.loadConfig(); err != nil {
		return err
	}

	// flags and INGESTOR_* variables take precedence over the config file
	if c.env.IsSet("verbose") {
		verbose := c.env.GetBool("verbose")
		c.config.Service.Verbose = &verbose
	}
	if c.env.IsSet("workers") {
		if workers := c.env.GetInt("workers"); workers > 0 {
			c.config.Ingest.Workers = &workers
		}
	}

	logger, closeLog, err := log.New(log.Options{
		Verbose: model.Or(c.config.Service.Verbose, false),
		Output:  model.Or(c.config.Service.Log, log.OutputStderr),
	})
	if err != nil {
		return err
	}
	c.closeLog = closeLog
	slog.SetDefault(logger)

	slog.Debug("ingestor run", "configPath", c.configPath)
	slog.Debug("ingestor run", "config", c.config)
	return nil
}

func (c *cli) loadConfig() error {
	if envConfig, ok := os.LookupEnv("INGESTORCONFIG"); ok {
		c.configPath = envConfig
	} else if c.flagConfigFilePath != "" {
		c.configPath = c.flagConfigFilePath
	} else {
		for _, d := range []string{c.userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				c.configPath = path
				break
			}
		}
	}

	if c.configPath == "" {
		return c.storeDefaultConfig()
	}

	f, err := os.Open(c.configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.Humanize(err) {
			slog.Error("invalid configuration", "detail", d)
		}
		return fmt.Errorf("parsing config: %w", err)
	}
	c.config = *cfg
	return nil
}

func (c *cli) storeDefaultConfig() error {
	c.config = model.DefaultConfig()
	if c.userConfigPath == "" {
		return nil
	}
	c.configPath = filepath.Join(c.userConfigPath, configName)
	if err := os.MkdirAll(filepath.Dir(c.configPath), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(c.configPath), err)
	}

	f, err := os.Create(c.configPath)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", c.configPath, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(c.config); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

// bindEnv makes the flags readable from v, falling back to INGESTOR_<NAME>.
func bindEnv(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	v.SetEnvPrefix("INGESTOR")
	v.AutomaticEnv()
	for _, name := range names {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
