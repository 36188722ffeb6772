package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/config"
	"github.com/petems/plant-recorder/internal/logging"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

// newBackend opens the capture backend. Tests replace it.
var newBackend = audio.NewPortAudio

// cli carries state shared by every subcommand.
type cli struct {
	v        *viper.Viper
	cfgFile  string
	cfg      *config.Config
	log      zerolog.Logger
	logClose io.Closer
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{v: config.New(), log: zerolog.Nop()}

	root := &cobra.Command{
		Use:          "plant-recorder",
		Short:        "Record ultrasonic audio to WAV files",
		Version:      fmt.Sprintf("%s (%s)", Version, Commit),
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: platform config dir, then ./config.yaml)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-file", "", `log file path ("-" disables file logging)`)
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9109")
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log_file", flags.Lookup("log-file"))
	_ = c.v.BindPFlag("metrics.listen", flags.Lookup("metrics-addr"))

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(c.v, c.cfgFile)
		if err != nil {
			return err
		}
		c.cfg = cfg

		log, closer, err := logging.New(cfg.LogLevel, cfg.LogFile)
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		c.log, c.logClose = log, closer
		return nil
	}
	root.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if c.logClose != nil {
			return c.logClose.Close()
		}
		return nil
	}

	root.AddCommand(
		c.recordCommand(),
		c.devicesCommand(),
		c.inspectCommand(),
		c.configCommand(),
	)
	return root
}
