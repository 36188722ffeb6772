package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/petems/plant-recorder/internal/metrics"
	"github.com/petems/plant-recorder/internal/permissions"
	"github.com/petems/plant-recorder/internal/recorder"
	"github.com/petems/plant-recorder/internal/staging"
	"github.com/petems/plant-recorder/internal/wavfile"
)

func (c *cli) recordCommand() *cobra.Command {
	var (
		duration time.Duration
		monitor  string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record until interrupted or for --duration, then print the file name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.record(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), duration, monitor)
		},
	}

	flags := cmd.Flags()
	flags.DurationVarP(&duration, "duration", "d", 0,
		"stop after this long, e.g. 1h2m3s (0 records until interrupted); one WAV file holds at most 4 GiB, about 93m at 384 kHz mono")
	flags.StringVar(&monitor, "monitor", "", `also stream raw PCM to this file ("-" for stdout)`)
	flags.Int("device", -1, "device index to record from (-1 picks the first matching device)")
	flags.Int("rate", 0, "sample rate in Hz")
	_ = c.v.BindPFlag("audio.device_index", flags.Lookup("device"))
	_ = c.v.BindPFlag("audio.sample_rate", flags.Lookup("rate"))
	return cmd
}

func (c *cli) record(ctx context.Context, stdout, stderr io.Writer, duration time.Duration, monitorPath string) error {
	// macOS delivers silence until the user grants microphone access
	if err := permissions.EnsureMicrophone(); err != nil {
		return err
	}

	format := wavfile.Format{
		SampleRate: uint32(c.cfg.Audio.SampleRate),
		Channels:   uint16(c.cfg.Audio.Channels),
	}
	if limit := format.MaxDuration(); duration > limit {
		c.log.Warn().Dur("duration", duration).Dur("limit", limit).Msg("Duration exceeds the WAV size limit")
		fmt.Fprintf(stderr, "Warning: --duration %s exceeds the %s a single WAV file can hold at %d Hz; "+
			"the recording will not be finalized and stays in %s\n",
			duration, limit.Truncate(time.Second), format.SampleRate, c.cfg.Storage.CacheDir)
	}

	backend, err := newBackend()
	if err != nil {
		return fmt.Errorf("init audio: %w", err)
	}
	defer backend.Close()

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	if addr := c.cfg.Metrics.Listen; addr != "" {
		shutdown := c.serveMetrics(addr, m)
		defer shutdown()
	}

	var monitor io.Writer
	switch monitorPath {
	case "":
	case "-":
		if stdout == os.Stdout {
			// The final file name goes to stderr so stdout stays pure PCM.
			stdout = stderr
		}
		monitor = os.Stdout
	default:
		f, err := os.Create(monitorPath)
		if err != nil {
			return fmt.Errorf("open monitor output: %w", err)
		}
		defer f.Close()
		monitor = f
	}

	cfg := recorder.Config{
		Backend:  backend,
		Settings: c.cfg,
		Stager:   staging.New(c.cfg.Storage.CacheDir, c.cfg.Storage.RecordingsDir),
		Metrics:  m,
		Logger:   c.log,
		Status:   statusLine{w: stderr},
	}
	if monitor != nil {
		cfg.Monitor = monitor
	}
	rec := recorder.New(cfg)

	if _, err := rec.Start(); err != nil {
		return err
	}

	var deadline <-chan time.Time
	if duration > 0 {
		timer := time.NewTimer(duration)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-ctx.Done():
		c.log.Info().Msg("Interrupted")
	case <-deadline:
	case <-rec.CaptureDone():
		c.log.Warn().Msg("Capture ended on its own")
	}

	path, err := rec.Stop()
	if path != "" {
		fmt.Fprintln(stdout, path)
	}
	return err
}

func (c *cli) serveMetrics(addr string, m *metrics.Metrics) func() {
	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	c.log.Info().Str("addr", addr).Msg("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

type statusLine struct {
	w io.Writer
}

func (s statusLine) SetState(sess recorder.Session) {
	switch sess.State {
	case recorder.Capturing:
		fmt.Fprintf(s.w, "Recording from %s at %d Hz (Ctrl+C to stop)\n", sess.Device.Name, sess.SampleRate)
	case recorder.Finalizing:
		fmt.Fprintln(s.w, "Finishing recording...")
	case recorder.Failed:
		fmt.Fprintf(s.w, "Recording failed after %d blocks\n", sess.Blocks)
	}
}
