package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/audiolibrelab/micstream/internal/capture"
	"github.com/audiolibrelab/micstream/internal/service"

	"github.com/spf13/cobra"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture from the microphone and report input levels",
	Long: `Initialize and start a capture session, logging the peak and RMS level
of every frame at debug level (-v 1). Stops after --duration, or on Ctrl+C,
and prints a summary of the session counters.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")

		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		var loudest atomic.Int64
		svc.Subscribe(func(f capture.Frame) {
			peak, rms := levels(f.Samples)
			if int64(peak) > loudest.Load() {
				loudest.Store(int64(peak))
			}
			slog.Debug("Frame captured",
				"seq", f.Seq,
				"samples", len(f.Samples),
				"peak_dbfs", fmt.Sprintf("%.1f", dbfs(float64(peak))),
				"rms_dbfs", fmt.Sprintf("%.1f", dbfs(rms)))
		})

		if err := svc.Initialize(); err != nil {
			return err
		}
		if err := svc.Start(); err != nil {
			return err
		}

		ctx, cancel := waitContext(duration)
		defer cancel()

		status := svc.GetStatus()
		slog.Info("Capturing - Press Ctrl+C to stop",
			"format", status.Format.String(),
			"buffer_duration", status.BufferDuration)

		<-ctx.Done()

		stopErr := svc.Stop()
		stats := svc.GetStatus().Stats

		fmt.Printf("frames: %d\n", stats.FramesEmitted)
		fmt.Printf("samples: %d\n", stats.SamplesEmitted)
		fmt.Printf("peak: %.1f dBFS\n", dbfs(float64(loudest.Load())))
		fmt.Printf("stream_errors: %d\n", stats.StreamErrors)
		fmt.Printf("resubmit_failures: %d\n", stats.ResubmitFailures)

		return stopErr
	},
}

// waitContext is cancelled on SIGINT/SIGTERM, or after d when d > 0.
func waitContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}

// levels returns the absolute peak and the RMS of samples.
func levels(samples []int16) (peak int, rms float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		sum += float64(s) * float64(s)
	}
	return peak, math.Sqrt(sum / float64(len(samples)))
}

// dbfs converts an int16 amplitude to dB relative to full scale.
func dbfs(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(amplitude/32768)
}

func init() {
	captureCmd.Flags().Duration("duration", 0, "stop after this long (0 = until Ctrl+C)")
}
