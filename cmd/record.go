package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/micstream/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [name]",
	Short: "Record the microphone to a WAV file",
	Long: `Record the microphone into <output.directory>/<name>.wav until --duration
elapses or Ctrl+C is pressed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		duration, _ := cmd.Flags().GetDuration("duration")
		if dir, _ := cmd.Flags().GetString("output"); dir != "" {
			cfg.Output.Directory = dir
		}
		slog.Info("Record command started", "name", name)

		svc, err := service.New(cfg, cfgFile)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		if err := svc.Initialize(); err != nil {
			return err
		}
		if _, err := svc.StartRecording(name); err != nil {
			return err
		}
		if err := svc.Start(); err != nil {
			return err
		}

		ctx, cancel := waitContext(duration)
		defer cancel()

		slog.Info("Recording - Press Ctrl+C to stop")
		<-ctx.Done()
		slog.Info("Stopping recording...")

		// Pause first so the flushed partial buffer reaches the file.
		pauseErr := svc.Pause()
		session, stopRecErr := svc.StopRecording()
		stopErr := svc.Stop()
		if err := errors.Join(pauseErr, stopRecErr, stopErr); err != nil {
			return err
		}

		fmt.Printf("file: %s\n", session.OutputFile)
		fmt.Printf("samples: %d\n", session.Samples)
		if session.DroppedFrames > 0 {
			fmt.Printf("dropped_frames: %d\n", session.DroppedFrames)
		}
		return nil
	},
}

func init() {
	recordCmd.Flags().Duration("duration", 0, "stop after this long (0 = until Ctrl+C)")
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
}
