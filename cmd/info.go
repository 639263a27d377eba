package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the resolved capture format and derived values",
	Long:  `Display the resolved configuration with inheritance indicators, plus the values derived from the capture format. Shows which values come from the built-in defaults, the root section or the selected profile.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format := cfg.Format()
		inh := cfg.Inheritance

		fmt.Printf("=== PROFILE ===\n")
		if cfg.Profile != "" {
			fmt.Printf("profile: %s\n", cfg.Profile)
		} else {
			fmt.Printf("profile: (none)\n")
		}
		if cfgFile != "" {
			fmt.Printf("config_file: %s\n", cfgFile)
		}

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")

		fmt.Printf("\n[Capture]\n")
		fmt.Printf("sample_rate: %d %s\n", cfg.Capture.SampleRate, getInheritanceIndicator(inh.Capture.SampleRate))
		fmt.Printf("channels: %d %s\n", cfg.Capture.Channels, getInheritanceIndicator(inh.Capture.Channels))
		fmt.Printf("bits_per_sample: %d %s\n", cfg.Capture.BitsPerSample, getInheritanceIndicator(inh.Capture.BitsPerSample))
		fmt.Printf("buffer_size: %d %s\n", cfg.Capture.BufferSize, getInheritanceIndicator(inh.Capture.BufferSize))
		fmt.Printf("audio_source: %s %s\n", cfg.Capture.AudioSource, getInheritanceIndicator(inh.Capture.AudioSource))
		fmt.Printf("backend: %s %s\n", cfg.Capture.Backend, getInheritanceIndicator(inh.Capture.Backend))
		fmt.Printf("resubmit_retries: %d %s\n", cfg.Retries(), getInheritanceIndicator(inh.Capture.ResubmitRetries))

		fmt.Printf("\n[Output]\n")
		fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))

		fmt.Printf("\n=== DERIVED ===\n")
		fmt.Printf("bytes_per_frame: %d\n", format.BytesPerFrame())
		fmt.Printf("bytes_per_packet: %d\n", format.BytesPerPacket())
		fmt.Printf("frames_per_buffer: %d\n", format.FramesPerBuffer())
		fmt.Printf("samples_per_buffer: %d\n", format.SamplesPerBuffer())
		fmt.Printf("buffer_duration: %s\n", format.BufferDuration())

		return nil
	},
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case "inherited":
		return "[inherited]"
	case "profile-specific":
		return "[profile-specific]"
	case "default":
		return "[default]"
	default:
		return "[unknown]"
	}
}
