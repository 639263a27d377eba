package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/micstream/internal/audio"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List available capture devices",
	Long:  `List the capture devices the malgo backend can open. Use a device name as capture.audio_source.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := audio.ListDevices()
		if err != nil {
			return fmt.Errorf("failed to list capture devices: %w", err)
		}

		fmt.Printf("Capture devices (%s, %d found):\n", runtime.GOOS, len(devices))
		for i, d := range devices {
			marker := ""
			if d.Default {
				marker = " [default]"
			}
			fmt.Printf("  %d. %s%s\n", i+1, d.Name, marker)
		}

		fmt.Printf("\nBackends:")
		for _, b := range audio.GetAvailableBackends() {
			fmt.Printf(" %s", b)
		}
		fmt.Println()
		return nil
	},
}
