package cmd

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/micstream/internal/config"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var errNoConfigFile = errors.New("no config file: pass --config or create $HOME/.config/micstream.yaml")

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage micstream configuration settings.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configuration profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return errNoConfigFile
		}
		profiles, active, err := config.ListProfiles(cfgFile)
		if err != nil {
			return err
		}
		for _, p := range profiles {
			marker := "  "
			if p == active {
				marker = "* "
			}
			fmt.Printf("%s%s\n", marker, p)
		}
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use [profile]",
	Short: "Set the active configuration profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			return errNoConfigFile
		}
		if err := config.UpdateActiveConfig(cfgFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("active_config: %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configUseCmd)
}
