package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antoniostano/parley/internal/voice"
)

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the selectable voices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}
		catalog := voice.DefaultCatalog()
		fmt.Fprintln(cmd.OutOrStdout(), renderVoices(catalog, catalog.Index(cfg.RealtimeVoice)))
		return nil
	},
}
