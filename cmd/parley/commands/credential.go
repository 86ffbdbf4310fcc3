package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/parley/internal/logging"
	"github.com/antoniostano/parley/internal/rtc"
	"github.com/antoniostano/parley/internal/voice"
)

var credentialVoice string

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Mint an ephemeral credential through the backend",
	Long: `Mint an ephemeral credential through the backend and print its expiry.

Useful to check that the backend is reachable and configured. The secret is
masked and the lease is discarded.

Examples:
  parley credential
  parley credential --voice sage --backend http://localhost:3001`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		providerVoice := cfg.RealtimeVoice
		if credentialVoice != "" {
			v, ok := voice.DefaultCatalog().Lookup(credentialVoice)
			if !ok {
				return fmt.Errorf("unknown voice %q", credentialVoice)
			}
			providerVoice = v.ProviderVoice()
		}

		client := rtc.NewCredentialClient(cfg.ServerBaseURL, cfg.ProviderTimeout, logging.Component(logger, "credentials"))
		started := time.Now()
		lease, err := client.RequestEphemeralCredential(cmd.Context(), providerVoice, cfg.RealtimeModel)
		if err != nil {
			return err
		}
		secret, err := lease.Consume()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", styles.label.Render("secret "), maskSecret(secret))
		fmt.Fprintf(out, "%s %s\n", styles.label.Render("voice  "), providerVoice)
		if !lease.ExpiresAt.IsZero() {
			fmt.Fprintf(out, "%s %s (in %s)\n", styles.label.Render("expires"),
				lease.ExpiresAt.Local().Format(time.RFC3339), time.Until(lease.ExpiresAt).Round(time.Second))
		}
		fmt.Fprintf(out, "%s %s\n", styles.label.Render("latency"), time.Since(started).Round(time.Millisecond))
		return nil
	},
}

func init() {
	credentialCmd.Flags().StringVar(&credentialVoice, "voice", "", "voice id from the catalog (default REALTIME_VOICE)")
}
