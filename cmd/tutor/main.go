// Command tutor runs the lateral-reading tutoring dialogue: as an HTTP
// service, as a terminal chat, and with a few persistence maintenance tools.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lateraltutor/internal/config"
	"lateraltutor/internal/logging"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	// Loaded in PersistentPreRunE
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tutor",
	Short: "Lateral-reading tutor",
	Long: `tutor guides a student through a three-stage lateral-reading exercise:
onboarding on a sample case, lateral reading of the source, and a final
assessment. Each student turn is sent to the model, whose JSON directive
drives the stage machine, the image shown and the off-topic counter.

Run "tutor serve" for the HTTP service or "tutor chat" for a terminal session.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if _, err := logging.Initialize(cfg.Logging.Options(verbose)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Boot("config loaded from %s (storage=%s)", cfgFile, cfg.Storage.Backend)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "tutor.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides server.listen)")
	chatCmd.Flags().StringVar(&chatSessionID, "session", "", "Session id (default: random)")

	dbCmd.AddCommand(dbCheckCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
