package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opengate-ai/opengate/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/opengate-ai/opengate/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "opengate",
	Short: "OpenGate — multi-channel AI agent gateway",
	Long:  "OpenGate: an AI agent gateway with a WebSocket RPC control plane, channel adapters (Telegram, Discord, WS bridges), per-session run queues, and cron scheduling.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $OPENGATE_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "", "gateway WebSocket URL (default derived from config)")

	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(versionCmd())
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opengate %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("OPENGATE_CONFIG"); v != "" {
		return v
	}
	return "config.json"
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
