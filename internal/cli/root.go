package cli

import (
	"log/slog"
	"os"

	"github.com/me/renderq/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking RENDERQ_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("RENDERQ_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the renderq CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "renderq",
		Short: "renderq — single-flight render job queue",
		Long:  "renderq runs render jobs one at a time, fanning each across CPU cores, and lets you submit, observe and control them.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "renderq server URL (or RENDERQ_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newServeCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newListCmd(),
		newControlCmd("cancel", "Cancel a queued job"),
		newControlCmd("terminate", "Terminate a queued or running job"),
		newControlCmd("suspend", "Ask the running job to yield and re-queue"),
		newBenchCmd(),
	)

	return root
}
