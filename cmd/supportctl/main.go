// Command supportctl is a terminal client for the support chat API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"supportchat/pkg/chatclient"
	"supportchat/pkg/logger"
)

type globalFlags struct {
	server   string
	token    string
	logLevel string
}

func (g *globalFlags) tokenSource() func() string {
	token := g.token
	return func() string { return token }
}

func (g *globalFlags) apiClient(log *zap.Logger) *chatclient.APIClient {
	return chatclient.NewAPIClient(g.server, g.tokenSource(), chatclient.WithAPILogger(log))
}

// newLogger writes to stderr so it never mixes with the chat on stdout.
func (g *globalFlags) newLogger() (*zap.Logger, error) {
	return logger.NewLogger("development", g.logLevel, logger.WithOutput("stderr"))
}

func main() {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "supportctl",
		Short:         "Terminal client for the support chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.server, "server", envOr("SUPPORTCHAT_SERVER", "http://localhost:8080"), "server base URL")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("SUPPORTCHAT_TOKEN"), "access token")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newTokenCommand(),
		newQueueCommand(flags),
		newUserCommand(flags),
		newSpecialistCommand(flags),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ошибка:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
