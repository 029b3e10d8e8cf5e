// Command server runs the in-process chat backend for local development.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omochice/toy-chat-client/internal/logging"
	"github.com/omochice/toy-chat-client/internal/server"
	"github.com/omochice/toy-chat-client/pkg/protocol"
)

var (
	flagAddr  string
	flagUsers []string
	flagDebug bool
)

var rootCmd = &cobra.Command{
	Use:          "server",
	Short:        "Development chat backend (websocket /chat and REST /api)",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagAddr, "addr", ":3000", "address to listen on")
	flags.StringArrayVar(&flagUsers, "user", []string{"1:alice:alice:alice-token", "42:bob:bob:bob-token"},
		"account as id:name:password:token; repeatable")
	flags.BoolVar(&flagDebug, "debug", false, "log every session")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseUser(s string) (server.User, error) {
	parts := strings.SplitN(s, ":", 4)
	if len(parts) != 4 || parts[0] == "" || parts[3] == "" {
		return server.User{}, fmt.Errorf("invalid user %q, want id:name:password:token", s)
	}
	return server.User{ID: protocol.ID(parts[0]), Name: parts[1], Password: parts[2], Token: parts[3]}, nil
}

func run(cmd *cobra.Command, args []string) error {
	level := zerolog.InfoLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	logger, cleanup := logging.Setup(level, "")
	defer cleanup()

	users := make([]server.User, 0, len(flagUsers))
	for _, s := range flagUsers {
		u, err := parseUser(s)
		if err != nil {
			return err
		}
		users = append(users, u)
	}

	srv := server.New(logger, users...)
	if err := srv.Start(flagAddr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	srv.Stop()
	return nil
}
