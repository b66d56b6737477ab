package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meko-christian/mail-intake/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API and metrics over HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if rt.settings.Server.TokenHash == "" {
			slog.Warn("server.token_hash is not set, the job API is unauthenticated",
				"hint", "Run `mail-intake init` to generate a token.")
		}

		srv := server.New(rt.settings.Server, rt.service, rt.metrics, rt.store.Ping, slog.Default())

		watch, _ := cmd.Flags().GetBool("watch")
		if !watch {
			return srv.Start(ctx)
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		watchErr := make(chan error, 1)
		go func() {
			watchErr <- watchMailboxes(ctx, rt)
			cancel()
		}()

		err = srv.Start(ctx)
		cancel()
		if werr := <-watchErr; err == nil {
			err = werr
		}
		return err
	},
}

func init() {
	serveCmd.Flags().Bool("watch", false, "Also run jobs when mailboxes receive mail")
	serveCmd.Flags().String("port", "", "Port to bind the HTTP server to")
	serveCmd.Flags().String("bind", "", "Address to bind the HTTP server to")

	if err := viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port")); err != nil {
		slog.Error("Failed to bind port flag", "error", err)
	}
	if err := viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind")); err != nil {
		slog.Error("Failed to bind bind flag", "error", err)
	}
}
