package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/httpapi"
	"github.com/go-go-golems/marionette/pkg/store"
)

func newServeCommand() *cobra.Command {
	var (
		addr string
		dsn  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local session persistence server",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionStore, err := store.NewStore(dsn)
			if err != nil {
				return err
			}

			srv := httpapi.NewServer(addr, sessionStore)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Str("db", dsn).Msg("session server listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8380", "Listen address")
	cmd.Flags().StringVar(&dsn, "db", "marionette.db", "SQLite database path")

	return cmd
}
