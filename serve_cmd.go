package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dgnsrekt/walkie/internal/hub"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Run a relay",
	Long:    paragraph(fmt.Sprintf("\n%s a relay that fans every message out to everyone in the same room. Late joiners receive the room's last message.", keyword("Run"))),
	Example: paragraph("walkie serve\nwalkie serve --listen :9000"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg.Hub.Listen, hub.New(cfg.Hub.ToHubConfig()))
	},
}

// serve runs the relay on addr until ctx is done.
func serve(ctx context.Context, addr string, h *hub.Hub) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go watchConfig(ctx)

	errc := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		_ = h.Close()
		return fmt.Errorf("relay stopped: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down relay")
	// Hijacked connections are not tracked by the server, so the hub closes
	// them first.
	if err := h.Close(); err != nil {
		log.Warn("failed to close hub", "error", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	stats := h.Stats()
	log.Info("relay stopped",
		"accepted", stats.Accepted.Load(),
		"messages", stats.Messages.Load(),
		"limited", stats.Limited.Load(),
		"slow", stats.Slow.Load(),
	)
	return nil
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "address to listen on")
	_ = viper.BindPFlag("hub.listen", serveCmd.Flags().Lookup("listen"))
}
