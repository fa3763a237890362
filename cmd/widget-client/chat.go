package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/chatwidget/internal/config"
	"github.com/omochice/chatwidget/internal/metrics"
	"github.com/omochice/chatwidget/internal/session"
	"github.com/omochice/chatwidget/internal/transport/gobwas"
)

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	store, closeStore, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		m = metrics.New()
	}

	opts := []session.Option{session.WithLogger(logger), session.WithMetrics(m)}
	if cfg.Realtime.Transport == config.TransportGobwas {
		opts = append(opts, session.WithDialer(gobwas.Dialer{}))
	}
	sess := session.New(cfg.SessionConfig(), store, opts...)
	defer sess.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := newPrinter(cmd.OutOrStdout())
	out.info("Type a message and press enter. /reset starts over, /quit exits.")

	if err := sess.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("bootstrap incomplete")
	}
	out.render(sess.Snapshot())

	eg, ctx := errgroup.WithContext(ctx)

	if m != nil {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sess.Updates():
				out.render(sess.Snapshot())
			}
		}
	})

	lines := readLines(cmd.InOrStdin())
	eg.Go(func() error {
		defer stop()
		for {
			var line string
			var ok bool
			select {
			case <-ctx.Done():
				return nil
			case line, ok = <-lines:
				if !ok {
					return nil
				}
			}

			switch strings.TrimSpace(line) {
			case "/quit", "/exit":
				return nil
			case "/reset":
				if err := sess.Reset(ctx); err != nil {
					logger.Warn().Err(err).Msg("reset incomplete")
				}
				out.reset()
				out.info("Started a new conversation.")
				out.render(sess.Snapshot())
			default:
				if err := sess.Submit(ctx, line); err != nil {
					logger.Debug().Err(err).Msg("submit failed")
				}
			}
		}
	})

	return eg.Wait()
}

// readLines feeds stdin lines into a channel so the input loop can also
// watch for cancellation.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	return mux
}
