// Command fake-backend serves an in-memory support backend for local
// development of the widget client.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/omochice/chatwidget/internal/fakebackend"
)

func main() {
	addr := flag.String("addr", ":3000", "address to listen on (e.g., :3000)")
	channel := flag.String("channel", "RoomChannel", "realtime channel name to accept")
	delay := flag.Duration("reply-delay", 300*time.Millisecond, "delay before each bot reply")
	reply := flag.String("reply", "", "fixed reply text; empty echoes the visitor")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	replier := fakebackend.EchoReplier
	if *reply != "" {
		fixed := *reply
		replier = func(string) []string { return strings.Split(fixed, "|") }
	}

	fb := fakebackend.New(
		fakebackend.WithLogger(logger),
		fakebackend.WithChannel(*channel),
		fakebackend.WithReplyDelay(*delay),
		fakebackend.WithReplier(replier),
	)
	srv := &http.Server{Addr: *addr, Handler: fb.Handler(), ReadHeaderTimeout: 5 * time.Second}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", *addr).Msg("fake backend listening; realtime at /cable")
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		fb.Close()
	}

	logger.Info().Msg("fake backend stopped")
}
