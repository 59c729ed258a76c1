// ABOUTME: Stand-alone fake email service for manual and E2E testing of muse
// ABOUTME: Usage: fake-muse [-addr localhost:8000] [-fragment 0] [-delay 30ms] [-cost 0.0025]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/2389/muse/internal/fakeservice"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "HTTP listen address")
	fragment := flag.Int("fragment", 0, "Split streamed writes into chunks of this many bytes (0 = whole lines)")
	delay := flag.Duration("delay", 30*time.Millisecond, "Pause between streamed tokens")
	cost := flag.Float64("cost", 0.0025, "Usage cost reported on batch replies")
	omitDone := flag.Bool("omit-done", false, "End streams without the [DONE] line")
	verbose := flag.Bool("v", false, "Log every request")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	handler := fakeservice.New(fakeservice.Options{
		FragmentSize: *fragment,
		TokenDelay:   *delay,
		Cost:         *cost,
		OmitDone:     *omitDone,
		Logger:       logger,
	})

	if err := run(*addr, handler); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, handler http.Handler) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "fake email service listening on http://%s\n", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
