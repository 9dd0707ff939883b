// Command splore-mock serves an in-memory stand-in for the Splore API and
// its tus upload endpoint, for local development against the SDK.
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

	"github.com/dgallion1/splore/internal/fakeserver"
	"github.com/dgallion1/splore/internal/logging"
)

func main() {
	addr := flag.String("addr", ":8089", "listen address")
	key := flag.String("key", envOr("SPLORE_API_KEY", "dev-key"), "accepted X-API-KEY value")
	indexing := flag.String("indexing", "PENDING,INDEXED", "comma separated indexing status script")
	processing := flag.String("processing", "PROCESSING,COMPLETED", "comma separated processing status script")
	level := flag.String("log-level", envOr("SDK_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	log := logging.New("splore-mock", *level, "json")

	srv := fakeserver.New(fakeserver.Options{
		APIKey:           *key,
		IndexingScript:   splitList(*indexing),
		ProcessingScript: splitList(*processing),
		Log:              log,
	})

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(ctx)
	}()

	log.Info("starting splore-mock", "addr", *addr, "upload_url", "http://localhost"+*addr+"/files/")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
