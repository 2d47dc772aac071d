package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"babiling/server/store"
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "babiling-admission.db") {
			return
		}
	}

	addr := flag.String("addr", ":7070", "presence protocol listen address (raw or WebSocket-upgraded TCP)")
	statusAddr := flag.String("status-addr", ":8080", "operator HTTP status listen address (empty to disable)")
	dbPath := flag.String("ban-db", "babiling-admission.db", "SQLite path for ban records and audit log")
	idleSweepInterval := flag.Duration("idle-sweep-interval", 30*time.Second, "how often to sweep idle, unreferenced players")
	idleThreshold := flag.Duration("idle-threshold", 5*time.Minute, "how long an unreferenced player may sit idle before being swept")
	maxConnections := flag.Int("max-connections", 1000, "maximum total connections (0 disables the limit)")
	perIPLimit := flag.Int("per-ip-limit", 8, "maximum connections per source IP (0 disables the limit)")
	rateLimit := flag.Float64("rate-limit", 100, "maximum inbound commands per second per connection (0 disables limiting)")
	rateLimitBurst := flag.Int("rate-limit-burst", 50, "burst allowance for the per-connection command rate limit")
	metricsInterval := flag.Duration("metrics-interval", 10*time.Second, "stats logging interval")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	admStore, err := store.Open(*dbPath)
	if err != nil {
		logger.Fatalf("[store] %v", err)
	}
	defer admStore.Close()

	registry := NewRegistry()

	cfg := ServerConfig{
		MaxConnections:    *maxConnections,
		PerIPLimit:        *perIPLimit,
		RateLimitPerSec:   *rateLimit,
		RateLimitBurst:    *rateLimitBurst,
		IdleSweepInterval: *idleSweepInterval,
		IdleThreshold:     *idleThreshold,
	}
	srv := NewServer(*addr, registry, admStore, logger, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Println("[server] shutting down...")
		cancel()
	}()

	go RunMetrics(ctx, srv, logger, *metricsInterval)

	if *statusAddr != "" {
		statusHTTP := NewStatusHTTP(srv)
		go func() {
			logger.Printf("[status] listening on %s", *statusAddr)
			if err := statusHTTP.Start(*statusAddr); err != nil && err != http.ErrServerClosed {
				logger.Printf("[status] %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			statusHTTP.Shutdown(shutdownCtx)
		}()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("[server] %v", err)
	}
}
