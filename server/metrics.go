package main

import (
	"context"
	"log"
	"time"
)

// RunMetrics periodically logs a stats snapshot in a fire-and-forget
// background goroutine.
func RunMetrics(ctx context.Context, srv *Server, logger *log.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := srv.Stats()
			logger.Printf("[metrics] connections=%d distinct_ips=%d known_players=%d",
				st.TotalConnections, st.DistinctIPs, st.KnownPlayers)
		}
	}
}
