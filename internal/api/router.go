// Package api serves the trader's read-only HTTP API and the snapshot stream.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"vqi-trader/internal/gateway"
	"vqi-trader/internal/metrics"
	"vqi-trader/internal/portfolio"
)

// Deps are the components the API reads from. Nil fields disable their
// routes.
type Deps struct {
	Hub       *gateway.Hub
	Portfolio *portfolio.Portfolio
	PnL       *portfolio.PnLTracker
	Risk      *portfolio.RiskManager
	Health    *metrics.HealthStatus
}

// NewRouter sets up the HTTP routes:
//
//	GET /api/v1/health
//	GET /api/v1/snapshots                      latest snapshot per strategy
//	GET /api/v1/missed?channel=C&from=N&to=M   buffered envelopes for gap backfill
//	GET /api/v1/positions
//	GET /api/v1/pnl
//	GET /api/v1/risk
//	WS  /api/v1/stream?strategies=a,b
func NewRouter(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			d.Health.ServeHTTP(w, r)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	if d.Hub != nil {
		mux.Handle("/api/v1/stream", d.Hub)
		mux.HandleFunc("/api/v1/snapshots", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Hub.Latest())
		})
		mux.HandleFunc("/api/v1/missed", func(w http.ResponseWriter, r *http.Request) {
			channel := r.URL.Query().Get("channel")
			from, to, err := gateway.ParseSeqRange(r)
			if channel == "" || err != nil {
				http.Error(w, `{"error":"channel and integer from/to are required"}`, http.StatusBadRequest)
				return
			}
			writeJSON(w, map[string]any{
				"channel":  channel,
				"seq":      d.Hub.Seq(channel),
				"messages": d.Hub.Missed(channel, from, to),
			})
		})
	}

	if d.Portfolio != nil {
		mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Portfolio.GetPositions())
		})
	}
	if d.PnL != nil && d.Portfolio != nil {
		mux.HandleFunc("/api/v1/pnl", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.PnL.GetSummary(d.Portfolio))
		})
	}
	if d.Risk != nil {
		mux.HandleFunc("/api/v1/risk", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, d.Risk.GetStatus())
		})
	}

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// Server wraps the API router in an http.Server.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates an API server on addr.
func NewServer(addr string, d Deps) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
