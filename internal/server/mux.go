// Package server provides HTTP server construction for toolgate.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/toolgate/internal/auth"
	"github.com/alexjbarnes/toolgate/internal/instrumentation"
	"github.com/alexjbarnes/toolgate/internal/session"
)

// HealthPath answers liveness probes without authentication.
const HealthPath = "/health"

// WebSocketPath serves sessions over WebSocket.
const WebSocketPath = "/ws"

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Provider *auth.Provider
	Sessions *session.HTTPHandler
	Logger   *slog.Logger
	AppName  string

	// Metrics serves the Prometheus scrape endpoint when set.
	Metrics http.Handler
}

// NewMux builds the HTTP mux with OAuth discovery, authorization, token,
// stream and health endpoints. The stream endpoints authenticate their
// own requests because CORS preflights carry no token. The WebSocket
// endpoint sits behind the bearer middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	serverMeta := cfg.Provider.HandleServerMetadata()
	for _, p := range auth.MetadataPaths(auth.ServerMetadataPath) {
		mux.HandleFunc(p, serverMeta)
	}

	resourceMeta := cfg.Provider.HandleProtectedResourceMetadata()
	for _, p := range auth.MetadataPaths(auth.ResourceMetadataPath) {
		mux.HandleFunc(p, resourceMeta)
	}

	authorize := cfg.Provider.HandleAuthorize()
	mux.HandleFunc(auth.AuthorizePath, authorize)
	mux.HandleFunc("/oauth"+auth.AuthorizePath, authorize)

	token := cfg.Provider.HandleToken()
	mux.HandleFunc(auth.TokenPath, token)
	mux.HandleFunc("/oauth"+auth.TokenPath, token)

	for _, p := range auth.ResourcePaths {
		mux.Handle(p, cfg.Sessions)
	}

	mux.Handle(WebSocketPath, cfg.Provider.Middleware()(http.HandlerFunc(cfg.Sessions.ServeWebSocket)))
	mux.HandleFunc(HealthPath, handleHealth(cfg.AppName))

	if cfg.Metrics != nil {
		mux.Handle(instrumentation.MetricsPath, cfg.Metrics)
	}

	return mux
}

func handleHealth(app string) http.HandlerFunc {
	body, _ := json.Marshal(map[string]string{"app": app, "status": "ok"})

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(body)
	}
}
