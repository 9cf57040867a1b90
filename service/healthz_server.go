package service

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"

	"github.com/testplane/testplane/metrics"
)

// HealthzServer reports liveness plus the number of host sessions currently
// established, so an operator can tell an idle coordinator from a busy one.
type HealthzServer struct {
	ctx    context.Context
	server *http.Server
}

type healthzStatus struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.server = server
	h.ctx = ctx
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	log.Debug("received health check request", "path", r.URL.Path)

	w.Header().Set("Content-Type", "application/json")
	status := healthzStatus{
		Status:         "ok",
		ActiveSessions: metrics.ActiveSessions(),
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error("writing health check response", "err", err)
	}
}
