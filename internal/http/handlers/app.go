package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/cache"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/credits"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/middleware"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/reconcile"
)

// App is the handler container. All dependencies are injected at construction;
// there is no ambient state.
type App struct {
	Service  *reconcile.Service
	Ingestor *reconcile.WebhookIngestor
	Ledger   *credits.Ledger
	Cache    cache.JobCache
	Logger   zerolog.Logger
}

// NewApp builds the handler container.
func NewApp(service *reconcile.Service, ingestor *reconcile.WebhookIngestor, ledger *credits.Ledger, jobCache cache.JobCache, logger zerolog.Logger) *App {
	if jobCache == nil {
		jobCache = cache.NopJobCache{}
	}
	return &App{Service: service, Ingestor: ingestor, Ledger: ledger, Cache: jobCache, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{"error": errCode, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.OwnerIDFromContext(r.Context())
}
