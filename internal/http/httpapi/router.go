package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/http/handlers"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/middleware"
)

// NewRouter assembles the API surface. The webhook route sits outside the
// identity middleware: the provider authenticates with a body signature, not
// a session. staticDir, when set, exposes the filesystem blob store under
// /static for development deployments.
func NewRouter(app *handlers.App, logger zerolog.Logger, staticDir string) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer, middleware.Logger(logger))

	r.Get("/v1/healthz", app.Health)

	if staticDir != "" {
		fileServer := stdhttp.StripPrefix("/static/", stdhttp.FileServer(stdhttp.Dir(staticDir)))
		r.Get("/static/*", fileServer.ServeHTTP)
	}

	r.Post("/v1/webhooks/inference", app.ProviderWebhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity)

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.JobCreate)
			r.Get("/", app.JobList)
			r.Get("/{job_id}", app.JobStatus)
			r.Get("/{job_id}/artifacts", app.JobArtifacts)
			r.Post("/{job_id}/sync", app.JobSync)
		})

		r.Route("/v1/credits", func(r chi.Router) {
			r.Get("/balance", app.CreditsBalance)
			r.Get("/history", app.CreditsHistory)
		})
	})

	return r
}
