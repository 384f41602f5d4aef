package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/ts-parkwatch/internal/middleware"
)

// Deps collects every handler the server router mounts.
type Deps struct {
	Tasks     *TaskHandler
	Images    *ImageHandler
	Changes   *ChangeHandler
	Configs   *ConfigHandler
	Rules     *RuleHandler
	StatusWS  *StatusWsHandler
	RateLimit *middleware.RateLimitMiddleware

	// ShotsDir serves stored screenshots at /shots/.
	ShotsDir string
	// MetricsHandler serves the prometheus registry at /metrics.
	MetricsHandler http.Handler
}

// NewRouter assembles the API surface.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)
	r.Use(chimiddleware.Recoverer)
	if d.RateLimit != nil {
		r.Use(d.RateLimit.GlobalLimiter)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if d.MetricsHandler != nil {
		r.Handle("/metrics", d.MetricsHandler)
	}

	// Tasks
	r.Post("/api/v1/tasks/plan", d.Tasks.Plan)
	r.Post("/api/v1/tasks/run", d.Tasks.Run)
	r.Post("/api/v1/tasks/rerun", d.Tasks.RerunMatching)
	r.Post("/api/v1/tasks/{id}/rerun", d.Tasks.RerunOne)
	r.Get("/api/v1/tasks", d.Tasks.List)
	r.Get("/api/v1/tasks/dates", d.Tasks.Dates)
	r.Get("/api/v1/tasks/ips", d.Tasks.IPs)
	r.Get("/api/v1/tasks/channels", d.Tasks.Channels)
	r.Get("/api/v1/tasks/{id}", d.Tasks.Get)
	r.Delete("/api/v1/tasks/{id}", d.Tasks.Delete)
	r.Delete("/api/v1/tasks", d.Tasks.DeleteMatching)
	r.Get("/api/v1/task-configs", d.Tasks.ListConfigs)
	if d.StatusWS != nil {
		r.Get("/api/v1/tasks/ws", d.StatusWS.ServeWS)
	}

	// Images
	r.Get("/api/v1/images", d.Images.List)

	// Changes
	r.Get("/api/v1/changes", d.Changes.List)
	r.Get("/api/v1/changes/by-space", d.Changes.BySpace)
	r.Get("/api/v1/snapshots/{id}/changes", d.Changes.BySnapshot)

	// NVR configuration
	r.Post("/api/v1/nvr-configs", d.Configs.Create)
	r.Get("/api/v1/nvr-configs", d.Configs.List)
	r.Get("/api/v1/nvr-configs/{id}", d.Configs.Get)
	r.Put("/api/v1/nvr-configs/{id}", d.Configs.Update)
	r.Delete("/api/v1/nvr-configs/{id}", d.Configs.Delete)

	// Auto rules
	r.Post("/api/v1/auto-rules", d.Rules.Create)
	r.Get("/api/v1/auto-rules", d.Rules.List)
	r.Put("/api/v1/auto-rules/{id}", d.Rules.Update)
	r.Post("/api/v1/auto-rules/{id}/enable", d.Rules.SetEnabled(true))
	r.Post("/api/v1/auto-rules/{id}/disable", d.Rules.SetEnabled(false))
	r.Delete("/api/v1/auto-rules/{id}", d.Rules.Delete)

	// Stored screenshots
	if d.ShotsDir != "" {
		fileServer := http.StripPrefix("/shots/", http.FileServer(http.Dir(d.ShotsDir)))
		r.Get("/shots/*", func(w http.ResponseWriter, r *http.Request) {
			fileServer.ServeHTTP(w, r)
		})
	}

	return r
}
