package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/taskqueue/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Tasks *service.TaskService
	// Health is optional; when nil /healthz always reports ok.
	Health Pinger
	Logger *slog.Logger
}

// NewRouter creates the HTTP router with logging and panic recovery applied.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	mux := http.NewServeMux()
	registerTaskRoutes(mux, &TaskHandlers{Svc: services.Tasks})

	health := healthHandler(services.Health, logger)
	mux.Handle("GET /healthz", health)
	mux.Handle("HEAD /healthz", health)

	return Chain(mux, Recover(logger), Logging(logger))
}

func registerTaskRoutes(mux *http.ServeMux, h *TaskHandlers) {
	mux.HandleFunc("POST /api/tasks", h.Create)
	mux.HandleFunc("POST /api/tasks/{job_type}", h.CreateByType)
	mux.HandleFunc("GET /api/tasks", h.List)
	mux.HandleFunc("GET /api/tasks/{id}", h.Get)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.Delete)
	mux.HandleFunc("DELETE /api/tasks", h.DeleteAll)
	mux.HandleFunc("POST /api/admin/recover", h.Recover)
}
