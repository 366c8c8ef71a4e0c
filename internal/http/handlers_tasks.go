// Package httpx exposes the producer API of the task queue over HTTP.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/target/taskqueue/internal/domain/model"
	"github.com/target/taskqueue/internal/service"
)

// TaskHandlers provides HTTP handlers for task operations.
type TaskHandlers struct {
	Svc *service.TaskService
}

type enqueueResponse struct {
	ID     string           `json:"id"`
	Status model.TaskStatus `json:"status"`
}

type recoverResponse struct {
	Requeued int `json:"requeued"`
}

// Create enqueues a task described by a full CreateTaskRequest body.
func (h *TaskHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateTaskRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	h.enqueue(w, r, &req)
}

// CreateByType enqueues a task whose job type comes from the path and whose params are the body.
func (h *TaskHandlers) CreateByType(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, ErrorParams{Code: http.StatusRequestEntityTooLarge, ErrCode: "body_too_large", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_body", Err: err})
		return
	}

	req := &model.CreateTaskRequest{JobType: r.PathValue("job_type")}
	if len(body) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "invalid_json", Err: errors.New("params must be a JSON object")})
			return
		}
		req.Params = body
	}
	h.enqueue(w, r, req)
}

func (h *TaskHandlers) enqueue(w http.ResponseWriter, r *http.Request, req *model.CreateTaskRequest) {
	task, err := h.Svc.Enqueue(r.Context(), req)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/tasks/"+task.ID)
	WriteJSON(w, http.StatusAccepted, enqueueResponse{ID: task.ID, Status: model.TaskStatusPending})
}

// List returns every known task with its status.
func (h *TaskHandlers) List(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Svc.List(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []model.TaskSummary{}
	}
	WriteJSON(w, http.StatusOK, tasks)
}

// Get returns the status view of one task.
func (h *TaskHandlers) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.Svc.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// Delete removes one task and its result.
func (h *TaskHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAll clears every task and result.
func (h *TaskHandlers) DeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.DeleteAll(r.Context()); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Recover requeues every claimed entry.
func (h *TaskHandlers) Recover(w http.ResponseWriter, r *http.Request) {
	n, err := h.Svc.Recover(r.Context())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, recoverResponse{Requeued: n})
}
