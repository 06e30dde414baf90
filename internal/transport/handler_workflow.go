package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tasquencer/internal/workflow"
	"github.com/pitabwire/tasquencer/model"
)

type initializeRequest struct {
	Version string         `json:"version" validate:"omitempty,max=64"`
	Payload map[string]any `json:"payload"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

func handleWorkflowInitialize(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body initializeRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Initialize(r.Context(), chi.URLParam(r, "name"), body.Version, body.Payload)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, limit := pageParams(r)
		q := r.URL.Query()
		page, err := engine.ListWorkflows(r.Context(), model.WorkflowFilters{
			Name:     q.Get("name"),
			State:    q.Get("state"),
			ParentID: q.Get("parent_id"),
			RootOnly: q.Get("root_only") == "true",
			Offset:   offset,
			Limit:    limit,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	}
}

func handleWorkflowGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, err := engine.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleWorkflowTasks(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := engine.TaskStates(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, states)
	}
}

func handleWorkflowConditions(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		marking, err := engine.Conditions(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, marking)
	}
}

func handleWorkflowChildren(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		children, err := engine.Children(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": children})
	}
}

func handleTaskHistory(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := engine.TaskHistory(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "task"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": tasks})
	}
}

// handleWorkflowTerminate serves both cancel and fail.
func handleWorkflowTerminate(engine *workflow.Engine, state string) http.HandlerFunc {
	terminate := engine.CancelWorkflow
	if state == model.WorkflowFailed {
		terminate = engine.FailWorkflow
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var body reasonRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := terminate(r.Context(), chi.URLParam(r, "id"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

// handleTaskAbort serves both task cancel and fail for one generation.
func handleTaskAbort(engine *workflow.Engine, state string) http.HandlerFunc {
	abort := engine.CancelTask
	if state == model.TaskFailed {
		abort = engine.FailTask
	}
	return func(w http.ResponseWriter, r *http.Request) {
		generation, err := strconv.Atoi(chi.URLParam(r, "generation"))
		if err != nil || generation < 0 {
			WriteError(w, model.NewBadRequestError("generation must be a non-negative integer"))
			return
		}
		var body reasonRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		task, err := abort(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "task"), generation, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// pageParams converts 1-based page/page_size query parameters into an
// offset and limit.
func pageParams(r *http.Request) (offset, limit int) {
	page := queryInt(r, "page", 1)
	if page < 1 {
		page = 1
	}
	limit = queryInt(r, "page_size", defaultPageSize)
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return (page - 1) * limit, limit
}

// queryInt extracts an integer query param with a default.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
