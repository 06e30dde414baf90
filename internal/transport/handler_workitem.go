package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tasquencer/internal/workitem"
	"github.com/pitabwire/tasquencer/model"
)

type completeRequest struct {
	Payload map[string]any `json:"payload"`
	// Selection names the outgoing conditions for OR and XOR splits.
	// Omitted means derive it from the task routes.
	Selection []string `json:"selection" validate:"omitempty,dive,required"`
}

func handleWorkQueue(d *workitem.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := model.CallerFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		offset, limit := pageParams(r)
		q := r.URL.Query()

		page, err := d.ListWorkQueue(r.Context(), caller.UserID(), workitem.QueueFilters{
			Phase:        q.Get("phase"),
			Scope:        q.Get("scope"),
			WorkflowName: q.Get("workflow"),
			Offset:       offset,
			Limit:        limit,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	}
}

func handleWorkItemGet(d *workitem.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := model.CallerFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}

		detail, err := d.Get(r.Context(), caller.UserID(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

// handleWorkItemAction serves the bodiless claim, release and start calls.
func handleWorkItemAction(action func(ctx context.Context, id, userID string) (model.WorkItem, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := model.CallerFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}

		wi, err := action(r.Context(), chi.URLParam(r, "id"), caller.UserID())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, wi)
	}
}

func handleWorkItemComplete(d *workitem.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := model.CallerFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		var body completeRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		wi, err := d.Complete(r.Context(), chi.URLParam(r, "id"), caller.UserID(), body.Payload, body.Selection)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, wi)
	}
}

// handleWorkItemAbort serves fail and cancel.
func handleWorkItemAbort(abort func(ctx context.Context, id, userID, reason string) (model.WorkItem, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := model.CallerFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		var body reasonRequest
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		wi, err := abort(r.Context(), chi.URLParam(r, "id"), caller.UserID(), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, wi)
	}
}
