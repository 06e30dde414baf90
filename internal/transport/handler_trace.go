package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tasquencer/internal/audit"
	"github.com/pitabwire/tasquencer/model"
)

func handleTraceList(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traces, err := rec.ListRecentTraces(r.Context(), queryInt(r, "limit", 0))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": traces})
	}
}

func handleTraceGet(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := rec.GetTrace(r.Context(), chi.URLParam(r, "traceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleTraceSpans(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spans, err := rec.GetTraceSpans(r.Context(), chi.URLParam(r, "traceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": spans})
	}
}

func handleSpanGet(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		span, err := rec.GetSpan(r.Context(), chi.URLParam(r, "spanId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, span)
	}
}

func handleSpanChildren(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spans, err := rec.GetChildSpans(r.Context(), chi.URLParam(r, "spanId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": spans})
	}
}

// handleSpanSearch finds spans either by resource or by start time range.
func handleSpanSearch(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var (
			spans []model.Span
			err   error
		)
		switch {
		case q.Get("resource_type") != "" || q.Get("resource_id") != "":
			spans, err = rec.GetSpansByResource(r.Context(), q.Get("resource_type"), q.Get("resource_id"))
		case q.Get("from") != "" || q.Get("to") != "":
			from, ferr := parseTime(q.Get("from"), "from")
			if ferr != nil {
				WriteError(w, ferr)
				return
			}
			to, terr := parseTime(q.Get("to"), "to")
			if terr != nil {
				WriteError(w, terr)
				return
			}
			spans, err = rec.GetSpansByTimeRange(r.Context(), from, to)
		default:
			WriteError(w, model.NewBadRequestError("either resource_type and resource_id or from and to are required"))
			return
		}
		if err != nil {
			WriteError(w, err)
			return
		}
		if spans == nil {
			spans = []model.Span{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": spans})
	}
}

func handleWorkflowStateAt(rec *audit.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at := rec.Clock().Now()
		if raw := r.URL.Query().Get("at"); raw != "" {
			t, err := parseTime(raw, "at")
			if err != nil {
				WriteError(w, err)
				return
			}
			at = t
		}

		snap, err := rec.GetWorkflowStateAtTime(r.Context(),
			chi.URLParam(r, "traceId"), chi.URLParam(r, "workflowId"), at)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}

func parseTime(raw, param string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, model.NewBadRequestError(param + " is required")
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, model.NewBadRequestError(param + " must be an RFC 3339 timestamp")
	}
	return t, nil
}
