package transport

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tasquencer/internal/authz"
	"github.com/pitabwire/tasquencer/model"
)

func handleMyScopes(az *authz.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := model.CallerFrom(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}

		scopes, err := az.GetUserScopes(r.Context(), caller.UserID())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"user_id": caller.UserID(),
			"scopes":  scopes.Sorted(),
		})
	}
}

func handleScopeUsers(az *authz.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, err := url.PathUnescape(chi.URLParam(r, "scope"))
		if err != nil || scope == "" {
			WriteError(w, model.NewBadRequestError("invalid scope"))
			return
		}

		users, err := az.GetUsersWithScope(r.Context(), scope)
		if err != nil {
			WriteError(w, err)
			return
		}
		if users == nil {
			users = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"scope":    scope,
			"user_ids": users,
		})
	}
}
