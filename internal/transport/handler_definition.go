package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kasoma/signoff/internal/definition"
	"github.com/kasoma/signoff/model"
)

func handleDefinitionCreate(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Name       string                 `json:"name"`
			EntityType string                 `json:"entity_type"`
			Steps      []model.StepDefinition `json:"steps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		def, err := svc.Create(r.Context(), rctx, model.WorkflowDefinition{
			Name:       body.Name,
			EntityType: body.EntityType,
			Steps:      body.Steps,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, def)
	}
}

func handleDefinitionGet(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		def, err := svc.Get(r.Context(), rctx, chi.URLParam(r, "definitionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionList(svc *definition.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		defs, err := svc.List(r.Context(), rctx, r.URL.Query().Get("entity_type"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"definitions": defs})
	}
}
