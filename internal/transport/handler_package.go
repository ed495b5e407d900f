package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kasoma/signoff/internal/observability"
	"github.com/kasoma/signoff/internal/pipeline"
	"github.com/kasoma/signoff/model"
)

func handlePackageCreate(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		pkg, err := p.CreatePackage(r.Context(), rctx, chi.URLParam(r, "projectId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, pkg)
	}
}

func handlePackageGet(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		pkg, err := p.Get(r.Context(), rctx, chi.URLParam(r, "projectId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, pkg)
	}
}

func handlePackageAdvance(p *pipeline.Pipeline, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		projectID := chi.URLParam(r, "projectId")

		var fromStage string
		if metrics != nil {
			if before, err := p.Get(r.Context(), rctx, projectID); err == nil {
				fromStage = before.Status
			}
		}

		pkg, err := p.Advance(r.Context(), rctx, projectID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordPipelineAdvance(fromStage, pkg.Status)
		}
		WriteJSON(w, http.StatusOK, pkg)
	}
}

func handlePackageSendBack(p *pipeline.Pipeline, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		projectID := chi.URLParam(r, "projectId")

		var body struct {
			Target string `json:"target"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		var fromStage string
		if metrics != nil {
			if before, err := p.Get(r.Context(), rctx, projectID); err == nil {
				fromStage = before.Status
			}
		}

		pkg, err := p.SendBack(r.Context(), rctx, projectID, body.Target, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordPipelineSendBack(fromStage, pkg.SentBackTo)
		}
		WriteJSON(w, http.StatusOK, pkg)
	}
}

func handlePackageActions(p *pipeline.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		actions, err := p.ListActions(r.Context(), rctx, chi.URLParam(r, "projectId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"actions": actions})
	}
}
