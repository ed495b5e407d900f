package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kasoma/signoff/internal/engine"
	"github.com/kasoma/signoff/internal/observability"
	"github.com/kasoma/signoff/model"
)

func handleInstanceCreate(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			DefinitionID string            `json:"definition_id"`
			EntityID     string            `json:"entity_id"`
			Context      map[string]string `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.DefinitionID == "" || body.EntityID == "" {
			WriteError(w, model.NewBadRequestError("definition_id and entity_id are required"))
			return
		}

		logger := observability.LoggerFrom(r.Context(), zap.NewNop())
		if ce := logger.Check(zap.DebugLevel, "creating workflow instance"); ce != nil {
			// Callers put arbitrary key/values in the entity context;
			// redact credentials before they reach the log.
			ctxAny := make(map[string]any, len(body.Context))
			for k, v := range body.Context {
				ctxAny[k] = v
			}
			ce.Write(
				zap.String("definition_id", body.DefinitionID),
				zap.String("entity_id", body.EntityID),
				zap.Any("entity_context", observability.RedactBody(ctxAny, nil)),
			)
		}

		inst, err := eng.CreateInstance(r.Context(), rctx, body.DefinitionID, body.EntityID, body.Context)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceStart(eng *engine.Engine, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		inst, err := eng.Start(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordWorkflowStart(inst.DefinitionID)
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceApply(eng *engine.Engine, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Action       string `json:"action"`
			Comment      string `json:"comment"`
			TargetStepID string `json:"target_step_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.Action == "" {
			WriteError(w, model.NewBadRequestError("action is required"))
			return
		}

		inst, err := eng.Apply(r.Context(), rctx, engine.ApplyRequest{
			InstanceID:   instanceID,
			Action:       body.Action,
			Comment:      body.Comment,
			TargetStepID: body.TargetStepID,
		})
		if err != nil {
			recordConflict(r.Context(), eng, metrics, rctx, instanceID, err)
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordWorkflowTransition(inst.DefinitionID, body.Action)
			if inst.IsTerminal() {
				metrics.RecordWorkflowCompletion(inst.DefinitionID, inst.Status)
			}
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceResubmit(eng *engine.Engine, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Comment string `json:"comment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		inst, err := eng.Resubmit(r.Context(), rctx, instanceID, body.Comment)
		if err != nil {
			recordConflict(r.Context(), eng, metrics, rctx, instanceID, err)
			WriteError(w, err)
			return
		}
		if metrics != nil {
			metrics.RecordWorkflowTransition(inst.DefinitionID, model.ActionResubmit)
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceContext(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Context map[string]string `json:"context"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if len(body.Context) == 0 {
			WriteError(w, model.NewBadRequestError("context is required"))
			return
		}

		inst, err := eng.RefreshContext(r.Context(), rctx, chi.URLParam(r, "instanceId"), body.Context)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		inst, err := eng.Get(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		q := r.URL.Query()
		filters := model.InstanceFilters{
			DefinitionID: q.Get("definition_id"),
			EntityType:   q.Get("entity_type"),
			EntityID:     q.Get("entity_id"),
			Status:       q.Get("status"),
		}
		filters.Page, _ = strconv.Atoi(q.Get("page"))
		filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

		instances, err := eng.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"instances": instances})
	}
}

func handleInstanceActions(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		actions, err := eng.ListActions(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"actions": actions})
	}
}

func handleInstanceAvailableActions(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		actions, err := eng.AvailableActions(r.Context(), rctx, chi.URLParam(r, "instanceId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"available_actions": actions})
	}
}

func handleEntityWorkflowGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		inst, err := eng.GetByEntity(r.Context(), rctx, chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleEntityWorkflowDelete(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		if err := eng.DeleteByEntity(r.Context(), rctx, chi.URLParam(r, "entityType"), chi.URLParam(r, "entityId")); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// recordConflict counts optimistic-lock losers. Other rejected attempts are
// not metered: they surface in the HTTP status metrics already.
func recordConflict(ctx context.Context, eng *engine.Engine, metrics *observability.Metrics, rctx *model.RequestContext, instanceID string, err error) {
	if metrics == nil {
		return
	}
	var kind string
	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) {
		return
	}
	switch envelope.Code {
	case model.ErrConcurrentModification:
		kind = "concurrent_modification"
	case model.ErrStepAlreadyActed:
		kind = "step_already_acted"
	default:
		return
	}
	definition := "unknown"
	if inst, gerr := eng.Get(ctx, rctx, instanceID); gerr == nil {
		definition = inst.DefinitionID
	}
	metrics.RecordWorkflowConflict(definition, kind)
}
