package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/kasoma/signoff/model"
)

// CompletionHook is invoked once when an instance reaches COMPLETED. The
// console unlocks the gated entity here. Hook errors are logged, never
// returned to the approver: the transition has already been persisted.
type CompletionHook interface {
	InstanceCompleted(ctx context.Context, inst model.WorkflowInstance) error
}

// LoggingCompletionHook records completions in the application log. Used
// when no downstream integration is configured.
type LoggingCompletionHook struct {
	logger *zap.Logger
}

// NewLoggingCompletionHook creates a completion hook that only logs.
func NewLoggingCompletionHook(logger *zap.Logger) *LoggingCompletionHook {
	return &LoggingCompletionHook{logger: logger}
}

// InstanceCompleted logs the completed instance.
func (h *LoggingCompletionHook) InstanceCompleted(_ context.Context, inst model.WorkflowInstance) error {
	h.logger.Info("workflow instance completed",
		zap.String("instance_id", inst.ID),
		zap.String("tenant_id", inst.TenantID),
		zap.String("entity_type", inst.EntityType),
		zap.String("entity_id", inst.EntityID),
	)
	return nil
}
