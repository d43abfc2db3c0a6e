package service

import (
	"context"
	"fmt"

	"idverify/internal/verification/models"
	"idverify/pkg/attrs"
	"idverify/pkg/platform/audit"
	"idverify/pkg/requestcontext"
)

const auditSource = "verification-saga"

// logAudit writes the audit line and hands the event to the publisher.
// Publisher errors and panics never reach the saga.
func (o *Orchestrator) logAudit(ctx context.Context, state *models.SagaState, event audit.AuditEvent, success bool, errorMessage string, attributes ...any) {
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		attributes = append(attributes, "request_id", requestID)
	}
	fields := append([]any{
		"event", string(event),
		"log_type", "audit",
		"correlation_id", state.CorrelationID().String(),
		"user_id", state.SubjectID().String(),
		"status", state.Status().String(),
		"success", success,
	}, attributes...)
	if errorMessage != "" {
		fields = append(fields, "error_message", errorMessage)
	}
	o.logger.InfoContext(ctx, string(event), fields...)

	if o.auditPublisher == nil {
		return
	}
	o.emit(ctx, audit.Event{
		Category:     event.Category(),
		Timestamp:    requestcontext.Now(ctx),
		UserID:       state.SubjectID(),
		Subject:      state.CorrelationID().String(),
		Action:       string(event),
		Source:       auditSource,
		Success:      success,
		ErrorMessage: errorMessage,
		Data:         attrs.ToMap(attributes, "request_id"),
		RequestID:    attrs.ExtractString(attributes, "request_id"),
	})
}

func (o *Orchestrator) emit(ctx context.Context, event audit.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.DebugContext(ctx, "audit publisher panicked",
				"action", event.Action,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	if err := o.auditPublisher.Emit(ctx, event); err != nil {
		o.logger.DebugContext(ctx, "audit publisher rejected event",
			"action", event.Action,
			"error", err,
		)
	}
}
