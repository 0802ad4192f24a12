package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
)

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications platform service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: approval_required, request_approved, request_rejected,
//              returned_for_clarification, sla_breached
//
// All publish operations are non-fatal. Errors are logged but never propagated
// to the caller, so notification failures never interrupt approval operations.
type NotificationPublisher struct {
	nats *NATSClient
	log  *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string `json:"event_type"`
	Recipient    string `json:"recipient"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	IsActionable bool   `json:"is_actionable,omitempty"`
	Severity     string `json:"severity,omitempty"`
	Category     string `json:"category,omitempty"`
	OccurredAt   string `json:"occurred_at"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// client. A nil client disables publishing entirely.
func NewNotificationPublisher(nats *NATSClient, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// Notify publishes an approval event addressed to one actor.
// Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) Notify(ctx context.Context, actorRef, requestID, eventType string) {
	if p.nats == nil {
		return
	}
	if actorRef == "" {
		return
	}

	event := &NotificationEvent{
		EventType:    eventType,
		Recipient:    actorRef,
		ResourceType: "approval_request",
		ResourceID:   requestID,
		IsActionable: eventType == "approval_required",
		Severity:     "info",
		Category:     "approvals",
		OccurredAt:   time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("request_id", requestID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Str("recipient", actorRef).
		Msg("notification: event published")
}
