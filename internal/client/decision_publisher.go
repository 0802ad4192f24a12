package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/service"
)

// DecisionPublisher hands terminal approval outcomes back to the owning
// business modules over JetStream. The publishing side is already exactly-once
// per (request, decision) because only the winning transition invokes the
// hook; the Nats-Msg-Id additionally lets the stream deduplicate redeliveries
// caused by publisher retries.
//
// Subject convention: approvals.decided.<entity_type>
type DecisionPublisher struct {
	nats *NATSClient
	log  *logger.Logger
}

// decisionMessage is the JSON schema consumed by business modules.
type decisionMessage struct {
	RequestID  string `json:"request_id"`
	EntityType string `json:"entity_type"`
	EntityRef  string `json:"entity_ref"`
	Decision   string `json:"decision"`
	DecidedAt  string `json:"decided_at"`
}

// NewDecisionPublisher creates a publisher backed by the given NATS client.
func NewDecisionPublisher(nats *NATSClient, log *logger.Logger) *DecisionPublisher {
	return &DecisionPublisher{nats: nats, log: log}
}

// OnDecision publishes the terminal outcome. Failures are logged and not
// propagated; the audit trail remains the source of truth and consumers can
// reconcile from it.
func (p *DecisionPublisher) OnDecision(ctx context.Context, event service.DecisionEvent) {
	if p.nats == nil {
		return
	}

	msg := &decisionMessage{
		RequestID:  event.RequestID,
		EntityType: event.EntityType,
		EntityRef:  event.EntityRef,
		Decision:   event.Decision,
		DecidedAt:  event.DecidedAt.UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Str("request_id", event.RequestID).Msg("decision: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("approvals.decided.%s", event.EntityType)
	msgID := event.RequestID + ":" + event.Decision
	if err := p.nats.PublishMsgID(ctx, subject, data, msgID); err != nil {
		p.log.Error().Err(err).
			Str("subject", subject).
			Str("request_id", event.RequestID).
			Str("decision", event.Decision).
			Msg("decision: failed to publish NATS event")
		return
	}

	p.log.Info().
		Str("subject", subject).
		Str("request_id", event.RequestID).
		Str("decision", event.Decision).
		Msg("decision: outcome published")
}
