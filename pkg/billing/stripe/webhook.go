package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
)

// IngestStatus is how an accepted event was handled.
type IngestStatus string

const (
	IngestProcessed IngestStatus = "processed"
	IngestDuplicate IngestStatus = "duplicate"
	IngestIgnored   IngestStatus = "ignored"
)

// inFlightTimeout is how long an unprocessed event without a recorded error
// is assumed to still be running before a redelivery may take it over.
const inFlightTimeout = 5 * time.Minute

// IngestResult describes an accepted event.
type IngestResult struct {
	EventID   string       `json:"event_id"`
	EventType string       `json:"event_type"`
	Status    IngestStatus `json:"status"`
}

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	result, err := p.Ingest(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var eventErr *billing.EventError
		switch {
		case errors.Is(err, billing.ErrInvalidWebhookSignature):
			_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid signature"})
		case errors.Is(err, billing.ErrInvalidWebhookPayload) && !errors.As(err, &eventErr):
			_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		case errors.As(err, &eventErr):
			_ = internal.WriteJSON(w, http.StatusInternalServerError, map[string]string{
				"error":    "webhook processing failed",
				"event_id": eventErr.EventID,
			})
		default:
			_ = internal.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "webhook processing failed"})
		}
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"received": true,
		"status":   result.Status,
	})
}

// Ingest verifies, records and dispatches one webhook delivery.
//
// The event row is stored before any handler runs, so a crash mid-dispatch
// leaves a trace. Redeliveries of processed events are acknowledged without
// dispatch; redeliveries of failed events are dispatched again.
func (p *Provider) Ingest(ctx context.Context, body []byte, signature string) (*IngestResult, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(body, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			p.metrics.RecordWebhookError(providerName, "auth_failed")
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return nil, fmt.Errorf("%w: event id, type or data missing", billing.ErrInvalidWebhookPayload)
	}

	stored, created, err := p.storage.InsertEvent(ctx, &billing.WebhookEvent{
		ID:         event.ID,
		Provider:   providerName,
		EventType:  string(event.Type),
		Payload:    json.RawMessage(body),
		ReceivedAt: p.now().UTC(),
	})
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "storage_error")
		return nil, &billing.EventError{EventID: event.ID, EventType: string(event.Type), Err: fmt.Errorf("failed to store event: %w", err)}
	}

	if !created && !p.shouldRedispatch(stored) {
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "duplicate")
		p.logger.Debug("duplicate webhook event acknowledged", billing.F("event_id", event.ID), billing.F("event_type", event.Type))
		return &IngestResult{EventID: event.ID, EventType: string(event.Type), Status: IngestDuplicate}, nil
	}

	return p.process(ctx, &event)
}

func (p *Provider) shouldRedispatch(stored *billing.WebhookEvent) bool {
	if stored.Processed {
		return false
	}
	if stored.Failed() {
		return true
	}
	return p.now().Sub(stored.ReceivedAt) > inFlightTimeout
}

// process dispatches a stored event and records the outcome.
func (p *Provider) process(ctx context.Context, event *stripe.Event) (*IngestResult, error) {
	start := time.Now()
	eventType := string(event.Type)
	result := &IngestResult{EventID: event.ID, EventType: eventType, Status: IngestProcessed}

	handled, err := p.dispatch(ctx, event)
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
		p.logger.Error("webhook event failed",
			billing.F("event_id", event.ID),
			billing.F("event_type", eventType),
			billing.F("error", err),
		)
		if markErr := p.storage.MarkEventFailed(ctx, event.ID, err.Error(), p.now().UTC()); markErr != nil {
			p.logger.Error("failed to record webhook failure", billing.F("event_id", event.ID), billing.F("error", markErr))
		}
		return nil, &billing.EventError{EventID: event.ID, EventType: eventType, Err: err}
	}

	if !handled {
		result.Status = IngestIgnored
	}
	if markErr := p.storage.MarkEventProcessed(ctx, event.ID, p.now().UTC()); markErr != nil {
		// Handlers are idempotent; a redelivery after the in-flight window re-runs them.
		p.logger.Error("failed to mark webhook processed", billing.F("event_id", event.ID), billing.F("error", markErr))
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, string(result.Status))
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	return result, nil
}

// Replay re-dispatches a stored event that has not been processed.
func (p *Provider) Replay(ctx context.Context, eventID string) (*IngestResult, error) {
	stored, err := p.storage.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if stored.Processed {
		return &IngestResult{EventID: stored.ID, EventType: stored.EventType, Status: IngestDuplicate}, nil
	}

	var event stripe.Event
	if err := json.Unmarshal(stored.Payload, &event); err != nil {
		return nil, fmt.Errorf("%w: stored event %s: %v", billing.ErrInvalidWebhookPayload, eventID, err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: stored event %s has no data", billing.ErrInvalidWebhookPayload, eventID)
	}

	p.logger.Info("replaying webhook event", billing.F("event_id", eventID), billing.F("attempts", stored.Attempts))
	return p.process(ctx, &event)
}

// ReplayFailed replays up to limit failed events, oldest first. Every event
// is attempted; the returned error joins the individual failures.
func (p *Provider) ReplayFailed(ctx context.Context, limit int) ([]*IngestResult, error) {
	failed, err := p.storage.ListFailedEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}

	var results []*IngestResult
	var errs []error
	for _, evt := range failed {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := p.Replay(ctx, evt.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
