// Package webhook implements the ingress pipeline: it authenticates a forge
// delivery, decodes it into a typed event, locates the target session by
// instance id, and enqueues the event for transmission.
package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/chadreview/relay/pkg/event"
	"github.com/chadreview/relay/pkg/hub"
	"github.com/chadreview/relay/pkg/logger"
	"github.com/chadreview/relay/pkg/metrics"
	"github.com/chadreview/relay/pkg/protocol"
)

const maxPayloadSize = 1 << 20 // 1MB

// GitHub delivery headers.
const (
	headerEvent     = "X-GitHub-Event"
	headerSignature = "X-Hub-Signature-256"
	headerDelivery  = "X-GitHub-Delivery"
)

// Disposition names the outcome of one delivery; drop reasons are also the
// metric labels.
type Disposition string

// Dispositions.
const (
	Delivered             Disposition = "delivered"
	DropUnsupportedEvent  Disposition = "unsupported_event"
	DropUnsupportedAction Disposition = "unsupported_action"
	DropNoInstance        Disposition = "no_instance"
	DropNotSubscribed     Disposition = "not_subscribed"
	DropBackpressure      Disposition = "backpressure"
	RejectBadSignature    Disposition = "bad_signature"
	RejectMalformed       Disposition = "malformed_payload"
)

// Outcome is the HTTP-visible result of processing one delivery.
type Outcome struct {
	Status      int
	Disposition Disposition
}

var allowedEvents = map[string]bool{
	event.TypeIssueComment:             true,
	event.TypePullRequestReviewComment: true,
	event.TypePullRequest:              true,
}

// Handler processes forge webhook deliveries on /webhook/{iid}.
type Handler struct {
	registry *hub.Registry
	metrics  *metrics.Metrics
	secret   string
}

// NewHandler creates a webhook handler. An empty secret disables signature
// verification.
func NewHandler(registry *hub.Registry, secret string, m *metrics.Metrics) *Handler {
	return &Handler{registry: registry, secret: secret, metrics: m}
}

// ServeHTTP reads and bounds the request, then runs the gate pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	instanceID := mux.Vars(r)["iid"]
	if instanceID == "" {
		http.Error(w, "missing instance id", http.StatusBadRequest)
		return
	}

	if r.ContentLength > maxPayloadSize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		logger.Error("error reading webhook body", err, logger.Fields{
			"delivery_id": r.Header.Get(headerDelivery),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h.metrics.WebhooksReceived.Inc()

	outcome := h.Process(instanceID, r.Header.Get(headerEvent), r.Header.Get(headerSignature), body)

	logger.Info("webhook processed", logger.Fields{
		"instance_id": instanceID,
		"event_type":  r.Header.Get(headerEvent),
		"delivery_id": r.Header.Get(headerDelivery),
		"disposition": string(outcome.Disposition),
		"status":      outcome.Status,
	})

	switch outcome.Status {
	case http.StatusUnauthorized:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case http.StatusBadRequest:
		http.Error(w, "bad request", http.StatusBadRequest)
	default:
		w.WriteHeader(outcome.Status)
		_, _ = w.Write([]byte(outcome.Disposition))
	}
}

// Process runs the gate pipeline over one delivery. Gates apply in order:
// signature, event type, payload decode, route, subscription filter, enqueue.
// Nothing past a failed gate executes.
func (h *Handler) Process(instanceID, eventType, signature string, body []byte) Outcome {
	if !VerifySignature(body, signature, h.secret) {
		h.metrics.WebhooksRejected.WithLabelValues(string(RejectBadSignature)).Inc()
		return Outcome{Status: http.StatusUnauthorized, Disposition: RejectBadSignature}
	}

	// The forge must see success on unhandled-but-legitimate event types to
	// avoid retry storms.
	if !allowedEvents[eventType] {
		h.metrics.WebhooksDropped.WithLabelValues(string(DropUnsupportedEvent)).Inc()
		return Outcome{Status: http.StatusOK, Disposition: DropUnsupportedEvent}
	}

	ev, err := event.Parse(eventType, body)
	if err != nil {
		if errors.Is(err, event.ErrMalformedPayload) {
			h.metrics.WebhooksRejected.WithLabelValues(string(RejectMalformed)).Inc()
			return Outcome{Status: http.StatusBadRequest, Disposition: RejectMalformed}
		}
		h.metrics.WebhooksDropped.WithLabelValues(string(DropUnsupportedEvent)).Inc()
		return Outcome{Status: http.StatusOK, Disposition: DropUnsupportedEvent}
	}
	if ev == nil {
		h.metrics.WebhooksDropped.WithLabelValues(string(DropUnsupportedAction)).Inc()
		return Outcome{Status: http.StatusOK, Disposition: DropUnsupportedAction}
	}

	handle, ok := h.registry.Lookup(instanceID)
	if !ok {
		// The instance is simply offline; the forge should not retry.
		h.metrics.WebhooksDropped.WithLabelValues(string(DropNoInstance)).Inc()
		return Outcome{Status: http.StatusAccepted, Disposition: DropNoInstance}
	}

	key := ev.Key()
	if !handle.Subscribed(key) {
		h.metrics.WebhooksDropped.WithLabelValues(string(DropNotSubscribed)).Inc()
		return Outcome{Status: http.StatusAccepted, Disposition: DropNotSubscribed}
	}

	if !handle.TrySend(protocol.Webhook(instanceID, key, ev)) {
		// Queue full: the event is lost by design rather than stalling the
		// ingress path on a slow client.
		h.metrics.WebhooksDropped.WithLabelValues(string(DropBackpressure)).Inc()
		logger.Warn("webhook dropped: outbound queue full", logger.Fields{
			"instance_id": instanceID,
			"pr":          key.String(),
		})
		return Outcome{Status: http.StatusAccepted, Disposition: DropBackpressure}
	}

	h.metrics.WebhooksDelivered.Inc()
	return Outcome{Status: http.StatusAccepted, Disposition: Delivered}
}
