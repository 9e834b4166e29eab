package workflow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// Notifier posts record lifecycle events to the configured audit-log and
// event-bus endpoints. Delivery is best-effort and fire-and-forget: it
// never blocks a transition's outcome and a nil Notifier is safe to call.
type Notifier struct {
	auditLog *endpoint
	eventBus *endpoint
	client   *http.Client
}

type endpoint struct {
	baseURL string
	timeout time.Duration
}

func NewNotifier(auditURL, auditTimeout, eventURL, eventTimeout string) *Notifier {
	return &Notifier{
		auditLog: parseEndpoint(auditURL, auditTimeout),
		eventBus: parseEndpoint(eventURL, eventTimeout),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// RecordEvent publishes a record transition: record.started,
// record.step_submitted, record.step_approved, record.completed,
// record.restarted.
func (n *Notifier) RecordEvent(rec Record, event, stepID string) {
	if n == nil {
		return
	}
	payload := map[string]any{
		"event":           event,
		"record_id":       rec.ID,
		"entity_id":       rec.EntityID,
		"workflow_id":     rec.WorkflowID,
		"status":          rec.Status,
		"current_step_id": rec.CurrentStepID,
		"ts":              time.Now().UTC().Format(time.RFC3339),
	}
	if stepID != "" {
		payload["step_id"] = stepID
	}
	n.postAudit(payload)
	n.postEventBus(payload)
}

// ActionEvent publishes a failed completion action as a warning event.
func (n *Notifier) ActionEvent(rec Record, actionType string, actionErr error) {
	if n == nil {
		return
	}
	payload := map[string]any{
		"event":       "record.action_failed",
		"record_id":   rec.ID,
		"entity_id":   rec.EntityID,
		"workflow_id": rec.WorkflowID,
		"action_type": actionType,
		"error":       actionErr.Error(),
		"ts":          time.Now().UTC().Format(time.RFC3339),
	}
	n.postAudit(payload)
	n.postEventBus(payload)
}

func (n *Notifier) postAudit(payload map[string]any) {
	if n.auditLog == nil || n.auditLog.baseURL == "" {
		return
	}
	n.postJSON(n.auditLog.baseURL+"/v1/events", payload)
}

func (n *Notifier) postEventBus(payload map[string]any) {
	if n.eventBus == nil || n.eventBus.baseURL == "" {
		return
	}
	body := map[string]any{
		"topic":   payload["event"],
		"payload": payload,
	}
	n.postJSON(n.eventBus.baseURL+"/v1/events", body)
}

func (n *Notifier) postJSON(url string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = n.client.Do(req)
}

func parseEndpoint(url, timeout string) *endpoint {
	if url == "" {
		return nil
	}
	dur, err := time.ParseDuration(timeout)
	if err != nil {
		dur = 5 * time.Second
	}
	return &endpoint{baseURL: url, timeout: dur}
}
