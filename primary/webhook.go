package primary

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedPayload marks a webhook body that is missing required fields.
// It is terminal: the gateway acknowledges with 400 and the event is never
// retried.
var ErrMalformedPayload = errors.New("malformed webhook payload")

const suggestedHoursMarker = "suggested_hours"

var payloadValidator = validator.New()

// WebhookEvent is the envelope delivered on the main sync path. Entries are
// referenced by id only; processors fetch the full record from the primary
// service.
type WebhookEvent struct {
	Payload *WebhookPayload `json:"payload" validate:"required"`
}

type WebhookPayload struct {
	EntityID   int64  `json:"entity_id" validate:"required,gt=0"`
	EntityPath string `json:"entity_path"`
}

// IsSuggested reports whether the event refers to an AI-generated hour
// suggestion, which is never synchronized.
func (p WebhookPayload) IsSuggested() bool {
	return strings.Contains(p.EntityPath, suggestedHoursMarker)
}

// BackupEvent is the envelope delivered on the backup path. It carries a
// full snapshot of the entry so the backup pipeline has no dependency on the
// primary API.
type BackupEvent struct {
	Payload *BackupPayload `json:"payload" validate:"required"`
}

type BackupPayload struct {
	ID         int64           `json:"id" validate:"required,gt=0"`
	EntityPath string          `json:"entity_path"`
	User       BackupUser      `json:"user"`
	Project    BackupProject   `json:"project"`
	Duration   BackupDuration  `json:"duration"`
	Note       string          `json:"note"`
	LabelIDs   []int64         `json:"label_ids"`
	UpdatedAt  int64           `json:"updated_at"`
	raw        json.RawMessage `json:"-"`
}

type BackupUser struct {
	Name string `json:"name"`
}

type BackupProject struct {
	Name   string       `json:"name"`
	Client BackupClient `json:"client"`
}

type BackupClient struct {
	Name string `json:"name"`
}

type BackupDuration struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// Raw returns the original payload bytes for archival.
func (p *BackupPayload) Raw() json.RawMessage {
	return p.raw
}

func (p BackupPayload) IsSuggested() bool {
	return strings.Contains(p.EntityPath, suggestedHoursMarker)
}

// ParseWebhookEvent decodes and validates a main-path webhook body.
func ParseWebhookEvent(body []byte) (WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := payloadValidator.Struct(event); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return event, nil
}

// ParseBackupEvent decodes and validates a backup-path webhook body, keeping
// the raw payload bytes for the archive row.
func ParseBackupEvent(body []byte) (BackupEvent, error) {
	var event BackupEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return BackupEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := payloadValidator.Struct(event); err != nil {
		return BackupEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		event.Payload.raw = envelope.Payload
	}
	return event, nil
}

// EffectiveLabel returns the first label id not in the exclusion set.
// Excluded ids are parent labels delivered alongside the effective child.
func EffectiveLabel(labelIDs []int64, excluded map[int64]struct{}) (int64, bool) {
	for _, id := range labelIDs {
		if _, skip := excluded[id]; skip {
			continue
		}
		return id, true
	}
	return 0, false
}
