package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationRequest is a single logical send accepted at ingress.
// It is never mutated after acceptance.
type NotificationRequest struct {
	RequestID     string
	UserID        string
	Channel       Channel
	TemplateSlug  string
	Variables     map[string]any
	Priority      Priority
	CorrelationID string
	Locale        string
	// ForceChannel delivers on an explicitly named channel even when the
	// user disabled it. It has no effect with ChannelAuto.
	ForceChannel bool
	ReceivedAt   time.Time
}

// Normalize applies defaults to optional fields.
func (r *NotificationRequest) Normalize() {
	if r.Channel == "" {
		r.Channel = ChannelAuto
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	if r.Variables == nil {
		r.Variables = map[string]any{}
	}
}

// CheckVariables verifies every variable value is a string, number or bool.
func (r *NotificationRequest) CheckVariables() error {
	for name, v := range r.Variables {
		switch v.(type) {
		case string, bool, json.Number,
			float64, float32,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
		default:
			return fmt.Errorf("variable %q has unsupported type %T", name, v)
		}
	}
	return nil
}
