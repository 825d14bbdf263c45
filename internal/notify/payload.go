package notify

import (
	"encoding/json"
	"fmt"
)

// Payload is the body of a background push notification as delivered to
// front-ends. The shape matches what the web client's service worker
// displays.
type Payload struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Icon    string   `json:"icon,omitempty"`
	Badge   string   `json:"badge,omitempty"`
	Image   string   `json:"image,omitempty"`
	Data    Data     `json:"data"`
	Actions []Action `json:"actions,omitempty"`
}

// Data carries the click-through target for a notification.
type Data struct {
	URL string `json:"url"`
}

// Action is a button shown on the notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// DecodePayload parses and validates a notification payload. A payload
// must carry at least a title, so front-ends never render an empty
// notification.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode notification payload: %w", err)
	}
	if p.Title == "" {
		return Payload{}, fmt.Errorf("notification payload missing title")
	}
	return p, nil
}
