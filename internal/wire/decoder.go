package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"

	"go.uber.org/zap"
)

// DecodeError reports a single malformed record within a payload. One bad
// record never fails the rest of the payload.
type DecodeError struct {
	Line int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record on line %d: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// frame is the envelope every record shares. Payload fields appear either
// nested under "data" or at the record top level; body() picks whichever
// is present.
type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (f *frame) body(record []byte) []byte {
	if len(f.Data) > 0 && !bytes.Equal(f.Data, []byte("null")) {
		return f.Data
	}
	return record
}

// Decode splits a raw push-channel payload into newline-delimited records
// and yields one typed event per well-formed record, in payload order. The
// sequence is lazy, finite, and single-use. Malformed records are logged
// and skipped.
func Decode(payload []byte, logger *zap.Logger) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for i, record := range bytes.Split(payload, []byte("\n")) {
			record = bytes.TrimSpace(record)
			if len(record) == 0 {
				continue
			}
			evt, err := DecodeRecord(record)
			if err != nil {
				if logger != nil {
					logger.Warn("skipping malformed push record",
						zap.Int("line", i),
						zap.Error(err))
				}
				continue
			}
			if !yield(evt) {
				return
			}
		}
	}
}

// DecodeRecord decodes a single record into a typed event. Unknown record
// types decode to UnknownEvent, not an error.
func DecodeRecord(record []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(record, &f); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if f.Type == "" {
		return nil, &DecodeError{Err: fmt.Errorf("record has no type discriminator")}
	}

	body := f.body(record)

	switch f.Type {
	case TypePresence:
		var p struct {
			UserID string `json:"userId"`
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, &DecodeError{Err: err}
		}
		if p.UserID == "" {
			return nil, &DecodeError{Err: fmt.Errorf("presence record has no userId")}
		}
		return PresenceEvent{UserID: p.UserID, Status: p.Status}, nil

	case TypeMessage:
		var m struct {
			ChatID    string `json:"chatId"`
			ChatIDAlt string `json:"chat_id"`
			MessageID string `json:"id"`
			SenderID  string `json:"senderId"`
			Body      string `json:"text"`
		}
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, &DecodeError{Err: err}
		}
		chatID := m.ChatID
		if chatID == "" {
			chatID = m.ChatIDAlt
		}
		if chatID == "" {
			return nil, &DecodeError{Err: fmt.Errorf("message record has no chatId")}
		}
		return MessageEvent{
			ChatID:    chatID,
			MessageID: m.MessageID,
			SenderID:  m.SenderID,
			Body:      m.Body,
		}, nil

	case TypeMessageRead, TypeChatRead:
		var r struct {
			ChatID    string `json:"chatId"`
			ChatIDAlt string `json:"chat_id"`
		}
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, &DecodeError{Err: err}
		}
		chatID := r.ChatID
		if chatID == "" {
			chatID = r.ChatIDAlt
		}
		if chatID == "" {
			return nil, &DecodeError{Err: fmt.Errorf("read record has no chatId")}
		}
		return ReadEvent{ChatID: chatID}, nil

	case TypeCallOffer:
		var c struct {
			From   string `json:"from"`
			ChatID string `json:"chatId"`
			Video  *bool  `json:"video"`
		}
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, &DecodeError{Err: err}
		}
		if c.From == "" {
			return nil, &DecodeError{Err: fmt.Errorf("call offer has no from")}
		}
		// Offers are video calls unless the server says otherwise.
		video := c.Video == nil || *c.Video
		return CallOfferEvent{From: c.From, ChatID: c.ChatID, Video: video}, nil

	default:
		return UnknownEvent{Type: f.Type}, nil
	}
}
