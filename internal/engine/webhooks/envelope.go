package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampFormat is ISO-8601 in UTC with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Envelope is the body POSTed to subscribers. Field order is fixed by the struct.
type Envelope struct {
	Event       string          `json:"event"`
	Data        json.RawMessage `json:"data"`
	Timestamp   string          `json:"timestamp"`
	WorkspaceID string          `json:"workspace_id"`
}

// BuildEnvelope serializes an event canonically: fixed envelope field order,
// object keys sorted at every depth and numbers kept verbatim. The result is
// the exact byte string that gets signed.
func BuildEnvelope(eventType, workspaceID string, data interface{}, at time.Time) ([]byte, error) {
	canonical, err := canonicalJSON(data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}

	return json.Marshal(Envelope{
		Event:       eventType,
		Data:        canonical,
		Timestamp:   at.UTC().Format(TimestampFormat),
		WorkspaceID: workspaceID,
	})
}

func canonicalJSON(data interface{}) (json.RawMessage, error) {
	var raw []byte
	switch v := data.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	if _, ok := generic.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("event data must be a JSON object")
	}

	// encoding/json writes map keys in sorted order.
	return json.Marshal(generic)
}
