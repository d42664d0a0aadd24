package emitter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-player/config"
	"github.com/e7canasta/orion-player/scheduler"
)

// Message is the payload published for every steady detection cycle.
type Message struct {
	InstanceID string                `json:"instance_id"`
	Cycle      scheduler.CycleReport `json:"cycle"`
}

// Encode serializes msg as JSON or MessagePack. MessagePack reuses the JSON
// field names so both encodings carry the same keys.
func Encode(msg Message, encoding string) ([]byte, error) {
	switch encoding {
	case config.EncodingJSON, "":
		return json.Marshal(msg)

	case config.EncodingMsgpack:
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		enc.SetCustomStructTag("json")
		enc.UseCompactInts(true)
		if err := enc.Encode(msg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Decode is the inverse of Encode, for subscribers and tests.
func Decode(data []byte, encoding string) (Message, error) {
	var msg Message
	switch encoding {
	case config.EncodingJSON, "":
		err := json.Unmarshal(data, &msg)
		return msg, err

	case config.EncodingMsgpack:
		dec := msgpack.NewDecoder(bytes.NewReader(data))
		dec.SetCustomStructTag("json")
		err := dec.Decode(&msg)
		return msg, err

	default:
		return msg, fmt.Errorf("unknown encoding %q", encoding)
	}
}

// Topic returns the cycle topic for an instance: <prefix>/<instance_id>/cycles.
func Topic(prefix, instanceID string) string {
	return fmt.Sprintf("%s/%s/cycles", prefix, instanceID)
}
