package bridge

import (
	"encoding/json"
)

// Transform rewrites a client payload before it is published. The bridge
// forwards payloads unmodified unless one is configured.
type Transform func(payload []byte) []byte

// SetField returns a Transform that sets key to value on JSON object payloads.
// Anything that is not a JSON object passes through unchanged.
func SetField(key, value string) Transform {
	encoded, _ := json.Marshal(value)

	return func(payload []byte) []byte {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
			logger().Debug("Payload is not a JSON object, publishing unchanged", "error", err)
			return payload
		}

		fields[key] = encoded
		out, err := json.Marshal(fields)
		if err != nil {
			return payload
		}
		return out
	}
}
