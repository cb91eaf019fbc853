package telemetry

import (
	"encoding/json"
	"fmt"
)

// maxPayloadChars caps stored JSON payloads; anything longer is replaced by
// a truncation envelope that keeps a preview of the original.
const maxPayloadChars = 8000

// toJSON serializes v for storage. nil becomes "{}" so the payload columns
// stay valid JSON. Values that refuse to marshal are stored as their string
// rendering rather than dropped.
func toJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	if len(b) > maxPayloadChars {
		env, _ := json.Marshal(map[string]any{
			"_truncated": true,
			"length":     len(b),
			"preview":    string(b[:maxPayloadChars]),
		})
		return string(env)
	}
	return string(b)
}
