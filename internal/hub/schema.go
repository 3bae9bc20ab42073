package hub

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const clientFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["join", "leave", "track", "untrack", "broadcast", "heartbeat"]},
    "topic": {"type": "string", "minLength": 1, "maxLength": 200},
    "ref": {"type": "string", "maxLength": 64},
    "event": {"type": "string", "maxLength": 100},
    "payload": {}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"enum": ["join", "leave", "track", "untrack", "broadcast"]}}},
      "then": {"required": ["topic"]}
    },
    {
      "if": {"properties": {"type": {"const": "broadcast"}}},
      "then": {"required": ["event"]}
    },
    {
      "if": {"properties": {"type": {"const": "track"}}},
      "then": {"required": ["payload"], "properties": {"payload": {"type": "object"}}}
    }
  ]
}`

var (
	frameSchemaOnce sync.Once
	frameSchema     *jsonschema.Schema
	frameSchemaErr  error
)

func validateClientFrame(raw []byte) error {
	frameSchemaOnce.Do(func() {
		frameSchema, frameSchemaErr = jsonschema.CompileString("client_frame.json", clientFrameSchema)
	})
	if frameSchemaErr != nil {
		return frameSchemaErr
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return frameSchema.Validate(doc)
}
