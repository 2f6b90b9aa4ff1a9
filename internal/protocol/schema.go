package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const envelopeSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string", "minLength": 1}
  }
}`

const presenceUpdateSchema = `{
  "type": "object",
  "required": ["userId", "status"],
  "properties": {
    "userId": {"type": "string", "minLength": 1},
    "status": {"type": "string", "enum": ["online", "away", "offline"]}
  }
}`

const chatTypingSchema = `{
  "type": "object",
  "required": ["threadId", "userId", "isTyping"],
  "properties": {
    "threadId": {"type": "string", "minLength": 1},
    "userId": {"type": "string", "minLength": 1},
    "userName": {"type": "string"},
    "isTyping": {"type": "boolean"}
  }
}`

type schemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		env, err := jsonschema.CompileString("frame_envelope", envelopeSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.envelope = env

		payloads := map[string]string{
			KindPresenceUpdate: presenceUpdateSchema,
			KindChatTyping:     chatTypingSchema,
		}
		schemas.payloads = make(map[string]*jsonschema.Schema, len(payloads))
		for kind, schema := range payloads {
			compiled, err := jsonschema.CompileString("frame_payload_"+kind, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.payloads[kind] = compiled
		}
	})
	return schemas.initErr
}

func validateFrame(raw []byte) error {
	if err := initSchemas(); err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := schemas.envelope.Validate(doc); err != nil {
		return err
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return fmt.Errorf("frame is not an object")
	}
	kind, _ := obj["type"].(string)
	schema := schemas.payloads[kind]
	if schema == nil {
		return nil
	}
	payload, ok := obj["payload"]
	if !ok {
		return fmt.Errorf("%s frame has no payload", kind)
	}
	return schema.Validate(payload)
}
