package relaychat

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://relaychat.local/schemas/"

const messageSchema = `{
  "type": "object",
  "required": ["sender", "content"],
  "properties": {
    "id": {"type": ["integer", "string", "null"]},
    "sender": {"type": "string", "minLength": 1},
    "recipient": {"type": ["string", "null"]},
    "content": {"type": "string"},
    "timestamp": {"type": ["string", "null"]},
    "messageType": {"type": ["string", "null"]}
  }
}`

const notificationSchema = `{
  "type": "object",
  "required": ["sender", "content"],
  "properties": {
    "id": {"type": ["integer", "string", "null"]},
    "recipient": {"type": ["string", "null"]},
    "sender": {"type": "string", "minLength": 1},
    "content": {"type": "string"},
    "chatType": {"type": ["string", "null"]},
    "chatId": {"type": ["string", "null"]},
    "timestamp": {"type": ["string", "null"]},
    "read": {"type": ["boolean", "null"]},
    "messageType": {"type": ["string", "null"]}
  }
}`

const notificationEnvelopeSchema = `{
  "type": "object",
  "required": ["recipient", "notification"],
  "properties": {
    "recipient": {"type": "string"},
    "notification": {"$ref": "notification.json"}
  }
}`

const presenceSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["username"],
    "properties": {
      "username": {"type": "string", "minLength": 1},
      "online": {"type": ["boolean", "null"]},
      "lastSeen": {"type": ["string", "null"]}
    }
  }
}`

type payloadSchemas struct {
	message      *jsonschema.Schema
	notification *jsonschema.Schema
	envelope     *jsonschema.Schema
	presence     *jsonschema.Schema
}

var (
	schemasOnce sync.Once
	schemas     *payloadSchemas
	schemasErr  error
)

func loadSchemas() (*payloadSchemas, error) {
	schemasOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		resources := map[string]string{
			"message.json":               messageSchema,
			"notification.json":          notificationSchema,
			"notification-envelope.json": notificationEnvelopeSchema,
			"presence.json":              presenceSchema,
		}
		for name, raw := range resources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
				schemasErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
		}
		compiled := &payloadSchemas{}
		targets := []struct {
			name string
			dst  **jsonschema.Schema
		}{
			{"message.json", &compiled.message},
			{"notification.json", &compiled.notification},
			{"notification-envelope.json", &compiled.envelope},
			{"presence.json", &compiled.presence},
		}
		for _, target := range targets {
			sch, err := compiler.Compile(schemaBaseURL + target.name)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", target.name, err)
				return
			}
			*target.dst = sch
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// schemaFor returns the schema a frame from the given channel must satisfy.
func (s *payloadSchemas) schemaFor(ch Channel) *jsonschema.Schema {
	switch ch {
	case ChannelNotificationA, ChannelNotificationB:
		return s.notification
	case ChannelNotificationC:
		return s.envelope
	case ChannelPresence:
		return s.presence
	default:
		return s.message
	}
}

// validatePayload checks raw against the channel's schema.
func validatePayload(raw []byte, ch Channel) error {
	compiled, err := loadSchemas()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return compiled.schemaFor(ch).Validate(inst)
}
