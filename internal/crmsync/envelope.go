package crmsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Wire-level envelope types sent by the platform's webhook dispatcher.
const (
	TypeTest           = "TEST"
	TypeGetSettings    = "GET_SETTINGS"
	TypeUpdateSettings = "UPDATE_SETTINGS"
	TypeLoadBlock      = "LOAD_BLOCK"
	TypeCallbackBlock  = "CALLBACK_BLOCK"
	TypeCallback       = "Callback"
	TypeInteraction    = "Interaction"
	TypeSubscription   = "SUBSCRIPTION"
	TypeAppUninstalled = "APP_UNINSTALLED"
)

const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
)

// EventEnvelope is the inbound typed notification. Delivery is at-least-once:
// the same envelope may arrive twice, concurrently, or out of order.
type EventEnvelope struct {
	Type            string          `json:"type"`
	Context         string          `json:"context,omitempty"`
	NetworkID       string          `json:"networkId,omitempty"`
	CurrentSettings []SettingsScope `json:"currentSettings,omitempty"`
	Data            EventData       `json:"data"`
}

type SettingsScope struct {
	Settings map[string]any `json:"settings"`
}

type EventData struct {
	Name             string          `json:"name,omitempty"`
	Object           json.RawMessage `json:"object,omitempty"`
	Actor            *ActorRef       `json:"actor,omitempty"`
	Time             string          `json:"time,omitempty"`
	ShortDescription string          `json:"shortDescription,omitempty"`
	Challenge        string          `json:"challenge,omitempty"`
	ActorID          string          `json:"actorId,omitempty"`
	InteractionID    string          `json:"interactionId,omitempty"`
	CallbackID       string          `json:"callbackId,omitempty"`
	Inputs           map[string]any  `json:"inputs,omitempty"`
	Settings         map[string]any  `json:"settings,omitempty"`
}

type ActorRef struct {
	ID string `json:"id"`
}

// ResultEnvelope is the outbound response. The webhook sender treats anything
// other than a FAILED status as final, so failures that should be retried are
// reported here rather than raised.
type ResultEnvelope struct {
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	Data         map[string]any `json:"data"`
	ErrorCode    string         `json:"errorCode,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
}

func succeeded(envType string, data map[string]any) ResultEnvelope {
	if data == nil {
		data = map[string]any{}
	}
	return ResultEnvelope{Type: envType, Status: StatusSucceeded, Data: data}
}

func failed(envType string) ResultEnvelope {
	return ResultEnvelope{Type: envType, Status: StatusFailed, Data: map[string]any{}}
}

// The envelope schema closes the event-kind set at the boundary: anything the
// dispatcher would not route is rejected before it can reach a synchronizer.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "type": "string",
      "enum": [
        "TEST",
        "GET_SETTINGS",
        "UPDATE_SETTINGS",
        "LOAD_BLOCK",
        "CALLBACK_BLOCK",
        "Callback",
        "Interaction",
        "SUBSCRIPTION",
        "APP_UNINSTALLED"
      ]
    },
    "context": {"type": "string"},
    "networkId": {"type": "string"},
    "currentSettings": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"settings": {"type": "object"}}
      }
    },
    "data": {
      "type": "object",
      "properties": {
        "name": {"type": "string"},
        "object": {"type": "object"},
        "actor": {"type": "object"},
        "time": {"type": "string"},
        "shortDescription": {"type": "string"},
        "challenge": {"type": "string"},
        "actorId": {"type": "string"},
        "interactionId": {"type": "string"},
        "callbackId": {"type": "string"},
        "inputs": {"type": "object"},
        "settings": {"type": "object"}
      }
    }
  }
}`

var (
	envelopeSchemaOnce     sync.Once
	envelopeSchemaCompiled *jsonschema.Schema
	envelopeSchemaErr      error
)

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			envelopeSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", doc); err != nil {
			envelopeSchemaErr = err
			return
		}
		envelopeSchemaCompiled, envelopeSchemaErr = compiler.Compile("envelope.json")
	})
	return envelopeSchemaCompiled, envelopeSchemaErr
}

// ParseEnvelope validates raw webhook bytes against the envelope schema and
// decodes them. Validation failures are terminal for the event: redelivering
// a malformed envelope can never succeed.
func ParseEnvelope(raw []byte) (EventEnvelope, error) {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return EventEnvelope{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: invalid json", ErrInvalidInput)
	}
	if err := schema.Validate(instance); err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var env EventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return env, nil
}
