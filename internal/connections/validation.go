package connections

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hookline/hookline/internal/api"
)

// Each connection family compiles a strict/lenient schema pair. Strict runs
// on the provisioning path and rejects anything it does not understand;
// lenient runs when rebuilding connections from persisted room state, where
// an entry written by a newer version must still load.
type schemaRegistry struct {
	once    sync.Once
	initErr error
	strict  map[string]*jsonschema.Schema
	lenient map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		strict := map[string]string{
			EventTypeFeed:       feedSchemaStrict,
			EventTypeFigmaFile:  figmaSchemaStrict,
			EventTypeGitLabRepo: gitlabSchemaStrict,
			EventTypeWebhook:    webhookSchemaStrict,
		}
		lenient := map[string]string{
			EventTypeFeed:       feedSchemaLenient,
			EventTypeFigmaFile:  figmaSchemaLenient,
			EventTypeGitLabRepo: gitlabSchemaLenient,
			EventTypeWebhook:    webhookSchemaLenient,
		}

		schemas.strict = make(map[string]*jsonschema.Schema, len(strict))
		for eventType, schema := range strict {
			compiled, err := jsonschema.CompileString("strict_"+eventType, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.strict[eventType] = compiled
		}

		schemas.lenient = make(map[string]*jsonschema.Schema, len(lenient))
		for eventType, schema := range lenient {
			compiled, err := jsonschema.CompileString("lenient_"+eventType, schema)
			if err != nil {
				schemas.initErr = err
				return
			}
			schemas.lenient[eventType] = compiled
		}
	})
	return schemas.initErr
}

// validateState checks a state content map against the family's schema.
// Validation failures come back as BadValue so the provisioning API maps
// them to 400.
func validateState(eventType string, content map[string]any, strict bool) error {
	if err := initSchemas(); err != nil {
		return err
	}
	table := schemas.lenient
	if strict {
		table = schemas.strict
	}
	schema, ok := table[eventType]
	if !ok {
		return api.BadValuef("unknown connection type %q", eventType)
	}
	// Round-trip so numbers arrive as json.Number-compatible values the
	// validator understands regardless of how the map was built.
	raw, err := json.Marshal(content)
	if err != nil {
		return api.NewError(api.ErrCodeBadValue, fmt.Sprintf("unencodable state: %v", err), err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return api.NewError(api.ErrCodeBadValue, fmt.Sprintf("undecodable state: %v", err), err)
	}
	if err := schema.Validate(payload); err != nil {
		return api.NewError(api.ErrCodeBadValue, fmt.Sprintf("invalid connection state: %v", err), err)
	}
	return nil
}

// decodeState re-decodes a raw content map into the family's typed state.
// Unknown fields survive in the raw map and are written back verbatim, but
// only the typed fields are ever interpreted.
func decodeState(content map[string]any, out any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	return nil
}

// ignoreHookNames is the closed enum strict validation accepts for
// ignoreHooks entries. Lenient validation accepts any string so newer
// deployments can add kinds without breaking older workers.
const ignoreHookNamesJSON = `[
  "push", "tag_push", "wiki", "release", "release.created",
  "merge_request",
  "merge_request.open", "merge_request.close", "merge_request.merge",
  "merge_request.review", "merge_request.ready_for_review",
  "merge_request.review.comments"
]`

const feedSchemaStrict = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": { "type": "string", "format": "uri", "minLength": 1 },
    "label": { "type": "string" }
  },
  "additionalProperties": false
}`

const feedSchemaLenient = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": { "type": "string", "minLength": 1 },
    "label": { "type": "string" }
  },
  "additionalProperties": true
}`

const figmaSchemaStrict = `{
  "type": "object",
  "required": ["fileId"],
  "properties": {
    "fileId": { "type": "string", "minLength": 1 },
    "instanceName": { "type": "string" }
  },
  "additionalProperties": false
}`

const figmaSchemaLenient = `{
  "type": "object",
  "required": ["fileId"],
  "properties": {
    "fileId": { "type": "string", "minLength": 1 },
    "instanceName": { "type": "string" }
  },
  "additionalProperties": true
}`

const gitlabSchemaStrict = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "instance": { "type": "string" },
    "path": { "type": "string", "minLength": 1 },
    "ignoreHooks": {
      "type": "array",
      "items": { "enum": ` + ignoreHookNamesJSON + ` }
    },
    "includingLabels": { "type": "array", "items": { "type": "string" } },
    "excludingLabels": { "type": "array", "items": { "type": "string" } },
    "commandPrefix": { "type": "string", "minLength": 2 }
  },
  "additionalProperties": false
}`

const gitlabSchemaLenient = `{
  "type": "object",
  "required": ["path"],
  "properties": {
    "instance": { "type": "string" },
    "path": { "type": "string", "minLength": 1 },
    "ignoreHooks": { "type": "array", "items": { "type": "string" } },
    "includingLabels": { "type": "array", "items": { "type": "string" } },
    "excludingLabels": { "type": "array", "items": { "type": "string" } },
    "commandPrefix": { "type": "string" }
  },
  "additionalProperties": true
}`

const webhookSchemaStrict = `{
  "type": "object",
  "required": ["hookId"],
  "properties": {
    "hookId": { "type": "string", "minLength": 1 },
    "name": { "type": "string" }
  },
  "additionalProperties": false
}`

const webhookSchemaLenient = `{
  "type": "object",
  "required": ["hookId"],
  "properties": {
    "hookId": { "type": "string", "minLength": 1 },
    "name": { "type": "string" }
  },
  "additionalProperties": true
}`
