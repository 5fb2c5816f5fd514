package validation

import "github.com/rendis/agentrt/pkg/schema"

const schemaBase = "https://agentrt.dev/schemas/"

// defsJSON holds the shared A2A definitions.
const defsJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentrt.dev/schemas/defs.json",
  "$defs": {
    "id": { "type": "string", "minLength": 1 },
    "metadata": { "type": "object" },
    "historyLength": { "type": "integer", "minimum": 0 },
    "part": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "enum": ["text", "file", "data"] },
        "text": { "type": "string" },
        "file": {
          "type": "object",
          "properties": {
            "name": { "type": "string" },
            "mimeType": { "type": "string" },
            "bytes": { "type": "string" },
            "uri": { "type": "string", "format": "uri" }
          },
          "oneOf": [
            { "required": ["bytes"], "not": { "required": ["uri"] } },
            { "required": ["uri"], "not": { "required": ["bytes"] } }
          ]
        },
        "data": { "type": "object" },
        "metadata": { "$ref": "#/$defs/metadata" }
      },
      "allOf": [
        { "if": { "properties": { "type": { "const": "text" } } }, "then": { "required": ["text"] } },
        { "if": { "properties": { "type": { "const": "file" } } }, "then": { "required": ["file"] } },
        { "if": { "properties": { "type": { "const": "data" } } }, "then": { "required": ["data"] } }
      ]
    },
    "message": {
      "type": "object",
      "required": ["role", "parts"],
      "properties": {
        "role": { "enum": ["user", "agent"] },
        "parts": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/part" } },
        "metadata": { "$ref": "#/$defs/metadata" }
      }
    },
    "pushNotificationConfig": {
      "type": "object",
      "required": ["url"],
      "properties": {
        "url": { "type": "string", "format": "uri", "pattern": "^https?://" },
        "token": { "type": "string" },
        "authentication": {
          "type": "object",
          "required": ["schemes"],
          "properties": {
            "schemes": { "type": "array", "items": { "type": "string" } },
            "credentials": { "type": "string" }
          }
        }
      }
    }
  }
}`

const sendJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentrt.dev/schemas/send.json",
  "type": "object",
  "required": ["id", "message"],
  "properties": {
    "id": { "$ref": "defs.json#/$defs/id" },
    "sessionId": { "type": "string" },
    "message": { "$ref": "defs.json#/$defs/message" },
    "acceptedOutputModes": { "type": "array", "items": { "type": "string" } },
    "pushNotification": { "$ref": "defs.json#/$defs/pushNotificationConfig" },
    "historyLength": { "$ref": "defs.json#/$defs/historyLength" },
    "metadata": {
      "type": "object",
      "properties": {
        "mtype": { "enum": ["send_task", "send_chat", "dev_send_chat"] },
        "async_response": { "type": "boolean" },
        "i_tag": { "type": "string" },
        "tag": { "type": "string" },
        "params": { "type": "object" }
      }
    }
  }
}`

const queryJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentrt.dev/schemas/query.json",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "$ref": "defs.json#/$defs/id" },
    "historyLength": { "$ref": "defs.json#/$defs/historyLength" },
    "metadata": { "$ref": "defs.json#/$defs/metadata" }
  }
}`

const idJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentrt.dev/schemas/id.json",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "$ref": "defs.json#/$defs/id" },
    "metadata": { "$ref": "defs.json#/$defs/metadata" }
  }
}`

const pushSetJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentrt.dev/schemas/push_set.json",
  "type": "object",
  "required": ["id", "pushNotificationConfig"],
  "properties": {
    "id": { "$ref": "defs.json#/$defs/id" },
    "pushNotificationConfig": { "$ref": "defs.json#/$defs/pushNotificationConfig" }
  }
}`

// documents lists every schema resource by file name.
var documents = map[string]string{
	"defs.json":     defsJSON,
	"send.json":     sendJSON,
	"query.json":    queryJSON,
	"id.json":       idJSON,
	"push_set.json": pushSetJSON,
}

// methodSchemas maps RPC methods to their params schema.
var methodSchemas = map[string]string{
	schema.MethodSendTask:            "send.json",
	schema.MethodSendTaskSubscribe:   "send.json",
	schema.MethodGetTask:             "query.json",
	schema.MethodCancelTask:          "id.json",
	schema.MethodResubscribe:         "id.json",
	schema.MethodGetPushNotification: "id.json",
	schema.MethodSetPushNotification: "push_set.json",
}
