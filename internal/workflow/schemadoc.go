package workflow

// definitionSchemaJSON is the JSON Schema for workflow definitions.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://bmad.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string" },
    "strict_flow": { "type": "boolean" },
    "providers": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/provider" }
    },
    "context": { "type": "object" },
    "secrets": { "type": "array", "items": { "type": "string" } },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "provider": {
      "type": "object",
      "required": ["command"],
      "properties": {
        "command": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string" }
        },
        "transport": { "type": "string", "enum": ["argv", "stdin"] },
        "params": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "command": { "type": "array", "items": { "type": "string" } },
        "provider": { "$ref": "#/$defs/invocation" },
        "for_each": { "$ref": "#/$defs/for_each" },
        "while": { "$ref": "#/$defs/while" },
        "wait_for": { "$ref": "#/$defs/wait_for" },
        "when": { "$ref": "#/$defs/condition" },
        "on": { "$ref": "#/$defs/transitions" },
        "depends_on": { "$ref": "#/$defs/depends_on" },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" },
        "secrets": { "type": "array", "items": { "type": "string" } },
        "env": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "input_file": { "type": "string" },
        "output_capture": { "type": "string", "enum": ["text", "lines", "json"] },
        "output_file": { "type": "string" },
        "allow_parse_error": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "invocation": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "params": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "prompt": { "type": "string" },
        "prompt_file": { "type": "string" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "properties": {
        "step_ok": { "type": "string" },
        "file_exists": { "type": "string" },
        "env_set": { "type": "string" },
        "equals": { "type": "array", "items": { "type": "string" }, "minItems": 2, "maxItems": 2 },
        "contains": { "type": "array", "items": { "type": "string" }, "minItems": 2, "maxItems": 2 },
        "regex": { "type": "array", "items": { "type": "string" }, "minItems": 2, "maxItems": 2 },
        "compare": {
          "type": "object",
          "required": ["left", "op", "right"],
          "properties": {
            "left": { "type": "string" },
            "op": { "type": "string", "enum": ["lt", "le", "gt", "ge", "eq", "ne", "<", "<=", ">", ">=", "==", "!="] },
            "right": { "type": "string" }
          },
          "additionalProperties": false
        },
        "expr": { "type": "string" },
        "all": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "any": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "not": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    },
    "transitions": {
      "type": "object",
      "properties": {
        "success": { "$ref": "#/$defs/transition" },
        "failure": { "$ref": "#/$defs/transition" }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "properties": {
        "goto": { "type": "string" },
        "end": { "type": "boolean" },
        "error": { "type": "string" }
      },
      "additionalProperties": false
    },
    "depends_on": {
      "type": "object",
      "properties": {
        "required": { "type": "array", "items": { "type": "string" } },
        "optional": { "type": "array", "items": { "type": "string" } },
        "inject": { "type": "string", "enum": ["none", "list", "content"] },
        "instruction": { "type": "string" },
        "position": { "type": "string", "enum": ["prepend", "append"] }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "backoff": { "type": "string", "enum": ["fixed", "exponential"] },
        "delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" },
        "retry_exit_codes": { "type": "array", "items": { "type": "integer" } }
      },
      "additionalProperties": false
    },
    "for_each": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "items": { "type": "array" },
        "source": { "type": "string" },
        "item_name": { "type": "string" },
        "steps": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/step" } },
        "parallel": { "type": "boolean" },
        "max_workers": { "type": "integer", "minimum": 1 },
        "join_policy": { "type": "string", "enum": ["all", "any", "majority"] },
        "join_timeout": { "$ref": "#/$defs/duration" },
        "on_item_failure": { "type": "string", "enum": ["continue", "break"] }
      },
      "additionalProperties": false
    },
    "while": {
      "type": "object",
      "required": ["condition", "steps"],
      "properties": {
        "condition": { "$ref": "#/$defs/condition" },
        "steps": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/step" } },
        "max_iterations": { "type": "integer", "minimum": 1 },
        "max_duration": { "$ref": "#/$defs/duration" },
        "delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "wait_for": {
      "type": "object",
      "required": ["pattern"],
      "properties": {
        "pattern": { "type": "string", "minLength": 1 },
        "min_count": { "type": "integer", "minimum": 1 },
        "interval": { "$ref": "#/$defs/duration" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`
