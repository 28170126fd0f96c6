package registry

// metadataSchema is the JSON Schema every registry response must satisfy
// before it is handed to the rest of the runtime. Violations surface as
// metadata-parse-error with the offending detail attached.
const metadataSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["fqdn", "type", "codeUrl", "tools", "routing"],
  "properties": {
    "fqdn": {"type": "string", "minLength": 1},
    "type": {"enum": ["deno", "starlark"]},
    "description": {"type": "string"},
    "codeUrl": {"type": "string", "minLength": 1},
    "tools": {"type": "array", "items": {"type": "string"}},
    "routing": {"enum": ["client", "server"]},
    "integrity": {"type": "string"},
    "mcpDeps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "version"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "install": {"type": "string"},
          "version": {"type": "string"},
          "integrity": {"type": "string"},
          "envRequired": {"type": "array", "items": {"type": "string"}},
          "command": {"type": "string"},
          "args": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`
