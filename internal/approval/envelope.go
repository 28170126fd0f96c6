// Package approval holds the human-in-the-loop surface: the envelope a
// suspended operation returns instead of a result, the continuation that
// resumes it, and the TTL-bounded store of pending workflows.
//
// Envelopes are not errors. A caller that receives one shows it to a human,
// then re-invokes the original operation with a continuation.
package approval

import "encoding/json"

// StatusApprovalRequired is the only status an envelope carries.
const StatusApprovalRequired = "approval_required"

// Type says what is being approved.
type Type string

const (
	// TypeDependency gates installing and spawning a subprocess dependency.
	TypeDependency Type = "dependency"
	// TypeToolPermission gates a tool the policy marked ask.
	TypeToolPermission Type = "tool_permission"
	// TypeAPIKeyRequired reports missing or placeholder credentials.
	TypeAPIKeyRequired Type = "api_key_required"
	// TypeIntegrity reports a content hash drifting from the lockfile.
	TypeIntegrity Type = "integrity"
)

// Envelope is the wire shape of a suspended operation.
type Envelope struct {
	Status      string         `json:"status"`
	Type        Type           `json:"approval_type"`
	WorkflowID  string         `json:"workflow_id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
	Options     []string       `json:"options"`
}

// NewEnvelope builds an envelope with the fixed status and options.
func NewEnvelope(kind Type, workflowID, description string, context map[string]any) *Envelope {
	return &Envelope{
		Status:      StatusApprovalRequired,
		Type:        kind,
		WorkflowID:  workflowID,
		Description: description,
		Context:     context,
		Options:     []string{"continue", "abort"},
	}
}

// Continuation is the caller's answer to an envelope.
type Continuation struct {
	WorkflowID string `json:"workflow_id"`
	Approved   bool   `json:"approved"`
	// Always asks the runtime to remember the approval beyond this workflow.
	Always bool `json:"always,omitempty"`
}

// continuationKey is the argument-document field a continuation travels in.
const continuationKey = "continue_workflow"

// ParseContinuation extracts a continuation from an arguments document.
// Both a structured object and a pre-serialized JSON string are accepted.
func ParseContinuation(args map[string]any) (*Continuation, bool) {
	raw, ok := args[continuationKey]
	if !ok || raw == nil {
		return nil, false
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return nil, false
		}
	}

	var c Continuation
	if err := json.Unmarshal(data, &c); err != nil || c.WorkflowID == "" {
		return nil, false
	}
	return &c, true
}

// StripContinuation returns args without the continuation field, so the
// resumed operation sees only the original arguments.
func StripContinuation(args map[string]any) map[string]any {
	if _, ok := args[continuationKey]; !ok {
		return args
	}
	out := make(map[string]any, len(args)-1)
	for k, v := range args {
		if k != continuationKey {
			out[k] = v
		}
	}
	return out
}
