package gateway

import "fmt"

// ActionType identifies an external capability.
type ActionType string

const (
	// Browser capability.
	ActionNavigate   ActionType = "navigate"
	ActionExtract    ActionType = "extract"
	ActionClick      ActionType = "click"
	ActionFill       ActionType = "fill"
	ActionScreenshot ActionType = "screenshot"
	ActionClose      ActionType = "close"

	// Language-model capability.
	ActionCompleteText ActionType = "complete_text"
)

// Action is a single dispatch unit to an external capability.
type Action struct {
	Type   ActionType             `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// StringParam returns the named parameter as a string, or "" if absent.
func (a Action) StringParam(name string) string {
	if a.Params == nil {
		return ""
	}
	s, _ := a.Params[name].(string)
	return s
}

// MapParam returns the named parameter as a string map, or nil if absent.
func (a Action) MapParam(name string) map[string]string {
	if a.Params == nil {
		return nil
	}
	switch v := a.Params[name].(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

// WithParam returns a copy of the action with one parameter replaced.
func (a Action) WithParam(name string, value interface{}) Action {
	params := make(map[string]interface{}, len(a.Params)+1)
	for k, v := range a.Params {
		params[k] = v
	}
	params[name] = value
	return Action{Type: a.Type, Params: params}
}

// Result is the gateway's uniform response envelope. Success is false if and
// only if Error is set; Data is never set alongside Error.
type Result struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Ok builds a success result.
func Ok(data map[string]interface{}) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failure result from a format string.
func Fail(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}
