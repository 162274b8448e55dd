package pool

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Command names accepted from Core and the REST API.
const (
	CommandSetFunction = "set_function"
	CommandSetTarget   = "set_target"
	CommandRaw         = "request"
)

// CommandPaths maps high-level commands onto device endpoints.
type CommandPaths struct {
	// Method is used for set_function and set_target. Default GET.
	Method   string
	Function string
	Target   string
}

// DefaultCommandPaths returns the controller's manual-override endpoints.
func DefaultCommandPaths() CommandPaths {
	return CommandPaths{
		Method:   http.MethodGet,
		Function: "/setFunctionManually",
		Target:   "/setTargetValues",
	}
}

// Validate checks the method and both paths.
func (p CommandPaths) Validate() error {
	switch strings.ToUpper(p.Method) {
	case http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("%w: command method %q must be GET or POST", ErrInvalidConfig, p.Method)
	}
	if _, err := SanitizePath(p.Function); err != nil {
		return fmt.Errorf("%w: function path: %w", ErrInvalidConfig, err)
	}
	if _, err := SanitizePath(p.Target); err != nil {
		return fmt.Errorf("%w: target path: %w", ErrInvalidConfig, err)
	}
	return nil
}

// CommandRequest is a command as received from Core or the REST API.
type CommandRequest struct {
	// ID correlates acknowledgements; generated when empty.
	ID string `json:"id,omitempty"`

	// Command is set_function, set_target or request.
	Command string `json:"command"`

	// Parameters are command specific:
	//   set_function: {"function": "PUMP", "action": "ON", "duration": 30, "speed": 2}
	//   set_target:   {"target": "HEATER_TEMP", "value": 28.5}
	//   request:      {"path": "/setConfig", "method": "POST", "params": {"k": "v"}}
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source is where the command originated ("mqtt", "api").
	Source string `json:"source,omitempty"`

	// UserID is the authenticated user, if any.
	UserID string `json:"user_id,omitempty"`
}

// Build validates req and turns it into a High-priority envelope.
func (p CommandPaths) Build(req CommandRequest) (Envelope, error) {
	switch req.Command {
	case CommandSetFunction:
		return p.buildFunction(req.Parameters)
	case CommandSetTarget:
		return p.buildTarget(req.Parameters)
	case CommandRaw:
		return buildRaw(req.Parameters)
	case "":
		return Envelope{}, fmt.Errorf("%w: command is required", ErrValidation)
	default:
		return Envelope{}, fmt.Errorf("%w %q", ErrUnknownCommand, req.Command)
	}
}

func (p CommandPaths) buildFunction(params map[string]any) (Envelope, error) {
	var (
		cmd FunctionCommand
		err error
	)
	if cmd.Function, err = requiredString(params, "function"); err != nil {
		return Envelope{}, err
	}
	if cmd.Function, err = SanitizeKey(cmd.Function); err != nil {
		return Envelope{}, err
	}
	action, err := requiredString(params, "action")
	if err != nil {
		return Envelope{}, err
	}
	if cmd.Action, err = SanitizeAction(action); err != nil {
		return Envelope{}, err
	}
	if cmd.Duration, err = optionalInt(params, "duration"); err != nil {
		return Envelope{}, err
	}
	if cmd.Speed, err = optionalInt(params, "speed"); err != nil {
		return Envelope{}, err
	}
	if err := ValidateStruct(&cmd); err != nil {
		return Envelope{}, err
	}

	return CommandEnvelope(p.method(), p.Function,
		Param{Key: "function", Value: cmd.Function},
		Param{Key: "action", Value: cmd.Action},
		Param{Key: "duration", Value: strconv.Itoa(cmd.Duration)},
		Param{Key: "speed", Value: strconv.Itoa(cmd.Speed)},
	), nil
}

func (p CommandPaths) buildTarget(params map[string]any) (Envelope, error) {
	var (
		cmd TargetCommand
		err error
	)
	if cmd.Target, err = requiredString(params, "target"); err != nil {
		return Envelope{}, err
	}
	if cmd.Target, err = SanitizeKey(cmd.Target); err != nil {
		return Envelope{}, err
	}
	value, ok, err := number(params, "value")
	if err != nil {
		return Envelope{}, err
	}
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing 'value' parameter", ErrValidation)
	}
	if cmd.Value, err = SanitizeFloat("value", value, MinTargetValue, MaxTargetValue); err != nil {
		return Envelope{}, err
	}
	if err := ValidateStruct(&cmd); err != nil {
		return Envelope{}, err
	}

	return CommandEnvelope(p.method(), p.Target,
		Param{Key: "target", Value: cmd.Target},
		Param{Key: "value", Value: strconv.FormatFloat(cmd.Value, 'f', -1, 64)},
	), nil
}

func buildRaw(params map[string]any) (Envelope, error) {
	var (
		req RawRequest
		err error
	)
	if req.Path, err = requiredString(params, "path"); err != nil {
		return Envelope{}, err
	}
	if req.Path, err = SanitizePath(req.Path); err != nil {
		return Envelope{}, err
	}
	req.Method = http.MethodGet
	if m, ok := params["method"]; ok {
		s, isString := m.(string)
		if !isString {
			return Envelope{}, fmt.Errorf("%w: 'method' must be a string", ErrValidation)
		}
		req.Method = strings.ToUpper(strings.TrimSpace(s))
	}

	if raw, ok := params["params"]; ok && raw != nil {
		fields, isMap := raw.(map[string]any)
		if !isMap {
			return Envelope{}, fmt.Errorf("%w: 'params' must be an object", ErrValidation)
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := scalarString(k, fields[k])
			if err != nil {
				return Envelope{}, err
			}
			req.Params = append(req.Params, Param{Key: k, Value: v})
		}
	}
	if req.Params, err = SanitizeParams(req.Params); err != nil {
		return Envelope{}, err
	}
	if err := ValidateStruct(&req); err != nil {
		return Envelope{}, err
	}

	return CommandEnvelope(req.Method, req.Path, req.Params...), nil
}

func (p CommandPaths) method() string {
	if p.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(p.Method)
}

func requiredString(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: missing '%s' parameter", ErrValidation, key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: '%s' must be a string", ErrValidation, key)
	}
	return s, nil
}

// number accepts JSON numbers (float64) and Go integer types.
func number(params map[string]any, key string) (float64, bool, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, true, nil
	case float32:
		return float64(v), true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	default:
		return 0, false, fmt.Errorf("%w: '%s' must be a number", ErrValidation, key)
	}
}

func optionalInt(params map[string]any, key string) (int, error) {
	f, ok, err := number(params, key)
	if err != nil || !ok {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: '%s' must be a whole number", ErrValidation, key)
	}
	if f < math.MinInt32 || f > math.MaxInt32 {
		return 0, fmt.Errorf("%w: '%s' out of range", ErrValidation, key)
	}
	return int(f), nil
}

// scalarString renders a raw request parameter.
func scalarString(key string, v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		if t {
			return "1", nil
		}
		return "0", nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", fmt.Errorf("%w: param %q is not finite", ErrValidation, key)
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: param %q must be a scalar", ErrValidation, key)
	}
}
