package pool

import (
	"errors"
	"net/http"
	"reflect"
	"testing"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

func TestCommandPaths_Build(t *testing.T) {
	paths := DefaultCommandPaths()

	tests := []struct {
		name       string
		req        CommandRequest
		wantMethod string
		wantPath   string
		wantParams []Param
	}{
		{
			name: "set_function",
			req: CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{
				"function": "PUMP", "action": "on", "duration": float64(30), "speed": float64(2),
			}},
			wantMethod: http.MethodGet,
			wantPath:   "/setFunctionManually",
			wantParams: []Param{
				{Key: "function", Value: "PUMP"},
				{Key: "action", Value: "ON"},
				{Key: "duration", Value: "30"},
				{Key: "speed", Value: "2"},
			},
		},
		{
			name: "set_function without optional fields",
			req: CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{
				"function": "HEATER", "action": "AUTO",
			}},
			wantMethod: http.MethodGet,
			wantPath:   "/setFunctionManually",
			wantParams: []Param{
				{Key: "function", Value: "HEATER"},
				{Key: "action", Value: "AUTO"},
				{Key: "duration", Value: "0"},
				{Key: "speed", Value: "0"},
			},
		},
		{
			name: "set_target",
			req: CommandRequest{Command: CommandSetTarget, Parameters: map[string]any{
				"target": "HEATER_TEMP", "value": 28.5,
			}},
			wantMethod: http.MethodGet,
			wantPath:   "/setTargetValues",
			wantParams: []Param{
				{Key: "target", Value: "HEATER_TEMP"},
				{Key: "value", Value: "28.5"},
			},
		},
		{
			name: "set_target integer value",
			req: CommandRequest{Command: CommandSetTarget, Parameters: map[string]any{
				"target": "PUMP_RPM", "value": 2450,
			}},
			wantMethod: http.MethodGet,
			wantPath:   "/setTargetValues",
			wantParams: []Param{
				{Key: "target", Value: "PUMP_RPM"},
				{Key: "value", Value: "2450"},
			},
		},
		{
			name: "raw request",
			req: CommandRequest{Command: CommandRaw, Parameters: map[string]any{
				"path":   "/setConfig",
				"method": "post",
				"params": map[string]any{"b": float64(2), "a": "x", "c": true},
			}},
			wantMethod: http.MethodPost,
			wantPath:   "/setConfig",
			wantParams: []Param{
				{Key: "a", Value: "x"},
				{Key: "b", Value: "2"},
				{Key: "c", Value: "1"},
			},
		},
		{
			name:       "raw request defaults to GET",
			req:        CommandRequest{Command: CommandRaw, Parameters: map[string]any{"path": "/reboot"}},
			wantMethod: http.MethodGet,
			wantPath:   "/reboot",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := paths.Build(tt.req)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if env.Method() != tt.wantMethod {
				t.Errorf("Method() = %q, want %q", env.Method(), tt.wantMethod)
			}
			if env.Path() != tt.wantPath {
				t.Errorf("Path() = %q, want %q", env.Path(), tt.wantPath)
			}
			if env.Priority() != ratelimit.PriorityHigh {
				t.Errorf("Priority() = %s, want high", env.Priority())
			}
			if !reflect.DeepEqual(env.Params(), tt.wantParams) {
				t.Errorf("Params() = %v, want %v", env.Params(), tt.wantParams)
			}
		})
	}
}

func TestCommandPaths_BuildRejects(t *testing.T) {
	paths := DefaultCommandPaths()

	tests := []struct {
		name    string
		req     CommandRequest
		unknown bool
	}{
		{"empty command", CommandRequest{}, false},
		{"unknown command", CommandRequest{Command: "self_destruct"}, true},
		{"missing function", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"action": "ON"}}, false},
		{"missing action", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"function": "PUMP"}}, false},
		{"bad action", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"function": "PUMP", "action": "toggle"}}, false},
		{"function injection", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"function": "PUMP&x=1", "action": "ON"}}, false},
		{"function not string", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"function": 7.0, "action": "ON"}}, false},
		{"duration too long", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"function": "PUMP", "action": "ON", "duration": 1441.0}}, false},
		{"fractional duration", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"function": "PUMP", "action": "ON", "duration": 1.5}}, false},
		{"negative speed", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"function": "PUMP", "action": "ON", "speed": -1.0}}, false},
		{"speed too high", CommandRequest{Command: CommandSetFunction, Parameters: map[string]any{"function": "PUMP", "action": "ON", "speed": 101.0}}, false},
		{"missing value", CommandRequest{Command: CommandSetTarget, Parameters: map[string]any{"target": "HEATER_TEMP"}}, false},
		{"value not number", CommandRequest{Command: CommandSetTarget, Parameters: map[string]any{"target": "HEATER_TEMP", "value": "28"}}, false},
		{"value too high", CommandRequest{Command: CommandSetTarget, Parameters: map[string]any{"target": "HEATER_TEMP", "value": 10001.0}}, false},
		{"raw missing path", CommandRequest{Command: CommandRaw, Parameters: map[string]any{}}, false},
		{"raw traversal", CommandRequest{Command: CommandRaw, Parameters: map[string]any{"path": "/../admin"}}, false},
		{"raw bad method", CommandRequest{Command: CommandRaw, Parameters: map[string]any{"path": "/x", "method": "DELETE"}}, false},
		{"raw params not object", CommandRequest{Command: CommandRaw, Parameters: map[string]any{"path": "/x", "params": []any{"a"}}}, false},
		{"raw nested param", CommandRequest{Command: CommandRaw, Parameters: map[string]any{"path": "/x", "params": map[string]any{"a": map[string]any{}}}}, false},
		{"raw param delimiter", CommandRequest{Command: CommandRaw, Parameters: map[string]any{"path": "/x", "params": map[string]any{"a": "1|2"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := paths.Build(tt.req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Build() error = %v, want ErrValidation", err)
			}
			if errors.Is(err, ErrUnknownCommand) != tt.unknown {
				t.Errorf("errors.Is(ErrUnknownCommand) = %v, want %v", !tt.unknown, tt.unknown)
			}
		})
	}
}

func TestCommandPaths_Validate(t *testing.T) {
	if err := DefaultCommandPaths().Validate(); err != nil {
		t.Errorf("default paths invalid: %v", err)
	}

	bad := DefaultCommandPaths()
	bad.Method = http.MethodPut
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("PUT method error = %v, want ErrInvalidConfig", err)
	}

	bad = DefaultCommandPaths()
	bad.Target = "setTargetValues"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("relative target path error = %v, want ErrInvalidConfig", err)
	}
}
