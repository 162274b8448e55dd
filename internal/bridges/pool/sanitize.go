package pool

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Sanitizer limits.
const (
	maxKeyLength   = 64
	maxPathLength  = 128
	maxTextLength  = 256
	maxParamsCount = 32

	// MaxDurationMinutes bounds the duration of a timed function run.
	MaxDurationMinutes = 1440

	// MaxSpeedPercent bounds pump speed.
	MaxSpeedPercent = 100

	// Target value bounds (setpoints, RPM, percentages).
	MinTargetValue = -100.0
	MaxTargetValue = 10000.0
)

var (
	keyPattern  = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	pathPattern = regexp.MustCompile(`^/[A-Za-z0-9_.\-/]*$`)
)

// forbiddenText are characters with meaning in query strings or in the
// device's composite value encoding.
const forbiddenText = "&=?#|;"

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the package validator with the device rules registered.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Registration only fails on empty tags or nil funcs.
		_ = validate.RegisterValidation("devicekey", isDeviceKey)   //nolint:errcheck // static registration
		_ = validate.RegisterValidation("devicepath", isDevicePath) //nolint:errcheck // static registration
		_ = validate.RegisterValidation("devicetext", isDeviceText) //nolint:errcheck // static registration
	})
	return validate
}

func isDeviceKey(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return len(s) <= maxKeyLength && keyPattern.MatchString(s)
}

func isDevicePath(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) > maxPathLength || !pathPattern.MatchString(s) {
		return false
	}
	return !strings.Contains(s, "..") && !strings.Contains(s, "//")
}

func isDeviceText(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if !utf8.ValidString(s) || len(s) > maxTextLength {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) || strings.ContainsRune(forbiddenText, r) {
			return false
		}
	}
	return true
}

// Action values accepted by set_function.
const (
	ActionOn   = "ON"
	ActionOff  = "OFF"
	ActionAuto = "AUTO"
)

// FunctionCommand switches a named device function (pump, heater, light).
type FunctionCommand struct {
	Function string `json:"function" validate:"required,devicekey"`
	Action   string `json:"action" validate:"required,oneof=ON OFF AUTO"`
	Duration int    `json:"duration,omitempty" validate:"min=0,max=1440"`
	Speed    int    `json:"speed,omitempty" validate:"min=0,max=100"`
}

// TargetCommand sets a numeric target such as a temperature setpoint.
type TargetCommand struct {
	Target string  `json:"target" validate:"required,devicekey"`
	Value  float64 `json:"value" validate:"min=-100,max=10000"`
}

// RawRequest passes an arbitrary write through to the device.
type RawRequest struct {
	Method string  `json:"method,omitempty" validate:"omitempty,oneof=GET POST"`
	Path   string  `json:"path" validate:"required,devicepath"`
	Params []Param `json:"params,omitempty" validate:"max=32,dive"`
}

// paramRule is validated per Param by RawRequest's dive.
type paramRule struct {
	Key   string `validate:"required,devicekey"`
	Value string `validate:"devicetext"`
}

// SanitizeKey trims and validates a parameter or function key.
func SanitizeKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if err := getValidator().Var(s, "required,devicekey"); err != nil {
		return "", validationError("key", s, err)
	}
	return s, nil
}

// SanitizeAction normalises an ON/OFF/AUTO action.
func SanitizeAction(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case ActionOn, ActionOff, ActionAuto:
		return s, nil
	default:
		return "", fmt.Errorf("%w: action %q must be one of ON, OFF, AUTO", ErrValidation, s)
	}
}

// SanitizeInt checks v against [lo, hi].
func SanitizeInt(name string, v, lo, hi int) (int, error) {
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s %d outside [%d, %d]", ErrValidation, name, v, lo, hi)
	}
	return v, nil
}

// SanitizeFloat checks v against [lo, hi] and rejects NaN and infinities.
func SanitizeFloat(name string, v, lo, hi float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s is not a finite number", ErrValidation, name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %s %g outside [%g, %g]", ErrValidation, name, v, lo, hi)
	}
	return v, nil
}

// SanitizeText trims free text and rejects control and delimiter characters.
func SanitizeText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if err := getValidator().Var(s, "devicetext"); err != nil {
		return "", validationError("value", s, err)
	}
	return s, nil
}

// SanitizePath validates a device request path.
func SanitizePath(s string) (string, error) {
	s = strings.TrimSpace(s)
	if err := getValidator().Var(s, "required,devicepath"); err != nil {
		return "", validationError("path", s, err)
	}
	return s, nil
}

// SanitizeParams validates and trims every parameter. Duplicate keys are
// rejected.
func SanitizeParams(params []Param) ([]Param, error) {
	if len(params) > maxParamsCount {
		return nil, fmt.Errorf("%w: %d params exceeds limit of %d", ErrValidation, len(params), maxParamsCount)
	}
	out := make([]Param, 0, len(params))
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		key, err := SanitizeKey(p.Key)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate param %q", ErrValidation, key)
		}
		seen[key] = true
		value, err := SanitizeText(p.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, Param{Key: key, Value: value})
	}
	return out, nil
}

// ValidateStruct runs the tag rules on one of the command types.
func ValidateStruct(s any) error {
	if r, ok := s.(*RawRequest); ok {
		return validateRaw(r)
	}
	if err := getValidator().Struct(s); err != nil {
		return validationError("", "", err)
	}
	return nil
}

func validateRaw(r *RawRequest) error {
	if err := getValidator().Struct(r); err != nil {
		return validationError("", "", err)
	}
	for _, p := range r.Params {
		if err := getValidator().Struct(paramRule(p)); err != nil {
			return validationError("params", p.Key, err)
		}
	}
	return nil
}

// ValidateEnvelope is the last check before an envelope reaches the wire.
// It does not clean input: a path, key or value that sanitizing would alter
// is rejected, since the envelope is sent exactly as built.
func ValidateEnvelope(env Envelope) error {
	switch env.method {
	case http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("%w: method %q not allowed", ErrValidation, env.method)
	}
	if !env.priority.Valid() {
		return fmt.Errorf("%w: priority %s", ErrValidation, env.priority)
	}
	path, err := SanitizePath(env.path)
	if err != nil {
		return err
	}
	if path != env.path {
		return fmt.Errorf("%w: path %q has surrounding whitespace", ErrValidation, env.path)
	}
	params, err := SanitizeParams(env.params)
	if err != nil {
		return err
	}
	for i, p := range params {
		if p != env.params[i] {
			return fmt.Errorf("%w: param %q has surrounding whitespace", ErrValidation, env.params[i].Key)
		}
	}
	return nil
}

// validationError flattens validator errors into a single ErrValidation.
func validationError(field, value string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %s: %v", ErrValidation, field, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := fe.Field()
		if name == "" {
			name = field
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", name, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", name, fe.Tag()))
		}
	}
	if value != "" && len(value) <= maxKeyLength {
		return fmt.Errorf("%w: %s (%q)", ErrValidation, strings.Join(msgs, "; "), value)
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
