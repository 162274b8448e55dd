package pool

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-pool/internal/ratelimit"
)

// Param is one key/value request parameter. Order is preserved on the wire.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Envelope describes one outbound device request. It is immutable once built:
// fields are unexported and Params returns a copy.
type Envelope struct {
	id       string
	method   string
	path     string
	params   []Param
	priority ratelimit.Priority
	issuedAt time.Time
}

// NewEnvelope builds an envelope. params are copied.
func NewEnvelope(method, path string, priority ratelimit.Priority, params ...Param) Envelope {
	var cp []Param
	if len(params) > 0 {
		cp = make([]Param, len(params))
		copy(cp, params)
	}
	return Envelope{
		id:       uuid.NewString(),
		method:   strings.ToUpper(method),
		path:     path,
		params:   cp,
		priority: priority,
		issuedAt: time.Now().UTC(),
	}
}

// ReadEnvelope builds a Normal-priority GET, used by the poller.
func ReadEnvelope(path string, params ...Param) Envelope {
	return NewEnvelope(http.MethodGet, path, ratelimit.PriorityNormal, params...)
}

// CommandEnvelope builds a High-priority request, used for user commands.
func CommandEnvelope(method, path string, params ...Param) Envelope {
	return NewEnvelope(method, path, ratelimit.PriorityHigh, params...)
}

func (e Envelope) ID() string                   { return e.id }
func (e Envelope) Method() string               { return e.method }
func (e Envelope) Path() string                 { return e.path }
func (e Envelope) Priority() ratelimit.Priority { return e.priority }
func (e Envelope) IssuedAt() time.Time          { return e.issuedAt }

// Params returns a copy of the request parameters.
func (e Envelope) Params() []Param {
	if len(e.params) == 0 {
		return nil
	}
	cp := make([]Param, len(e.params))
	copy(cp, e.params)
	return cp
}

// Encode renders the parameters as a query/form string. A parameter with an
// empty value is emitted as a bare key ("ALL" rather than "ALL=").
func (e Envelope) Encode() string {
	var sb strings.Builder
	for i, p := range e.params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.Key))
		if p.Value != "" {
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(p.Value))
		}
	}
	return sb.String()
}

// String returns "METHOD /path" for logs and error messages.
func (e Envelope) String() string {
	return e.method + " " + e.path
}
