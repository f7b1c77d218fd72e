package api

import (
	"net/http"
	"time"
)

// Phase identifies the inspection phase a rule or match belongs to.
type Phase string

const (
	PhaseConnection      Phase = "connection"
	PhaseRequestHeaders  Phase = "request_headers"
	PhaseRequestBody     Phase = "request_body"
	PhaseResponseHeaders Phase = "response_headers"
	PhaseResponseBody    Phase = "response_body"
	PhaseLogging         Phase = "logging"
)

// Valid reports whether p is a phase rules can be bound to.
func (p Phase) Valid() bool {
	switch p {
	case PhaseConnection, PhaseRequestHeaders, PhaseRequestBody, PhaseResponseHeaders, PhaseResponseBody:
		return true
	}
	return false
}

// Direction indicates whether inspection runs on the request or the response side.
type Direction string

const (
	DirectionRequest  Direction = "request"  // client → upstream
	DirectionResponse Direction = "response" // upstream → client
)

// Intervention is the engine's verdict after a feed step.
// A zero Status is treated as http.StatusOK.
type Intervention struct {
	Status     int    `json:"status"`
	Disruptive bool   `json:"disruptive"`
	RuleID     int    `json:"rule_id,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Pending reports whether the intervention carries a verdict that must be acted on.
func (i Intervention) Pending() bool {
	return i.Disruptive || (i.Status != 0 && i.Status != http.StatusOK)
}

// RuleMatch is emitted by the engine every time a rule matches.
type RuleMatch struct {
	RuleID     int       `json:"rule_id"`
	Phase      Phase     `json:"phase"`
	Disruptive bool      `json:"disruptive"`
	Message    string    `json:"message,omitempty"`
	Data       string    `json:"data,omitempty"`
	Log        bool      `json:"log,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Endpoint is one side of the connection tuple.
type Endpoint struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Header is a single name/value pair, kept ordered as received.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// AuditRequest is the request section of an audit record.
type AuditRequest struct {
	Method   string   `json:"method,omitempty"`
	URI      string   `json:"uri,omitempty"`
	Protocol string   `json:"protocol,omitempty"`
	Headers  []Header `json:"headers,omitempty"`
	Body     string   `json:"body,omitempty"`
}

// AuditResponse is the response section of an audit record.
type AuditResponse struct {
	Status   int      `json:"status,omitempty"`
	Protocol string   `json:"protocol,omitempty"`
	Headers  []Header `json:"headers,omitempty"`
	Body     string   `json:"body,omitempty"`
}

// AuditRecord is the single structured record emitted for one exchange.
type AuditRecord struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Connector    string         `json:"connector,omitempty"`
	Client       Endpoint       `json:"client"`
	Server       Endpoint       `json:"server"`
	Request      *AuditRequest  `json:"request,omitempty"`
	Response     *AuditResponse `json:"response,omitempty"`
	Matches      []RuleMatch    `json:"matches,omitempty"`
	Intervention *Intervention  `json:"intervention,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
}

// Intervened reports whether the record describes a disruptive verdict.
func (r *AuditRecord) Intervened() bool {
	return r.Intervention != nil && r.Intervention.Disruptive
}

// CheckRequest describes a synthetic exchange for the CLI `check` command and admin API.
type CheckRequest struct {
	Method         string            `json:"method"`
	URI            string            `json:"uri"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ResponseStatus int               `json:"response_status,omitempty"`
	ResponseBody   string            `json:"response_body,omitempty"`
}

// CheckResponse is the outcome of a synthetic exchange.
type CheckResponse struct {
	Blocked      bool              `json:"blocked"`
	Status       int               `json:"status"`
	Intervention *Intervention     `json:"intervention,omitempty"`
	Steps        map[string]string `json:"steps"`
	Matches      []RuleMatch       `json:"matches,omitempty"`
}

// RuleEngineState mirrors the engine's rule evaluation mode.
type RuleEngineState string

const (
	RuleEngineOn            RuleEngineState = "on"
	RuleEngineOff           RuleEngineState = "off"
	RuleEngineDetectionOnly RuleEngineState = "detection_only"
)

// AuditFormat selects how audit records are rendered.
type AuditFormat string

const (
	AuditFormatJSON   AuditFormat = "json"
	AuditFormatNative AuditFormat = "native"
)
