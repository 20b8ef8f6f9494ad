package domain

import (
	"time"
)

// TelemetrySource identifies where a breadcrumb originated.
type TelemetrySource string

const (
	TelemetryClient     TelemetrySource = "client"
	TelemetryServer     TelemetrySource = "server"
	TelemetryLog        TelemetrySource = "log"
	TelemetryManual     TelemetrySource = "manual"
	TelemetryNetwork    TelemetrySource = "network"
	TelemetryNavigation TelemetrySource = "navigation"
)

// TelemetryItem is a single breadcrumb attached to an outgoing item.
type TelemetryItem struct {
	TimestampMs int64                  `json:"timestamp_ms"`
	Source      TelemetrySource        `json:"source"`
	Level       string                 `json:"level"`
	Type        string                 `json:"type,omitempty"`
	Body        map[string]interface{} `json:"body"`
}

// NewTelemetryItem builds a breadcrumb stamped with the current UTC time.
func NewTelemetryItem(source TelemetrySource, level Level, body map[string]interface{}) TelemetryItem {
	return TelemetryItem{
		TimestampMs: time.Now().UTC().UnixMilli(),
		Source:      source,
		Level:       level.String(),
		Body:        body,
	}
}

// Message is the plain-text body variant.
type Message struct {
	Body  string                 `json:"body"`
	Extra map[string]interface{} `json:"-"`
}

// Frame is one entry of a stack trace.
type Frame struct {
	Filename string `json:"filename"`
	Method   string `json:"method,omitempty"`
	Line     int    `json:"lineno,omitempty"`
}

// ExceptionInfo describes the error value of a trace.
type ExceptionInfo struct {
	Class       string `json:"class"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
}

// Trace is a single exception with its stack.
type Trace struct {
	Frames    []Frame       `json:"frames"`
	Exception ExceptionInfo `json:"exception"`
}

// CrashReport carries a raw platform crash dump.
type CrashReport struct {
	Raw string `json:"raw"`
}

// Body is the tagged payload body. Exactly one field is set; the
// constructors below are the only way payloads are built on the
// submission path.
type Body struct {
	Message     *Message     `json:"message,omitempty"`
	Trace       *Trace       `json:"trace,omitempty"`
	TraceChain  []Trace      `json:"trace_chain,omitempty"`
	CrashReport *CrashReport `json:"crash_report,omitempty"`
}

// MessageBody wraps a plain string report.
func MessageBody(text string) *Body {
	return &Body{Message: &Message{Body: text}}
}

// TraceBody wraps a single exception trace.
func TraceBody(t Trace) *Body {
	return &Body{Trace: &t}
}

// TraceChainBody wraps a cause chain, outermost error first.
func TraceChainBody(chain []Trace) *Body {
	return &Body{TraceChain: chain}
}

// CrashReportBody wraps a raw crash dump.
func CrashReportBody(raw string) *Body {
	return &Body{CrashReport: &CrashReport{Raw: raw}}
}

// ServerInfo is static host metadata attached to every item.
type ServerInfo struct {
	Host        string `json:"host,omitempty"`
	Root        string `json:"root,omitempty"`
	Branch      string `json:"branch,omitempty"`
	CodeVersion string `json:"code_version,omitempty"`
}

// Person identifies the affected user, subject to collection policies.
type Person struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

// RequestInfo is HTTP request context for an item.
type RequestInfo struct {
	URL         string                 `json:"url,omitempty"`
	Method      string                 `json:"method,omitempty"`
	Headers     map[string]string      `json:"headers,omitempty"`
	Params      map[string]interface{} `json:"params,omitempty"`
	QueryString string                 `json:"query_string,omitempty"`
	UserIP      string                 `json:"user_ip,omitempty"`
}

// NotifierInfo names the reporting library on the wire.
type NotifierInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Data is the single-item DTO posted to the ingestion API.
type Data struct {
	Environment string                 `json:"environment"`
	Body        *Body                  `json:"body"`
	Level       string                 `json:"level,omitempty"`
	Timestamp   int64                  `json:"timestamp,omitempty"`
	CodeVersion string                 `json:"code_version,omitempty"`
	Platform    string                 `json:"platform,omitempty"`
	Language    string                 `json:"language,omitempty"`
	Framework   string                 `json:"framework,omitempty"`
	Context     string                 `json:"context,omitempty"`
	Request     *RequestInfo           `json:"request,omitempty"`
	Person      *Person                `json:"person,omitempty"`
	Server      *ServerInfo            `json:"server,omitempty"`
	Client      map[string]interface{} `json:"client,omitempty"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
	Fingerprint string                 `json:"fingerprint,omitempty"`
	Title       string                 `json:"title,omitempty"`
	UUID        string                 `json:"uuid,omitempty"`
	Notifier    *NotifierInfo          `json:"notifier,omitempty"`
	Telemetry   []TelemetryItem        `json:"telemetry,omitempty"`
}
