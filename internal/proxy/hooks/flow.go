// Package hooks decides how intercepted upstream traffic is rewritten. The
// interception engine owns the connection; it hands each request and response
// to the adapter as a Flow and applies the mutated flow it gets back.
package hooks

import "net/http"

// Flow is one intercepted exchange. Response fields are empty before the
// upstream answered.
type Flow struct {
	Method         string      `json:"method"`
	Host           string      `json:"host"`
	Path           string      `json:"path"` // includes the query string
	RequestHeader  http.Header `json:"request_headers"`
	StatusCode     int         `json:"status_code,omitempty"`
	ResponseHeader http.Header `json:"response_headers,omitempty"`
	ResponseBody   []byte      `json:"response_body,omitempty"`
}

// Action names what the adapter did with a flow.
type Action string

const (
	ActionIgnore      Action = "ignore"
	ActionSkipSelf    Action = "skip_self"
	ActionBlock       Action = "block"
	ActionPassthrough Action = "passthrough"
	ActionReject      Action = "reject"
	ActionRewrite     Action = "rewrite"
	ActionRefresh     Action = "refresh"
	ActionBan         Action = "ban"
	ActionSubstitute  Action = "substitute"
)

// SyntheticResponse replaces the upstream call entirely.
type SyntheticResponse struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
}

// RequestDecision is the outcome of OnRequest.
type RequestDecision struct {
	Action    Action             `json:"action"`
	Email     string             `json:"email,omitempty"`
	Synthetic *SyntheticResponse `json:"synthetic,omitempty"`
}

// ResponseDecision is the outcome of OnResponse.
type ResponseDecision struct {
	Action Action `json:"action"`
	Email  string `json:"email,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (f *Flow) requestHeader() http.Header {
	if f.RequestHeader == nil {
		f.RequestHeader = http.Header{}
	}
	return f.RequestHeader
}

func (f *Flow) responseHeader() http.Header {
	if f.ResponseHeader == nil {
		f.ResponseHeader = http.Header{}
	}
	return f.ResponseHeader
}
