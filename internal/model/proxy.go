// Package model defines shared types for the proxy.
package model

import (
	"encoding/json"
	"net/http"
)

// Form field names accepted on the inbound request and emitted on the outbound one.
const (
	FieldImage1  = "image1"
	FieldImage2  = "image2"
	FieldImage3  = "image3"
	FieldVersion = "v"
	FieldType    = "t"
)

// ImageFields lists the image parts in the order they are forwarded.
var ImageFields = []string{FieldImage1, FieldImage2, FieldImage3}

// ImagePart is one uploaded file. Only Data is forwarded; Filename and
// ContentType are kept for logging.
type ImagePart struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}

// AnalyzeRequest is the decoded inbound form.
type AnalyzeRequest struct {
	Image1  *ImagePart `validate:"required"`
	Image2  *ImagePart `validate:"required"`
	Image3  *ImagePart `validate:"required"`
	Version string
	Type    string
}

// Images returns the three parts in forwarding order. Missing parts are nil.
func (r *AnalyzeRequest) Images() []*ImagePart {
	return []*ImagePart{r.Image1, r.Image2, r.Image3}
}

// UpstreamResponse is the raw upstream reply after the body has been read.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ResultKind classifies an upstream reply.
type ResultKind int

const (
	// ResultSuccess is a JSON body with a 2xx status.
	ResultSuccess ResultKind = iota
	// ResultAPIError is a JSON body with a non-2xx status.
	ResultAPIError
	// ResultNotJSON is a body that does not parse as JSON, whatever the status.
	ResultNotJSON
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultAPIError:
		return "api_error"
	case ResultNotJSON:
		return "not_json"
	default:
		return "unknown"
	}
}

// UpstreamResult is the interpreted upstream reply.
type UpstreamResult struct {
	Kind       ResultKind
	StatusCode int
	Body       json.RawMessage // compacted JSON; set for ResultSuccess and ResultAPIError
	Raw        string          // truncated raw body; set for ResultNotJSON
}

// ErrorStatus is the fixed value of ErrorResponse.Status.
const ErrorStatus = "error"

// ErrorResponse is the JSON body returned for every failure.
type ErrorResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
	Raw     *string         `json:"raw,omitempty"`
	Code    string          `json:"code,omitempty"`
	Type    string          `json:"type,omitempty"`
}

// NewErrorResponse returns an ErrorResponse with Status set to "error".
func NewErrorResponse(message string) *ErrorResponse {
	return &ErrorResponse{Status: ErrorStatus, Message: message}
}
