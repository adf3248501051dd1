package models

import (
	"encoding/json"
	"net/http"
)

const (
	MessageTypeRequest  = "request"
	MessageTypeResponse = "response"
	MessageTypeError    = "error"
)

// Message is a single frame on the chat tunnel.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Method    string          `json:"method,omitempty"`
	Headers   http.Header     `json:"headers,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`

	// For responses
	StatusCode int `json:"status_code,omitempty"`
}
