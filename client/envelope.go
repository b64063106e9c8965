package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SuccessEnvelope is the body of every 2xx response. Timestamp is kept raw
// since servers disagree on its format.
type SuccessEnvelope struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"statusCode"`
	Message    Message         `json:"message,omitempty"`
	Path       string          `json:"path,omitempty"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ErrorEnvelope is the body of every non-2xx response
type ErrorEnvelope struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"statusCode"`
	Error      string          `json:"error,omitempty"`
	Message    Message         `json:"message,omitempty"`
	Path       string          `json:"path,omitempty"`
	Timestamp  json.RawMessage `json:"timestamp,omitempty"`
	Errors     []FieldError    `json:"errors,omitempty"`
}

// Message accepts either a string or an array of strings
type Message string

func (m *Message) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = Message(s)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("message is neither a string nor a string array: %w", err)
	}
	*m = Message(strings.Join(parts, "; "))
	return nil
}

// decodeSuccess unpacks the data field of a success envelope into out
func decodeSuccess(body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	var env SuccessEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("invalid response envelope: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("invalid response data: %w", err)
	}
	return nil
}

// decodeError turns a non-2xx response into an *APIError
func decodeError(resp *http.Response, path string) *APIError {
	body, _ := io.ReadAll(resp.Body)
	var env ErrorEnvelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			env.Message = Message(strings.TrimSpace(string(body)))
		}
	}
	if env.Path != "" {
		path = env.Path
	}
	msg := string(env.Message)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		Kind:             KindForStatus(resp.StatusCode, len(env.Errors) > 0),
		StatusCode:       resp.StatusCode,
		Code:             env.Error,
		Message:          msg,
		Path:             path,
		ValidationErrors: env.Errors,
	}
}
