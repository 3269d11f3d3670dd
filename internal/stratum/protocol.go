package stratum

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Message is one Stratum JSON-RPC line. Requests carry both ID and Method,
// responses an ID with Result or Error, notifications a Method with null ID.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is the error member of a Stratum response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Stratum error codes. The 2x range follows mining pool convention, the
// negative range is standard JSON-RPC.
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest holds mining.subscribe parameters.
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// SubscribeResponse is the result of a successful mining.subscribe.
type SubscribeResponse struct {
	Subscriptions   [][]string `json:"subscriptions"`
	ExtraNonce1     string     `json:"extranonce1"`
	ExtraNonce2Size int        `json:"extranonce2_size"`
}

// AuthorizeRequest holds mining.authorize parameters.
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest holds mining.submit parameters. VersionBits is the optional
// sixth parameter sent by miners that negotiated version rolling.
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	VersionBits string
}

// ConfigureRequest holds mining.configure parameters (BIP 310).
type ConfigureRequest struct {
	Extensions  []string
	VersionMask string
}

// HasExtension reports whether the configure request names the extension.
func (r *ConfigureRequest) HasExtension(name string) bool {
	return slices.Contains(r.Extensions, name)
}

// NotifyParams holds mining.notify parameters.
type NotifyParams struct {
	JobID        string   `json:"job_id"`
	PrevHash     string   `json:"prevhash"`
	Coinb1       string   `json:"coinb1"`
	Coinb2       string   `json:"coinb2"`
	MerkleBranch []string `json:"merkle_branch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	CleanJobs    bool     `json:"clean_jobs"`
}

// SetDifficultyParams holds mining.set_difficulty parameters.
type SetDifficultyParams struct {
	Difficulty float64 `json:"difficulty"`
}

// ParseMessage decodes one JSON-RPC line.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("parse stratum message: %w", err)
	}
	return &msg, nil
}

// MarshalMessage encodes a message for the wire, without the trailing newline.
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal stratum message: %w", err)
	}
	return data, nil
}

// NewResponse builds a success response to the given request ID.
func NewResponse(id any, result any) *Message {
	return &Message{ID: id, Result: result}
}

// NewErrorResponse builds an error response to the given request ID.
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params []any) *Message {
	return &Message{ID: nil, Method: method, Params: params}
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message is fire-and-forget.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// stringParam extracts params[idx] as a string.
func stringParam(params []any, idx int, name string) (string, error) {
	s, ok := params[idx].(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", name)
	}
	return s, nil
}

// optionalStringParam extracts params[idx] as a string when present,
// tolerating absence and other types.
func optionalStringParam(params []any, idx int) string {
	if idx >= len(params) {
		return ""
	}
	s, _ := params[idx].(string)
	return s
}

// ParseSubscribeRequest decodes mining.subscribe parameters. Both the user
// agent and the resume session ID are optional in the field, so anything
// non-string is tolerated.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("missing user agent parameter")
	}
	return &SubscribeRequest{
		UserAgent: optionalStringParam(params, 0),
		SessionID: optionalStringParam(params, 1),
	}, nil
}

// ParseAuthorizeRequest decodes mining.authorize parameters.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("authorize needs username and password")
	}

	username, err := stringParam(params, 0, "username")
	if err != nil {
		return nil, err
	}
	password, err := stringParam(params, 1, "password")
	if err != nil {
		return nil, err
	}
	return &AuthorizeRequest{Username: username, Password: password}, nil
}

// ParseSubmitRequest decodes mining.submit parameters.
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("submit needs 5 parameters, got %d", len(params))
	}

	var req SubmitRequest
	fields := []struct {
		dst  *string
		name string
	}{
		{&req.Username, "username"},
		{&req.JobID, "job_id"},
		{&req.ExtraNonce2, "extranonce2"},
		{&req.NTime, "ntime"},
		{&req.Nonce, "nonce"},
	}
	for i, f := range fields {
		v, err := stringParam(params, i, f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	req.VersionBits = optionalStringParam(params, 5)
	return &req, nil
}

// ParseConfigureRequest decodes mining.configure parameters. Extension
// options beyond the version-rolling mask are ignored.
func ParseConfigureRequest(params []any) (*ConfigureRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("missing extensions parameter")
	}

	rawExtensions, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("extensions must be a list")
	}

	req := &ConfigureRequest{}
	for _, e := range rawExtensions {
		if name, ok := e.(string); ok {
			req.Extensions = append(req.Extensions, name)
		}
	}

	if len(params) > 1 {
		if options, ok := params[1].(map[string]any); ok {
			if mask, ok := options["version-rolling.mask"].(string); ok {
				req.VersionMask = mask
			}
		}
	}

	return req, nil
}
