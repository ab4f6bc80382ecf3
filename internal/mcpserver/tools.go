package mcpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alexjbarnes/toolgate/internal/dispatch"
	"github.com/alexjbarnes/toolgate/internal/rpc"
	"github.com/google/jsonschema-go/jsonschema"
)

// falseSchema matches nothing. Used as additionalProperties to reject
// unknown arguments.
func falseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

// EchoInput holds parameters for echo.
type EchoInput struct {
	Text string `json:"text"`
}

// ServerTimeInput holds parameters for server_time.
type ServerTimeInput struct {
	Timezone string `json:"timezone,omitempty"`
}

// ServerTimeResult is returned by server_time.
type ServerTimeResult struct {
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Unix     int64  `json:"unix"`
}

// SessionInfoResult is returned by session_info.
type SessionInfoResult struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	Transport string `json:"transport"`

	// Timestamps are RFC 3339 in UTC, omitted outside a session.
	CreatedAt      string `json:"created_at,omitempty"`
	LastActivityAt string `json:"last_activity_at,omitempty"`
}

// RegisterBuiltinTools adds the tools every deployment carries.
func RegisterBuiltinTools(s *Server, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}

	tools := []*Tool{
		{
			Name:        "echo",
			Description: "Return the given text unchanged. Useful for checking the stream round trip.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"text": {Type: "string", Description: "Text to echo back"},
				},
				Required:             []string{"text"},
				AdditionalProperties: falseSchema(),
			},
			Handler: echoHandler,
		},
		{
			Name:        "server_time",
			Description: "Current server time in RFC 3339 format, optionally in an IANA timezone.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"timezone": {Type: "string", Description: "IANA timezone name, defaults to UTC"},
				},
				AdditionalProperties: falseSchema(),
			},
			Handler: serverTimeHandler(now),
		},
		{
			Name:        "session_info",
			Description: "Describe the calling session: id, OAuth client, granted scope, transport and activity times.",
			InputSchema: &jsonschema.Schema{
				Type:                 "object",
				AdditionalProperties: falseSchema(),
			},
			Handler: sessionInfoHandler,
		},
	}

	for _, t := range tools {
		if err := s.AddTool(t); err != nil {
			return err
		}
	}

	return nil
}

func echoHandler(_ context.Context, args json.RawMessage) (any, error) {
	var in EchoInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, rpc.ErrInvalidParams(err.Error())
	}

	return in.Text, nil
}

func serverTimeHandler(now func() time.Time) ToolHandler {
	return func(_ context.Context, args json.RawMessage) (any, error) {
		var in ServerTimeInput
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, rpc.ErrInvalidParams(err.Error())
		}

		loc := time.UTC
		if in.Timezone != "" {
			l, err := time.LoadLocation(in.Timezone)
			if err != nil {
				return nil, rpc.ErrInvalidParams("unknown timezone: " + in.Timezone)
			}

			loc = l
		}

		t := now().In(loc)

		return &ServerTimeResult{
			Time:     t.Format(time.RFC3339),
			Timezone: loc.String(),
			Unix:     t.Unix(),
		}, nil
	}
}

func sessionInfoHandler(ctx context.Context, _ json.RawMessage) (any, error) {
	c := dispatch.CallerFrom(ctx)

	return &SessionInfoResult{
		SessionID:      c.SessionID,
		ClientID:       c.ClientID,
		Scope:          c.Scope,
		Transport:      c.Transport,
		CreatedAt:      formatTime(c.CreatedAt),
		LastActivityAt: formatTime(c.LastActiveAt()),
	}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}
