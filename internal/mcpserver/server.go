// Package mcpserver implements the MCP protocol methods on top of the
// dispatcher: initialize, ping, tools/list and tools/call. Tools are
// opaque collaborators with a JSON schema for their arguments.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/alexjbarnes/toolgate/internal/dispatch"
	"github.com/alexjbarnes/toolgate/internal/rpc"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// LatestProtocolVersion is returned when the client asks for a version
// this server does not know.
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// Method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// ToolHandler runs a tool. args has already been validated against the
// tool's input schema. Returning a *rpc.Error surfaces that code; any
// other error is reported to the client as an internal error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool describes a collaborator exposed through tools/call.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     ToolHandler

	resolved *jsonschema.Resolved
}

// Server holds the tool registry and answers protocol methods.
type Server struct {
	info         *mcp.Implementation
	instructions string
	logger       *slog.Logger

	mu    sync.RWMutex
	tools map[string]*Tool
}

// New creates a server that reports info in its initialize result.
func New(info *mcp.Implementation, instructions string, logger *slog.Logger) *Server {
	return &Server{
		info:         info,
		instructions: instructions,
		logger:       logger,
		tools:        make(map[string]*Tool),
	}
}

// AddTool registers a tool. The input schema is resolved once here so
// calls only pay for validation.
func (s *Server) AddTool(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}

	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}

	if t.InputSchema == nil {
		t.InputSchema = &jsonschema.Schema{Type: "object"}
	}

	resolved, err := t.InputSchema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %q: resolving input schema: %w", t.Name, err)
	}

	t.resolved = resolved

	s.mu.Lock()
	s.tools[t.Name] = t
	s.mu.Unlock()

	return nil
}

// Register installs the protocol methods on d.
func (s *Server) Register(d *dispatch.Dispatcher) {
	d.Register(MethodInitialize, s.handleInitialize)
	d.Register(MethodInitialized, func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	d.Register(MethodPing, func(context.Context, json.RawMessage) (any, error) { return struct{}{}, nil })
	d.Register(MethodToolsList, s.handleToolsList)
	d.Register(MethodToolsCall, s.handleToolsCall)
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ClientInfo      *mcp.Implementation `json:"clientInfo,omitempty"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type serverCapabilities struct {
	Tools *toolsCapability `json:"tools,omitempty"`
}

// InitializeResult is the initialize response and the params of the
// initialization notification sent when a stream opens.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    serverCapabilities  `json:"capabilities"`
	ServerInfo      *mcp.Implementation `json:"serverInfo"`
	Instructions    string              `json:"instructions,omitempty"`
}

// Capabilities returns the initialize result for the latest protocol
// version.
func (s *Server) Capabilities() *InitializeResult {
	return s.initializeResult(LatestProtocolVersion)
}

func (s *Server) initializeResult(version string) *InitializeResult {
	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities:    serverCapabilities{Tools: &toolsCapability{ListChanged: true}},
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}
}

func (s *Server) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpc.ErrInvalidParams("malformed initialize params")
		}
	}

	version := LatestProtocolVersion
	if slices.Contains(supportedProtocolVersions, p.ProtocolVersion) {
		version = p.ProtocolVersion
	}

	attrs := []any{
		slog.String("requested_version", p.ProtocolVersion),
		slog.String("version", version),
		slog.String("session_id", dispatch.CallerFrom(ctx).SessionID),
	}
	if p.ClientInfo != nil {
		attrs = append(attrs, slog.String("client_name", p.ClientInfo.Name))
	}

	s.logger.Info("client initialized", attrs...)

	return s.initializeResult(version), nil
}

// Tools returns the registered tool descriptors sorted by name.
func (s *Server) Tools() []*mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, &mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func (s *Server) handleToolsList(context.Context, json.RawMessage) (any, error) {
	return &mcp.ListToolsResult{Tools: s.Tools()}, nil
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p callToolParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, rpc.ErrInvalidParams("tools/call requires a tool name")
	}

	s.mu.RLock()
	t, ok := s.tools[p.Name]
	s.mu.RUnlock()

	if !ok {
		return nil, rpc.ErrInvalidParams("unknown tool: " + p.Name)
	}

	args := p.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return nil, rpc.ErrInvalidParams("arguments must be valid JSON")
	}

	if err := t.resolved.Validate(instance); err != nil {
		return nil, rpc.ErrInvalidParams(fmt.Sprintf("invalid arguments for %s: %v", t.Name, err))
	}

	v, err := t.Handler(ctx, args)
	if err != nil {
		return nil, err
	}

	if res, ok := v.(*mcp.CallToolResult); ok {
		return res, nil
	}

	return textResult(v), nil
}

// textResult builds a CallToolResult with JSON text content from any
// value, carrying the value as structured content too.
func textResult(v any) *mcp.CallToolResult {
	if s, ok := v.(string); ok {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: s}},
		}
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(data)}},
		StructuredContent: v,
	}
}
