package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/lexcodex/widgetry/framework"
)

// Version is reported in the initialize handshake.
var Version = "dev"

const (
	// ProtocolVersion is the MCP revision the server speaks.
	ProtocolVersion = "2025-03-26"
	// WidgetMimeType marks widget HTML resources for the host client.
	WidgetMimeType = "text/html+skybridge"
)

// MCP method names handled by Dispatch.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "notifications/initialized"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
)

// ToolDescription is one entry of a tools/list result.
type ToolDescription struct {
	Name        string                 `json:"name"`
	Title       string                 `json:"title,omitempty"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Meta        map[string]interface{} `json:"_meta,omitempty"`
}

// Resource is one entry of a resources/list result.
type Resource struct {
	URI      string                 `json:"uri"`
	Name     string                 `json:"name"`
	MimeType string                 `json:"mimeType"`
	Meta     map[string]interface{} `json:"_meta,omitempty"`
}

// ResourceContents is the body of a resources/read result.
type ResourceContents struct {
	URI      string                 `json:"uri"`
	MimeType string                 `json:"mimeType"`
	Text     string                 `json:"text"`
	Meta     map[string]interface{} `json:"_meta,omitempty"`
}

// Content is a single content block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is returned from tools/call. Widget failures are reported
// in-band with IsError set, as MCP prescribes.
type CallToolResult struct {
	Content           []Content              `json:"content"`
	StructuredContent framework.Output       `json:"structuredContent,omitempty"`
	IsError           bool                   `json:"isError,omitempty"`
	Meta              map[string]interface{} `json:"_meta,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments framework.Input `json:"arguments"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

// Dispatch executes one MCP method. Errors that should reach the client with
// a specific code are returned as *jsonrpc2.Error.
func (s *WidgetServer) Dispatch(ctx context.Context, method string, params *json.RawMessage) (interface{}, error) {
	switch method {
	case MethodInitialize:
		return s.initialize(), nil
	case MethodInitialized:
		return nil, nil
	case MethodPing:
		return struct{}{}, nil
	case MethodToolsList:
		return map[string]interface{}{"tools": s.listTools()}, nil
	case MethodToolsCall:
		var p callToolParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.callTool(ctx, p)
	case MethodResourcesList:
		return map[string]interface{}{"resources": s.listResources()}, nil
	case MethodResourcesRead:
		var p readResourceParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.readResource(p.URI)
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
	}
}

func decodeParams(params *json.RawMessage, v interface{}) error {
	if params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (s *WidgetServer) initialize() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools":     map[string]interface{}{"listChanged": false},
			"resources": map[string]interface{}{"listChanged": false},
		},
		"serverInfo": map[string]interface{}{
			"name":    s.Name,
			"version": s.Version,
		},
	}
}

func (s *WidgetServer) listTools() []ToolDescription {
	tools := s.Tools.All()
	res := make([]ToolDescription, 0, len(tools))
	for _, tool := range tools {
		schema := tool.Descriptor.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		res = append(res, ToolDescription{
			Name:        tool.Name(),
			Title:       tool.Descriptor.Title,
			Description: toolDescription(tool),
			InputSchema: schema,
			Meta:        toolMeta(tool),
		})
	}
	return res
}

func toolDescription(tool *framework.ToolInstance) string {
	if tool.Descriptor.Description != "" {
		return tool.Descriptor.Description
	}
	return tool.Descriptor.DisplayName()
}

func toolMeta(tool *framework.ToolInstance) map[string]interface{} {
	meta := map[string]interface{}{
		"openai/outputTemplate":         tool.TemplateURI(),
		"openai/widgetAccessible":       true,
		"openai/resultCanProduceWidget": true,
	}
	if tool.Descriptor.Invoking != "" {
		meta["openai/toolInvocation/invoking"] = tool.Descriptor.Invoking
	}
	if tool.Descriptor.Invoked != "" {
		meta["openai/toolInvocation/invoked"] = tool.Descriptor.Invoked
	}
	return meta
}

func resourceMeta(tool *framework.ToolInstance) map[string]interface{} {
	csp := tool.Descriptor.CSP
	resources := append([]string{}, csp.ResourceDomains...)
	connect := append([]string{}, csp.ConnectDomains...)
	return map[string]interface{}{
		"openai/widgetCSP": map[string]interface{}{
			"resource_domains": resources,
			"connect_domains":  connect,
		},
	}
}

func (s *WidgetServer) listResources() []Resource {
	tools := s.Tools.All()
	res := make([]Resource, 0, len(tools))
	for _, tool := range tools {
		res = append(res, Resource{
			URI:      tool.TemplateURI(),
			Name:     tool.Descriptor.DisplayName(),
			MimeType: WidgetMimeType,
			Meta:     resourceMeta(tool),
		})
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].URI < res[j].URI })
	return res
}

func (s *WidgetServer) readResource(uri string) (interface{}, error) {
	tool, ok := s.Tools.GetByTemplate(uri)
	if !ok {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf("unknown resource: %s", uri)}
	}
	return map[string]interface{}{
		"contents": []ResourceContents{{
			URI:      uri,
			MimeType: WidgetMimeType,
			Text:     tool.Build.HTML,
			Meta:     resourceMeta(tool),
		}},
	}, nil
}

func (s *WidgetServer) callTool(ctx context.Context, p callToolParams) (*CallToolResult, error) {
	tool, ok := s.Tools.Get(p.Name)
	if !ok {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", p.Name)}
	}
	framework.EmitTo(s.Telemetry, framework.Event{
		Type:    framework.EventToolCall,
		Tool:    tool.Name(),
		Message: fmt.Sprintf("Calling tool %s", tool.Name()),
	})
	out, err := tool.Execute(ctx, p.Arguments)
	if err != nil {
		framework.EmitTo(s.Telemetry, framework.Event{
			Type:    framework.EventToolResult,
			Level:   framework.LevelError,
			Tool:    tool.Name(),
			Message: fmt.Sprintf("Tool %s failed: %v", tool.Name(), err),
		})
		return &CallToolResult{
			Content: []Content{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	framework.EmitTo(s.Telemetry, framework.Event{
		Type:    framework.EventToolResult,
		Tool:    tool.Name(),
		Message: fmt.Sprintf("Tool %s completed", tool.Name()),
	})
	text := tool.Descriptor.Invoked
	if text == "" {
		text = tool.Descriptor.DisplayName()
	}
	return &CallToolResult{
		Content:           []Content{{Type: "text", Text: text}},
		StructuredContent: out,
		Meta:              toolMeta(tool),
	}, nil
}
