package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexcodex/widgetry/artifacts"
	"github.com/lexcodex/widgetry/framework"
	"github.com/lexcodex/widgetry/plugins"
)

func pizzaDescriptor(id string) framework.Descriptor {
	return framework.Descriptor{
		Identifier: id,
		Title:      "Show " + id,
		Invoking:   "Hand-tossing",
		Invoked:    "Served",
		CSP:        framework.CSP{ResourceDomains: []string{"https://persistent.oaistatic.com"}},
		New: func(build framework.BuildResult) (framework.Widget, error) {
			return framework.WidgetFunc{ID: id, Fn: func(ctx context.Context, input framework.Input) (framework.Output, error) {
				topping, _ := input["pizzaTopping"].(string)
				if topping == "pineapple" {
					return nil, errors.New("not on my watch")
				}
				if topping == "" {
					topping = "Margherita"
				}
				return framework.Output{"pizzaTopping": topping}, nil
			}}, nil
		},
	}
}

func newTestServer(t *testing.T, ids ...string) (*WidgetServer, *framework.MemoryTelemetry) {
	t.Helper()
	var tools []*framework.ToolInstance
	for _, id := range ids {
		tool, err := framework.NewToolInstance(pizzaDescriptor(id), framework.BuildResult{Name: id, Hash: "ab12", HTML: "<div id=\"" + id + "\"></div>"})
		require.NoError(t, err)
		tools = append(tools, tool)
	}
	mem := &framework.MemoryTelemetry{}
	return NewWidgetServer("pizzaz", tools, mem, log.New(io.Discard, "", 0)), mem
}

type rpcReply struct {
	ID     jsonrpc2.ID     `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func postRPC(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, rpcReply) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var reply rpcReply
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	}
	return rec, reply
}

func TestToolsListCarriesTemplateMeta(t *testing.T) {
	srv, _ := newTestServer(t, "pizza-map", "pizza-carousel")
	rec, reply := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, reply.Error)

	var result struct {
		Tools []ToolDescription `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "pizza-map", result.Tools[0].Name)
	assert.Equal(t, "ui://widget/pizza-map-ab12.html", result.Tools[0].Meta["openai/outputTemplate"])
	assert.Equal(t, "Hand-tossing", result.Tools[0].Meta["openai/toolInvocation/invoking"])
	assert.Equal(t, "object", result.Tools[1].InputSchema["type"])
}

func TestToolsCallReturnsStructuredContent(t *testing.T) {
	srv, mem := newTestServer(t, "pizza-map")
	_, reply := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"pizza-map","arguments":{"pizzaTopping":"pepperoni"}}}`)
	require.Nil(t, reply.Error)

	var result CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.False(t, result.IsError)
	assert.Equal(t, "pepperoni", result.StructuredContent["pizzaTopping"])
	assert.Equal(t, "Served", result.Content[0].Text)
	require.Len(t, mem.Events(), 2)
}

func TestToolsCallWithoutArguments(t *testing.T) {
	srv, _ := newTestServer(t, "pizza-map")
	_, reply := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"pizza-map"}}`)
	require.Nil(t, reply.Error)
	var result CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, "Margherita", result.StructuredContent["pizzaTopping"])
}

func TestToolsCallWidgetFailureIsInBand(t *testing.T) {
	srv, mem := newTestServer(t, "pizza-map")
	_, reply := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"pizza-map","arguments":{"pizzaTopping":"pineapple"}}}`)
	require.Nil(t, reply.Error)
	var result CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.True(t, result.IsError)
	assert.Equal(t, "not on my watch", result.Content[0].Text)
	assert.Len(t, mem.ByLevel(framework.LevelError), 1)
}

func TestRPCErrors(t *testing.T) {
	srv, _ := newTestServer(t, "pizza-map")
	cases := []struct {
		body string
		code int64
	}{
		{`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"pizza-shop"}}`, jsonrpc2.CodeInvalidParams},
		{`{"jsonrpc":"2.0","id":6,"method":"tools/call"}`, jsonrpc2.CodeInvalidParams},
		{`{"jsonrpc":"2.0","id":7,"method":"prompts/list"}`, jsonrpc2.CodeMethodNotFound},
		{`{"jsonrpc":"2.0","id":8,"method":"resources/read","params":{"uri":"ui://widget/nope-0000.html"}}`, jsonrpc2.CodeInvalidParams},
		{`{not json`, jsonrpc2.CodeParseError},
	}
	for _, tc := range cases {
		rec, reply := postRPC(t, srv.Handler(), tc.body)
		require.Equal(t, http.StatusOK, rec.Code, tc.body)
		require.NotNil(t, reply.Error, tc.body)
		assert.Equal(t, tc.code, reply.Error.Code, tc.body)
	}
}

func TestNotificationIsAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, _ := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestResourcesReadServesWidgetHTML(t *testing.T) {
	srv, _ := newTestServer(t, "pizza-carousel")
	_, reply := postRPC(t, srv.Handler(), `{"jsonrpc":"2.0","id":9,"method":"resources/read","params":{"uri":"ui://widget/pizza-carousel-ab12.html"}}`)
	require.Nil(t, reply.Error)
	var result struct {
		Contents []ResourceContents `json:"contents"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	require.Len(t, result.Contents, 1)
	assert.Equal(t, WidgetMimeType, result.Contents[0].MimeType)
	assert.Equal(t, `<div id="pizza-carousel"></div>`, result.Contents[0].Text)
	assert.Contains(t, result.Contents[0].Meta, "openai/widgetCSP")
}

func TestHealthzAndMethodCheck(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewWidgetServerSkipsDuplicateIdentifiers(t *testing.T) {
	first, err := framework.NewToolInstance(pizzaDescriptor("pizza-map"), framework.BuildResult{Name: "pizza-map", Hash: "0001"})
	require.NoError(t, err)
	second, err := framework.NewToolInstance(pizzaDescriptor("pizza-map"), framework.BuildResult{Name: "pizza-map", Hash: "0002"})
	require.NoError(t, err)
	mem := &framework.MemoryTelemetry{}

	srv := NewWidgetServer("pizzaz", []*framework.ToolInstance{first, second}, mem, nil)
	require.Equal(t, 1, srv.Tools.Len())
	tool, ok := srv.Tools.Get("pizza-map")
	require.True(t, ok)
	assert.Equal(t, "0001", tool.Build.Hash)
	warnings := mem.ByLevel(framework.LevelWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, framework.EventToolDuplicate, warnings[0].Type)
}

func TestServeStdioRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, "pizza-map")
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.ServeStdio(ctx, serverSide, serverSide) }()

	client := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.PlainObjectCodec{}),
		jsonrpc2.HandlerWithError(func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (interface{}, error) {
			return nil, nil
		}))

	var result CallToolResult
	err := client.Call(ctx, MethodToolsCall, map[string]interface{}{
		"name":      "pizza-map",
		"arguments": map[string]interface{}{"pizzaTopping": "mushroom"},
	}, &result)
	require.NoError(t, err)
	assert.Equal(t, "mushroom", result.StructuredContent["pizzaTopping"])

	err = client.Call(ctx, "prompts/list", nil, &result)
	var rpcErr *jsonrpc2.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("stdio server did not stop after the peer hung up")
	}
}

type fakeRunner struct {
	assets string
	calls  int
}

func (r *fakeRunner) Run(ctx context.Context, req framework.CommandRequest) (string, string, error) {
	r.calls++
	if err := os.MkdirAll(r.assets, 0o755); err != nil {
		return "", "", err
	}
	return "", "", os.WriteFile(filepath.Join(r.assets, "echo-beef.html"), []byte("<echo/>"), 0o644)
}

func newPipelineProject(t *testing.T) (string, *plugins.Table) {
	t.Helper()
	root := t.TempDir()
	tools := filepath.Join(root, "server", "tools")
	require.NoError(t, os.MkdirAll(tools, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tools, "echo_tool.go"), []byte("package tools\n"), 0o644))
	table := plugins.NewTable()
	table.RegisterUnit("echo_tool", pizzaDescriptor("echo"))
	return root, table
}

func TestPipelineAssemblesFromPrebuiltAssets(t *testing.T) {
	root, table := newPipelineProject(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "assets", "echo-00aa.html"), []byte("<echo/>"), 0o644))
	var logs strings.Builder

	p := &Pipeline{Root: root, Table: table, Logger: log.New(&logs, "", 0)}
	srv, err := p.Assemble(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, srv.Tools.Len())
	assert.Equal(t, filepath.Base(root), srv.Name)
	assert.Contains(t, logs.String(), "[INFO] Loading pre-built widgets from assets")
}

func TestPipelineBuildsBeforeIndexing(t *testing.T) {
	root, table := newPipelineProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.json"), []byte("{}"), 0o644))
	runner := &fakeRunner{assets: filepath.Join(root, "assets")}
	mem := &framework.MemoryTelemetry{}

	p := &Pipeline{
		Name:      "echo-server",
		Root:      root,
		Build:     true,
		Builder:   &artifacts.Builder{Root: root, Runner: runner, Telemetry: mem},
		Table:     table,
		Telemetry: mem,
		Logger:    log.New(io.Discard, "", 0),
	}
	srv, err := p.Assemble(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
	tool, ok := srv.Tools.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "beef", tool.Build.Hash)
}

func TestPipelineMissingToolsDir(t *testing.T) {
	p := &Pipeline{Root: t.TempDir(), Table: plugins.NewTable(), Logger: log.New(io.Discard, "", 0)}
	_, err := p.Assemble(context.Background())
	require.Error(t, err)
}
