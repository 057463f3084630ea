package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/trace"

	"ankie/internal/domain"
	"ankie/internal/infra/config"
	"ankie/internal/infra/tracer"
)

const mcpCallTimeout = 30 * time.Second

// MCPBridge connects to MCP servers and exposes their tools as domain.Tool.
// Tool names are "mcp_<server>_<tool>", which agents list in their Tools.
type MCPBridge struct {
	servers []mcpServerConn
	tools   []domain.Tool
	logger  *slog.Logger
}

type mcpServerConn struct {
	name   string
	client mcpClient
}

// mcpClient is the part of the MCP client the bridge uses.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// NewMCPBridge connects to every configured server and discovers its tools.
// A server that fails to connect fails the bridge; a server whose discovery
// fails is skipped unless all of them fail.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{logger: logger}
	for _, srv := range servers {
		conn, err := b.connect(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.servers = append(b.servers, *conn)
	}
	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func newMCPBridgeWithClients(ctx context.Context, servers []mcpServerConn, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{servers: servers, logger: logger}
	if err := b.discover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MCPBridge) connect(ctx context.Context, srv config.MCPServer) (*mcpServerConn, error) {
	var c mcpClient
	switch srv.Transport {
	case "stdio":
		sc, err := mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		c = sc
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, fmt.Errorf("create http transport: %w", err)
		}
		hc := mcpclient.NewClient(t)
		if err := hc.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http client: %w", err)
		}
		c = hc
	default:
		return nil, fmt.Errorf("%w: unsupported transport %q", domain.ErrInvalidInput, srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "ankie", Version: "1.0.0"}
	if ic, ok := c.(interface {
		Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	}); ok {
		if _, err := ic.Initialize(ctx, initReq); err != nil {
			c.Close()
			return nil, domain.WrapOp("initialize", err)
		}
	}

	b.logger.Info("mcp server connected", "server", srv.Name, "transport", srv.Transport)
	return &mcpServerConn{name: srv.Name, client: c}, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []error
	ok := 0
	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp discovery failed, skipping server", "server", srv.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.name, err))
			continue
		}
		for _, t := range result.Tools {
			b.tools = append(b.tools, newMCPTool(srv.name, srv.client, t, b.logger))
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		ok++
	}
	if ok == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %w", errors.Join(errs...))
	}
	return nil
}

// Tools returns the discovered tools.
func (b *MCPBridge) Tools() []domain.Tool { return b.tools }

// Close shuts down every server connection.
func (b *MCPBridge) Close() error {
	var errs []error
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close failed", "server", srv.name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mcpTool adapts one MCP tool.
type mcpTool struct {
	server   string
	client   mcpClient
	tool     mcp.Tool
	fullName string
	logger   *slog.Logger
}

func newMCPTool(server string, client mcpClient, t mcp.Tool, logger *slog.Logger) *mcpTool {
	return &mcpTool{
		server:   server,
		client:   client,
		tool:     t,
		fullName: "mcp_" + sanitizeName(server) + "_" + sanitizeName(t.Name),
		logger:   logger,
	}
}

func (a *mcpTool) Name() string { return a.fullName }

func (a *mcpTool) Description() string {
	if a.tool.Description != "" {
		return a.tool.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", a.tool.Name, a.server)
}

func (a *mcpTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if a.tool.InputSchema.Properties != nil || a.tool.InputSchema.Required != nil {
		if data, err := json.Marshal(a.tool.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{Name: a.fullName, Description: a.Description(), Parameters: params}
}

func (a *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, a.fullName, a.logger, params,
		func(ctx context.Context, span trace.Span, args map[string]any) (any, error) {
			span.SetAttributes(tracer.StringAttr("mcp.server", a.server))

			req := mcp.CallToolRequest{}
			req.Params.Name = a.tool.Name
			req.Params.Arguments = args

			callCtx, cancel := context.WithTimeout(ctx, mcpCallTimeout)
			defer cancel()
			result, err := a.client.CallTool(callCtx, req)
			if err != nil {
				return nil, fmt.Errorf("mcp %s/%s: %w", a.server, a.tool.Name, errors.Join(domain.ErrToolFailure, err))
			}
			return &domain.ToolResult{Content: mcpContent(result), IsError: result.IsError}, nil
		})
}

// mcpContent flattens a tool result to text. Non-text parts are JSON.
func mcpContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName replaces characters that are not valid in tool names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
