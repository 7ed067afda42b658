// Package mcp connects to MCP tool servers declared on a session. The HTTP
// completion adapter advertises the discovered tools to the provider and
// routes approved calls back through here.
package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/acp"
	"github.com/acpbridge/acpbridge/errors"
	"github.com/acpbridge/acpbridge/llm"
)

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	Name string

	log   *zap.Logger
	cmd   *exec.Cmd
	conn  *mcpsdk.ClientSession
	tools map[string]*Tool
}

// Tool is one tool discovered on an MCP server.
type Tool struct {
	name        string
	description string
	inputSchema map[string]any
	client      *Client
}

// Connect starts the MCP server subprocess described by spec and discovers
// its tools.
func Connect(ctx context.Context, spec acp.MCPServer, log *zap.Logger) (*Client, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Stderr = os.Stderr
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "acpbridge", Version: "v1.0.0"}, nil)
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.WrapKind(err, errors.KindBackend, "failed to connect to MCP server '%s'", spec.Name)
	}

	client := &Client{
		Name:  spec.Name,
		log:   log,
		cmd:   cmd,
		conn:  conn,
		tools: make(map[string]*Tool),
	}

	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			client.Close()
			return nil, errors.WrapKind(err, errors.KindBackend, "failed to list tools from MCP server '%s'", spec.Name)
		}

		for _, t := range toolList.Tools {
			client.tools[t.Name] = &Tool{
				name:        t.Name,
				description: t.Description,
				inputSchema: schemaToMap(t.InputSchema),
				client:      client,
			}
		}

		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	log.Info("mcp server connected",
		zap.String("server", spec.Name),
		zap.Int("tools", len(client.tools)))
	return client, nil
}

// schemaToMap round-trips the SDK's schema type into the plain map the
// provider clients take.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// ToolSpecs lists the server's tools in the provider vocabulary.
func (c *Client) ToolSpecs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(c.tools))
	for _, t := range c.tools {
		specs = append(specs, llm.ToolSpec{
			Name:        t.name,
			Description: t.description,
			InputSchema: t.inputSchema,
		})
	}
	return specs
}

// Has reports whether this server provides the named tool.
func (c *Client) Has(toolName string) bool {
	_, ok := c.tools[toolName]
	return ok
}

// Call invokes the named tool and concatenates its text content.
func (c *Client) Call(ctx context.Context, toolName string, args map[string]any) (string, error) {
	if _, ok := c.tools[toolName]; !ok {
		return "", errors.NewKind(errors.KindBackend, "MCP server '%s' has no tool '%s'", c.Name, toolName)
	}
	result, err := c.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.WrapKind(err, errors.KindBackend, "failed to call tool '%s'", toolName)
	}
	var out string
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			out += text.Text
		}
	}
	if result.IsError {
		return "", errors.NewKind(errors.KindBackend, "tool '%s' reported an error: %s", toolName, out)
	}
	return out, nil
}

// Close terminates the MCP server subprocess.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.log.Info("terminating mcp server", zap.String("server", c.Name))
		return c.cmd.Process.Kill()
	}
	return nil
}
