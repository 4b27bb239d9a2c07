package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCPTools lists the tools of an MCP client session and registers a
// handler for each that forwards the call to the server. It returns the
// names that were registered.
func RegisterMCPTools(ctx context.Context, r *Registry, session *sdk.ClientSession) ([]string, error) {
	res, err := session.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}

	var names []string
	for _, t := range res.Tools {
		params, err := mcpParameters(t.InputSchema)
		if err != nil {
			return names, fmt.Errorf("tool %s: %w", t.Name, err)
		}
		r.Register(Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}, mcpHandler(session, t.Name))
		names = append(names, t.Name)
	}
	return names, nil
}

func mcpParameters(schema any) (Parameters, error) {
	p := Parameters{Type: "object", Properties: Properties{}, Required: []string{}}
	if schema == nil {
		return p, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("input schema: %w", err)
	}
	if p.Properties == nil {
		p.Properties = Properties{}
	}
	if p.Required == nil {
		p.Required = []string{}
	}
	return p, nil
}

func mcpHandler(session *sdk.ClientSession, name string) Handler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var arguments map[string]any
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}

		res, err := session.CallTool(ctx, &sdk.CallToolParams{
			Name:      name,
			Arguments: arguments,
		})
		if err != nil {
			return nil, err
		}

		text := mcpText(res.Content)
		if res.IsError {
			if text == "" {
				text = "tool reported an error"
			}
			return nil, errors.New(text)
		}
		if res.StructuredContent != nil {
			return res.StructuredContent, nil
		}
		return map[string]any{"result": text}, nil
	}
}

func mcpText(content []sdk.Content) string {
	var parts []string
	for _, c := range content {
		if t, ok := c.(*sdk.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
