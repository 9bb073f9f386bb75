package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/toolprefs/internal/prefs"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Prefs   *prefs.Manager
	History HistoryLister // optional; get_plugin_history reports an error when nil
	Version string
}

// NewMCPServer creates an MCP server exposing plugin preferences as tools and
// a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"toolprefs",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("toolprefs: per-plugin execution preferences (system or portable binary, enabled, notes)."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_plugin_preference",
			mcp.WithDescription("Return the effective preferences of a plugin. Plugins without a stored record get the defaults."),
			mcp.WithString("plugin_id", mcp.Description("Plugin identifier, e.g. git"), mcp.Required()),
		),
		mcpGetPluginPreference(deps),
	)

	s.AddTool(
		mcp.NewTool("set_plugin_preference",
			mcp.WithDescription("Change one or more preference fields of a plugin. Omitted fields keep their current value."),
			mcp.WithString("plugin_id", mcp.Description("Plugin identifier, e.g. git"), mcp.Required()),
			mcp.WithString("execution_preference",
				mcp.Description("Which binary the plugin should run"),
				mcp.Enum(string(prefs.Auto), string(prefs.System), string(prefs.Portable)),
			),
			mcp.WithBoolean("enabled", mcp.Description("Whether the plugin may run at all")),
			mcp.WithString("notes", mcp.Description("Free-form note shown next to the plugin")),
		),
		mcpSetPluginPreference(deps),
	)

	s.AddTool(
		mcp.NewTool("reset_plugin_preference",
			mcp.WithDescription("Drop the stored record of a plugin so it falls back to the defaults."),
			mcp.WithString("plugin_id", mcp.Description("Plugin identifier, e.g. git"), mcp.Required()),
		),
		mcpResetPluginPreference(deps),
	)

	s.AddTool(
		mcp.NewTool("get_plugin_history",
			mcp.WithDescription("List recent preference changes of a plugin, newest first."),
			mcp.WithString("plugin_id", mcp.Description("Plugin identifier, e.g. git"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default 10)")),
		),
		mcpGetPluginHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"plugins://preferences",
			"Plugin Preferences",
			mcp.WithResourceDescription("Every stored plugin preference record as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePreferences(deps),
	)

	return s
}

func mcpGetPluginPreference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("plugin_id")
		if err != nil || id == "" {
			return mcpError("plugin_id is required"), nil
		}
		return mcpJSON(deps.Prefs.Get(id)), nil
	}
}

func mcpSetPluginPreference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("plugin_id")
		if err != nil || id == "" {
			return mcpError("plugin_id is required"), nil
		}

		fields := make(map[string]any)
		for k, v := range req.GetArguments() {
			if k != "plugin_id" {
				fields[k] = v
			}
		}
		u, err := prefs.UpdateFromFields(fields)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if u.Empty() {
			return mcpError("nothing to change: pass execution_preference, enabled or notes"), nil
		}

		merged, err := deps.Prefs.Update(id, u)
		if err != nil {
			if isValidation(err) {
				return mcpError(err.Error()), nil
			}
			return mcpError(fmt.Sprintf("failed to set preference: %v", err)), nil
		}
		return mcpJSON(merged), nil
	}
}

func mcpResetPluginPreference(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("plugin_id")
		if err != nil || id == "" {
			return mcpError("plugin_id is required"), nil
		}

		removed, err := deps.Prefs.Reset(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to reset preference: %v", err)), nil
		}
		if !removed {
			return mcpText(fmt.Sprintf("%s already uses the defaults", id)), nil
		}
		return mcpText(fmt.Sprintf("Reset %s to defaults", id)), nil
	}
}

func mcpGetPluginHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.History == nil {
			return mcpError("change history is not enabled"), nil
		}
		id, err := req.RequireString("plugin_id")
		if err != nil || id == "" {
			return mcpError("plugin_id is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}

		changes, err := deps.History.ListPreferenceChanges(id, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list history: %v", err)), nil
		}
		if len(changes) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(changes), nil
	}
}

func mcpResourcePreferences(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Prefs.All())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal preferences: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// isValidation reports whether err came from rejecting caller input.
func isValidation(err error) bool {
	return errors.Is(err, prefs.ErrValidation)
}
