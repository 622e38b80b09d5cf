package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Tool name, keyword or regular expression"`
	Category string `json:"category,omitempty" jsonschema:"Restrict results to a category (branches, approvals, audit, search)"`
}

type toolInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Category     string   `json:"category"`
	DeferLoading bool     `json:"defer_loading"`
	Keywords     []string `json:"keywords"`
	Score        int      `json:"score,omitempty"`
	MatchReason  string   `json:"match_reason,omitempty"`
}

type toolSearchOutput struct {
	Tools []toolInfo `json:"tools"`
	Count int        `json:"count"`
}

type toolListInput struct {
	Category string `json:"category,omitempty" jsonschema:"Only list tools in this category"`
}

func toInfo(t *ToolMetadata) toolInfo {
	kw := t.Keywords
	if kw == nil {
		kw = []string{}
	}
	return toolInfo{
		Name:         t.Name,
		Description:  t.Description,
		Category:     string(t.Category),
		DeferLoading: t.DeferLoading,
		Keywords:     kw,
	}
}

func (s *Server) registerSearchTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "tool_search",
		Description: "Search available tools by name, description or keyword",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args toolSearchInput) (*mcp.CallToolResult, toolSearchOutput, error) {
		var toolErr error
		done := s.track(ctx, "tool_search")
		defer func() { done(toolErr) }()

		if strings.TrimSpace(args.Query) == "" {
			toolErr = errors.New("query is required")
			return nil, toolSearchOutput{}, toolErr
		}
		var results []*SearchResult
		if args.Category != "" {
			results = s.toolRegistry.SearchByCategory(args.Query, ToolCategory(args.Category))
		} else {
			results = s.toolRegistry.Search(args.Query)
		}

		out := toolSearchOutput{Tools: []toolInfo{}}
		names := make([]string, 0, len(results))
		for _, r := range results {
			info := toInfo(r.Tool)
			info.Score = r.Score
			info.MatchReason = r.MatchReason
			out.Tools = append(out.Tools, info)
			names = append(names, r.Tool.Name)
		}
		out.Count = len(out.Tools)
		if out.Count == 0 {
			return textResult("No tools found matching: %s", args.Query), out, nil
		}
		return textResult("Found %d tool(s) for query '%s': %s", out.Count, args.Query, strings.Join(names, ", ")), out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "tool_list",
		Description: "List all available tools with their metadata",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args toolListInput) (*mcp.CallToolResult, toolSearchOutput, error) {
		done := s.track(ctx, "tool_list")
		defer done(nil)

		tools := s.toolRegistry.List()
		if args.Category != "" {
			tools = s.toolRegistry.ListByCategory(ToolCategory(args.Category))
		}
		out := toolSearchOutput{Tools: make([]toolInfo, 0, len(tools))}
		for _, t := range tools {
			out.Tools = append(out.Tools, toInfo(t))
		}
		out.Count = len(out.Tools)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Found %d tools", out.Count)}},
		}, out, nil
	})
}
