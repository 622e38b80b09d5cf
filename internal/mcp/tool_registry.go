package mcp

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory represents the functional category of a tool.
type ToolCategory string

const (
	// CategoryBranches is for branch state and insight tools.
	CategoryBranches ToolCategory = "branches"
	// CategoryApprovals is for operator response tools.
	CategoryApprovals ToolCategory = "approvals"
	// CategoryAudit is for audit replay tools.
	CategoryAudit ToolCategory = "audit"
	// CategorySearch is for tool discovery (tool_search itself).
	CategorySearch ToolCategory = "search"
)

// ToolMetadata contains metadata about a registered MCP tool.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`

	// DeferLoading marks tools that clients are expected to discover
	// through tool_search rather than the initial listing.
	DeferLoading bool `json:"defer_loading"`

	Keywords []string `json:"keywords,omitempty"`
}

// ToolRegistry indexes tool metadata for discovery.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds a tool. Names must be unique.
func (r *ToolRegistry) Register(tool *ToolMetadata) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("tool %q already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns the metadata for a specific tool.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools sorted by name.
func (r *ToolRegistry) List() []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ListByCategory returns the tools in category sorted by name.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	var result []*ToolMetadata
	for _, tool := range r.List() {
		if tool.Category == category {
			result = append(result, tool)
		}
	}
	return result
}

// Count returns the total number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult contains a tool match from a search query.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`

	// Score indicates match quality (higher is better).
	// 3 = exact name match
	// 2 = name contains query
	// 1 = description/keywords match
	Score int `json:"score"`

	MatchReason string `json:"match_reason"`
}

// Search finds tools matching query, case-insensitively, against names,
// descriptions and keywords. A query that compiles as a regexp is also
// matched as one. Results are ordered by score, then name.
func (r *ToolRegistry) Search(query string) []*SearchResult {
	if query == "" {
		return nil
	}
	queryLower := strings.ToLower(query)
	var regex *regexp.Regexp
	if re, err := regexp.Compile("(?i)" + query); err == nil {
		regex = re
	}

	var results []*SearchResult
	for _, tool := range r.List() {
		if score, reason := matchTool(tool, queryLower, regex); score > 0 {
			results = append(results, &SearchResult{Tool: tool, Score: score, MatchReason: reason})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func matchTool(tool *ToolMetadata, queryLower string, regex *regexp.Regexp) (int, string) {
	nameLower := strings.ToLower(tool.Name)
	switch {
	case nameLower == queryLower:
		return 3, "exact name match"
	case strings.Contains(nameLower, queryLower):
		return 2, "name contains query"
	case regex != nil && regex.MatchString(tool.Name):
		return 2, "name matches pattern"
	case strings.Contains(strings.ToLower(tool.Description), queryLower):
		return 1, "description contains query"
	case regex != nil && regex.MatchString(tool.Description):
		return 1, "description matches pattern"
	}
	for _, kw := range tool.Keywords {
		if strings.Contains(strings.ToLower(kw), queryLower) {
			return 1, "keyword contains query"
		}
		if regex != nil && regex.MatchString(kw) {
			return 1, "keyword matches pattern"
		}
	}
	return 0, ""
}

// SearchByCategory searches within a specific category.
func (r *ToolRegistry) SearchByCategory(query string, category ToolCategory) []*SearchResult {
	var filtered []*SearchResult
	for _, result := range r.Search(query) {
		if result.Tool.Category == category {
			filtered = append(filtered, result)
		}
	}
	return filtered
}
