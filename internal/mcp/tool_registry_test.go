package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *ToolRegistry {
	t.Helper()
	r := NewToolRegistry()
	for _, tool := range catalog {
		require.NoError(t, r.Register(tool))
	}
	return r
}

func TestToolRegistry_Register(t *testing.T) {
	r := NewToolRegistry()
	require.NoError(t, r.Register(&ToolMetadata{Name: "branch_list", Category: CategoryBranches}))

	err := r.Register(&ToolMetadata{Name: "branch_list"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&ToolMetadata{}))
	assert.Equal(t, 1, r.Count())
}

func TestToolRegistry_ListSorted(t *testing.T) {
	r := newTestRegistry(t)
	list := r.List()
	require.Len(t, list, len(catalog))
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].Name, list[i].Name)
	}

	branches := r.ListByCategory(CategoryBranches)
	require.Len(t, branches, 3)
	assert.Equal(t, "branch_get", branches[0].Name)
}

func TestToolRegistry_Search(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name      string
		query     string
		wantFirst string
		wantScore int
		wantReason string
	}{
		{"exact name", "audit_replay", "audit_replay", 3, "exact name match"},
		{"name contains", "insight", "branch_insights", 2, "name contains query"},
		{"name pattern", "^approval_", "approval_submit", 2, "name matches pattern"},
		{"description", "persisted", "branch_get", 1, "description contains query"},
		{"keyword", "high risk", "approval_submit", 1, "keyword contains query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := r.Search(tt.query)
			require.NotEmpty(t, results)
			assert.Equal(t, tt.wantFirst, results[0].Tool.Name)
			assert.Equal(t, tt.wantScore, results[0].Score)
			assert.Equal(t, tt.wantReason, results[0].MatchReason)
		})
	}

	t.Run("empty query", func(t *testing.T) {
		assert.Nil(t, r.Search(""))
	})

	t.Run("invalid regex falls back to literal", func(t *testing.T) {
		assert.Empty(t, r.Search("[unclosed"))
	})

	t.Run("results ordered by score", func(t *testing.T) {
		results := r.Search("branch")
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
	})

	t.Run("by category", func(t *testing.T) {
		results := r.SearchByCategory("list", CategorySearch)
		require.Len(t, results, 1)
		assert.Equal(t, "tool_list", results[0].Tool.Name)
	})
}
