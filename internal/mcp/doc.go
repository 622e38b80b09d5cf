// Package mcp exposes the orchestrator to MCP clients over stdio.
//
// Tools cover branch inspection, next-action insights, approval responses
// and audit replay, plus tool discovery via tool_search. Text returned to
// clients passes through the redactor when one is configured.
package mcp
