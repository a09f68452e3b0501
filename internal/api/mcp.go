package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/medbridge/internal/pipeline"
	"github.com/kalambet/medbridge/internal/retrieval"
	"github.com/kalambet/medbridge/internal/storage"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Messages  Messages
	Retriever Retriever
	Queues    QueueStats // optional; if nil, the queues resource is not registered
}

// NewMCPServer creates an MCP server exposing message submission, status,
// retrieval and clinician assistance as tools.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"medbridge",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("medbridge translates patient and clinician messages and retrieves medical context for a conversation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("retrieve_context",
			mcp.WithDescription("Retrieve the context chunks most relevant to a query from a conversation's collections."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation whose scoped and linked collections are searched")),
			mcp.WithNumber("top_k", mcp.Description("Maximum number of chunks (default 5)")),
			mcp.WithBoolean("include_defaults", mcp.Description("Also search the default global collections")),
		),
		mcpRetrieveContext(deps),
	)

	s.AddTool(
		mcp.NewTool("message_status",
			mcp.WithDescription("Return the stage, status and partial results of a submitted message."),
			mcp.WithString("message_id", mcp.Description("Message ID"), mcp.Required()),
		),
		mcpMessageStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_message",
			mcp.WithDescription("Submit a text message to a conversation for translation."),
			mcp.WithString("conversation_id", mcp.Description("Conversation ID"), mcp.Required()),
			mcp.WithString("sender_role", mcp.Description("patient or clinician"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSubmitMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("request_assistance",
			mcp.WithDescription("Ask for clinician assistance on a conversation. Returns an id to poll with assistance_result."),
			mcp.WithString("conversation_id", mcp.Description("Conversation ID"), mcp.Required()),
			mcp.WithString("kind", mcp.Description("general, cultural, medical or followup (default general)")),
			mcp.WithString("query", mcp.Description("Optional question; defaults to the recent conversation")),
		),
		mcpRequestAssistance(deps),
	)

	s.AddTool(
		mcp.NewTool("assistance_result",
			mcp.WithDescription("Return the state and answer of an assistance request."),
			mcp.WithString("id", mcp.Description("Assistance request ID"), mcp.Required()),
		),
		mcpAssistanceResult(deps),
	)

	if deps.Queues != nil {
		s.AddResource(
			mcp.NewResource(
				"medbridge://queues",
				"Queue Statistics",
				mcp.WithResourceDescription("Pending, leased, completed and failed jobs per queue"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceQueues(deps),
		)
	}

	return s
}

func mcpRetrieveContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		topK := req.GetInt("top_k", 5)
		if topK <= 0 {
			topK = 5
		}
		if topK > 50 {
			topK = 50
		}
		scope := retrieval.Scope{
			ConversationID:  req.GetString("conversation_id", ""),
			IncludeDefaults: req.GetBool("include_defaults", false),
		}

		rc, err := deps.Retriever.Retrieve(ctx, query, scope, topK)
		if err != nil {
			return mcpError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		type chunkResult struct {
			Collection string  `json:"collection"`
			Name       string  `json:"name,omitempty"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
		}
		results := make([]chunkResult, len(rc.Chunks))
		for i, c := range rc.Chunks {
			results[i] = chunkResult{
				Collection: c.CollectionName,
				Name:       c.Name,
				Text:       c.Text,
				Score:      c.Score,
			}
		}
		return mcpJSON(map[string]any{
			"chunks":   results,
			"degraded": rc.Degraded,
		})
	}
}

func mcpMessageStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("message_id")
		if err != nil {
			return mcpError("message_id is required"), nil
		}
		st, err := deps.Messages.GetStatus(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("message %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading message: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpSubmitMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		role, err := req.RequireString("sender_role")
		if err != nil {
			return mcpError("sender_role is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		receipt, err := deps.Messages.Submit(ctx, pipeline.SubmitRequest{
			ConversationID: convID,
			SenderRole:     role,
			Text:           text,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("submit failed: %v", err)), nil
		}
		return mcpJSON(receipt)
	}
}

func mcpRequestAssistance(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		id, err := deps.Messages.RequestAssistance(ctx, convID, req.GetString("kind", ""), req.GetString("query", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("assistance request failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued assistance request %s", id)), nil
	}
}

func mcpAssistanceResult(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		a, err := deps.Messages.GetAssistance(id)
		if err != nil {
			return mcpError(fmt.Sprintf("reading assistance: %v", err)), nil
		}
		return mcpJSON(a)
	}
}

func mcpResourceQueues(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Queues.QueueStats()
		if err != nil {
			return nil, fmt.Errorf("failed to read queue stats: %w", err)
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue stats: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
