package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/askdocs/internal/rag"
	"github.com/kalambet/askdocs/internal/storage"
)

// NewMCPServer creates the MCP stdio server exposing the ask,
// search_documents, and stats tools plus a document list resource.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"askdocs",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("askdocs — question answering over locally ingested documents. Answers cite the source files they were grounded in."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question answered from the indexed documents. Pass conversation_id to continue an earlier exchange; omit it to start a new conversation (the id comes back in the result)."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue (optional)")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the indexed documents and return the most relevant passages without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of passages (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("stats",
			mcp.WithDescription("Report corpus statistics: document, chunk, conversation, and vector counts."),
		),
		mcpStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docs://sources",
			"Indexed Documents",
			mcp.WithResourceDescription("All indexed documents with fingerprints as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSources(deps),
	)

	return s
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		convID := req.GetString("conversation_id", "")
		if convID == "" {
			conv, err := deps.Store.CreateConversation(ctx, "")
			if err != nil {
				return mcpError(fmt.Sprintf("creating conversation: %v", err)), nil
			}
			convID = conv.ID
		}

		answer, err := deps.Asker.Ask(ctx, convID, question)
		if errors.Is(err, storage.ErrConversationNotFound) {
			return mcpError(fmt.Sprintf("unknown conversation %s", convID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		sources := answer.Sources
		if sources == nil {
			sources = []rag.Citation{}
		}
		out := struct {
			Answer         string         `json:"answer"`
			Sources        []rag.Citation `json:"sources"`
			ConversationID string         `json:"conversation_id"`
			TurnID         string         `json:"turn_id"`
			ContextFree    bool           `json:"context_free"`
		}{
			Answer:         answer.Text,
			Sources:        sources,
			ConversationID: convID,
			TurnID:         answer.TurnID,
			ContextFree:    answer.ContextFree,
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Asker.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		results := make([]chunkJSON, len(chunks))
		for i, c := range chunks {
			results[i] = chunkJSON{
				ChunkID: c.ChunkID,
				Source:  c.Source,
				Seq:     c.Seq,
				Text:    c.Text,
				Score:   c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Store.Stats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("collecting stats: %v", err)), nil
		}
		indexSize, err := deps.Index.Count(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("counting vectors: %v", err)), nil
		}

		out := statsJSON{
			Documents:       st.Documents,
			Chunks:          st.Chunks,
			Conversations:   st.Conversations,
			IndexSize:       indexSize,
			DocumentTypes:   st.DocumentTypes,
			AvgChunksPerDoc: st.AvgChunksPerDoc,
		}
		if !st.LastIngestedAt.IsZero() {
			out.LastIngestedAt = &st.LastIngestedAt
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSources(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Ingest.Sources(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing sources: %w", err)
		}

		out := make([]documentJSON, len(docs))
		for i, d := range docs {
			out[i] = documentJSON{
				ID:          d.ID,
				Path:        d.Path,
				Fingerprint: d.Fingerprint,
				FileType:    d.FileType,
				SizeBytes:   d.SizeBytes,
				ChunkCount:  d.ChunkCount,
				IngestedAt:  d.IngestedAt,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("marshaling sources: %w", err)
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
