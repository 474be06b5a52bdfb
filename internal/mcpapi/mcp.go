// Package mcpapi exposes the knowledge base client over the Model Context
// Protocol so local agents can ask questions and manage documents through
// stdio transport.
package mcpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/castoria/kbchat/internal/kbapi"
	"github.com/castoria/kbchat/internal/poller"
	"github.com/castoria/kbchat/internal/source"
)

// Backend abstracts the remote service for the MCP layer. *kbapi.Client
// satisfies it.
type Backend interface {
	QueryAgent(ctx context.Context, req kbapi.QueryRequest) (kbapi.QueryResponse, error)
	ListKnowledgeBases(ctx context.Context) ([]kbapi.KnowledgeBase, error)
	ListDocuments(ctx context.Context, kbID string) ([]poller.Resource, error)
	UploadDocument(ctx context.Context, kbID, filename string, content io.Reader) (poller.Resource, error)
}

// Deps holds dependencies for the MCP server.
type Deps struct {
	Backend Backend
}

// NewServer creates an MCP server with all kbchat tools and resources
// registered.
func NewServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"kbchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("kbchat bridges a remote knowledge base Q&A service: ask questions, inspect collections, upload documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the knowledge base a question and return the answer with its sources."),
			mcp.WithString("query", mcp.Description("The question to ask"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("list_documents",
			mcp.WithDescription("List documents of a knowledge base with their ingestion status."),
			mcp.WithString("knowledge_base_id", mcp.Description("Knowledge base id"), mcp.Required()),
		),
		mcpListDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("upload_document",
			mcp.WithDescription("Upload a document to a knowledge base. Content must be base64 encoded."),
			mcp.WithString("knowledge_base_id", mcp.Description("Knowledge base id"), mcp.Required()),
			mcp.WithString("filename", mcp.Description("Document file name"), mcp.Required()),
			mcp.WithString("content_base64", mcp.Description("Base64-encoded file content"), mcp.Required()),
		),
		mcpUploadDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"kb://knowledge-bases",
			"Knowledge Bases",
			mcp.WithResourceDescription("All knowledge base collections as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKnowledgeBases(deps),
	)

	return s
}

func mcpAsk(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		if strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}

		resp, err := deps.Backend.QueryAgent(ctx, kbapi.QueryRequest{
			Query:   query,
			QueryID: uuid.NewString(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		// MCP has no interactive clarification round-trip; surface the
		// question so the caller can re-ask with a more specific query.
		if c := resp.Clarification; c != nil {
			var b strings.Builder
			fmt.Fprintf(&b, "The service needs clarification before answering: %s\n", c.Prompt)
			for _, opt := range c.Options {
				fmt.Fprintf(&b, "- %s\n", opt.Text)
			}
			b.WriteString("Re-ask with a more specific query.")
			return mcpText(b.String()), nil
		}

		var b strings.Builder
		b.WriteString(resp.Answer)
		if sources := source.NormalizeAll(resp.Sources); len(sources) > 0 {
			b.WriteString("\n\nSources:\n")
			for _, src := range sources {
				fmt.Fprintf(&b, "- %s\n", describeSource(src))
			}
		}
		return mcpText(b.String()), nil
	}
}

func describeSource(src source.Source) string {
	switch s := src.(type) {
	case source.Document:
		if s.PageNumber != nil {
			return fmt.Sprintf("%s (page %d)", s.DocumentName, *s.PageNumber)
		}
		return s.DocumentName
	case source.Web:
		if s.Title != "" {
			return fmt.Sprintf("%s <%s>", s.Title, s.URL)
		}
		return s.URL
	case source.StructuredQuery:
		return fmt.Sprintf("structured query %s", s.APIName)
	case source.GeneratedArtifact:
		return fmt.Sprintf("generated artifact %s", s.Title)
	default:
		return fmt.Sprintf("unrecognized source (%s)", src.Kind())
	}
}

func mcpListDocuments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kbID, err := req.RequireString("knowledge_base_id")
		if err != nil {
			return mcpError("knowledge_base_id is required"), nil
		}

		docs, err := deps.Backend.ListDocuments(ctx, kbID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing documents failed: %v", err)), nil
		}

		type docResult struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Status      string `json:"status"`
			UploadedAt  string `json:"uploaded_at,omitempty"`
			ErrorDetail string `json:"error_detail,omitempty"`
		}
		results := make([]docResult, len(docs))
		for i, d := range docs {
			uploadedAt := ""
			if !d.UploadedAt.IsZero() {
				uploadedAt = d.UploadedAt.Format(time.RFC3339)
			}
			results[i] = docResult{
				ID:          d.ID,
				Name:        d.Name,
				Status:      string(d.Status),
				UploadedAt:  uploadedAt,
				ErrorDetail: d.ErrorDetail,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpUploadDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kbID, err := req.RequireString("knowledge_base_id")
		if err != nil {
			return mcpError("knowledge_base_id is required"), nil
		}
		filename, err := req.RequireString("filename")
		if err != nil {
			return mcpError("filename is required"), nil
		}
		encoded, err := req.RequireString("content_base64")
		if err != nil {
			return mcpError("content_base64 is required"), nil
		}

		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return mcpError("invalid base64 content"), nil
		}

		doc, err := deps.Backend.UploadDocument(ctx, kbID, filename, bytes.NewReader(content))
		if err != nil {
			return mcpError(fmt.Sprintf("upload failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Uploaded %s as document %s (status %s)", filename, doc.ID, doc.Status)), nil
	}
}

func mcpResourceKnowledgeBases(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		kbs, err := deps.Backend.ListKnowledgeBases(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
		}

		b, err := json.Marshal(kbs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal knowledge bases: %w", err)
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
