package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/promptbot/internal/classifier"
	"github.com/kalambet/promptbot/internal/serving"
	"github.com/kalambet/promptbot/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   *storage.Store
	Service *serving.Service
}

// NewMCPServer creates an MCP server with all promptbot tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"promptbot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("promptbot classifies short texts into the labels of its training dataset."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("predict",
			mcp.WithDescription("Classify a piece of text and return the predicted label."),
			mcp.WithString("text", mcp.Description("The text to classify"), mcp.Required()),
		),
		mcpPredict(deps),
	)

	s.AddTool(
		mcp.NewTool("train_model",
			mcp.WithDescription("Retrain the classifier from the configured dataset and persist it."),
		),
		mcpTrainModel(deps),
	)

	s.AddTool(
		mcp.NewTool("model_status",
			mcp.WithDescription("Report whether a model is trained and which labels it knows."),
		),
		mcpModelStatus(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"promptbot://predictions/recent",
			"Recent Predictions",
			mcp.WithResourceDescription("Last 10 predictions with their labels"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpPredict(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		label, err := deps.Service.Classify(ctx, text)
		switch {
		case errors.Is(err, serving.ErrNotTrained):
			return mcpError(serving.NotTrainedMessage), nil
		case errors.Is(err, classifier.ErrEmptyInput):
			return mcpError(serving.EmptyInputMessage), nil
		case err != nil:
			return mcpError(fmt.Sprintf("Error loading model: %v", err)), nil
		}

		recordPredictions(deps.Store, "mcp", []string{text}, []string{label})
		return mcpText(label), nil
	}
}

func mcpTrainModel(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Service.Train(ctx, "mcp")
		if err != nil {
			return mcpError(fmt.Sprintf("training failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Trained on %d examples. Labels: %s",
			res.Examples, strings.Join(res.Labels, ", "))), nil
	}
}

func mcpModelStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Service.Status())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		preds, err := deps.Store.ListPredictions(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent predictions: %w", err)
		}

		type predictionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Text      string `json:"text"`
			Label     string `json:"label"`
			Source    string `json:"source"`
		}

		summaries := make([]predictionSummary, len(preds))
		for i, p := range preds {
			text := p.InputText
			if utf8.RuneCountInString(text) > 200 {
				runes := []rune(text)
				text = string(runes[:200]) + "..."
			}
			summaries[i] = predictionSummary{
				ID:        p.ID,
				CreatedAt: p.CreatedAt.Format(time.RFC3339),
				Text:      text,
				Label:     p.Label,
				Source:    p.Source,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal predictions: %w", err)
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
