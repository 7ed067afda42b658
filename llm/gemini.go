package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	model *genai.GenerativeModel
}

// NewGeminiClient builds a Gemini client from the backend config.
func NewGeminiClient(ctx context.Context, cfg config.BackendConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.NewKind(errors.KindAuth, "gemini provider requires an API key")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindAuth, "failed to create genai client")
	}

	model := client.GenerativeModel(cfg.Model)
	if cfg.Temperature > 0 {
		model.SetTemperature(float32(cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(cfg.MaxTokens))
	}

	return &GeminiClient{model: model}, nil
}

// Chat sends the conversation to the Gemini API.
func (g *GeminiClient) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*Message, error) {
	history := convertMessagesToGeminiContent(messages)
	if len(history) == 0 {
		return nil, errors.NewKind(errors.KindValidation, "gemini requires at least one message")
	}

	g.model.Tools = convertToolsToGeminiTools(tools)

	// The last message is the new prompt; everything before it is history.
	lastMessage := history[len(history)-1]

	chatSession := g.model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackend, "failed to send message to Gemini")
	}

	return processGeminiResponse(resp)
}

// convertMessagesToGeminiContent converts the shared message format to
// Gemini's content format. System prompts have no dedicated slot here, so
// they travel as user content; tool results go back as function responses.
func convertMessagesToGeminiContent(messages []Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			parts := []genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case "tool":
			if len(msg.ToolCalls) != 1 {
				continue
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     msg.ToolCalls[0].Name,
					Response: map[string]any{"output": msg.Content},
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return contents
}

// convertToolsToGeminiTools converts tool specs to Gemini's
// FunctionDeclaration format. Gemini takes typed schemas rather than raw
// JSON Schema maps, so arguments nest under a single generic "args" object.
func convertToolsToGeminiTools(tools []ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, t := range tools {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"args": {
						Type:        genai.TypeObject,
						Description: "Arguments for the function call, as a map.",
					},
				},
				Required: []string{"args"},
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// processGeminiResponse converts a Gemini response into the shared format.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*Message, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.NewKind(errors.KindBackend, "received an empty response from Gemini")
	}

	content := resp.Candidates[0].Content
	var responseContent string
	var toolCalls []ToolCall
	callCounter := 0

	for _, part := range content.Parts {
		switch v := part.(type) {
		case genai.Text:
			responseContent += string(v)
		case genai.FunctionCall:
			// Unnest the generic "args" wrapper from convertToolsToGeminiTools
			// when present; otherwise pass the arguments straight through.
			args := v.Args
			if nested, ok := v.Args["args"].(map[string]any); ok {
				args = nested
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   geminiCallID(callCounter, v.Name),
				Name: v.Name,
				Args: args,
			})
			callCounter++
		default:
			return nil, errors.NewKind(errors.KindBackend, "unsupported part type in Gemini response: %T", v)
		}
	}

	return &Message{
		Role:      "assistant",
		Content:   responseContent,
		ToolCalls: toolCalls,
	}, nil
}

// geminiCallID synthesizes a call id; Gemini function calls carry none.
func geminiCallID(n int, name string) string {
	return fmt.Sprintf("call_%d_%s", n, name)
}
