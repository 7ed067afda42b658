package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client      *anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropicClient builds an Anthropic client from the backend config.
func NewAnthropicClient(cfg config.BackendConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.NewKind(errors.KindAuth, "anthropic provider requires an API key")
	}
	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
	)
	return &AnthropicClient{
		client:      &client,
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
	}, nil
}

// Chat sends the conversation to the Anthropic API.
func (a *AnthropicClient) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*Message, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  anthropicMessages,
	}
	if a.temperature > 0 {
		params.Temperature = anthropic.Float(a.temperature)
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	anthropicTools := convertToolsToAnthropicTools(tools)
	params.Tools = make([]anthropic.ToolUnionParam, len(anthropicTools))
	for i := range anthropicTools {
		params.Tools[i] = anthropic.ToolUnionParam{OfTool: &anthropicTools[i]}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackend, "anthropic request failed")
	}
	return processAnthropicResponse(resp)
}

// convertMessagesToAnthropicMessages converts the shared message format to
// Anthropic's. The last system message becomes the system prompt.
func convertMessagesToAnthropicMessages(messages []Message) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var contentItems []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
						OfText: &anthropic.TextBlockParam{Text: msg.Content},
					})
				}
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						continue
					}
					contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							Type:  "tool_use",
							ID:    tc.ID,
							Name:  tc.Name,
							Input: argsBytes,
						}})
				}
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: contentItems,
				})
			} else if msg.Content != "" {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{{
						OfText: &anthropic.TextBlockParam{
							Text: msg.Content,
						},
					}},
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleUser,
					Content: []anthropic.ContentBlockParamUnion{{
						OfToolResult: &anthropic.ToolResultBlockParam{
							ToolUseID: msg.ToolCalls[0].ID,
							Content: []anthropic.ToolResultBlockParamContentUnion{{
								OfText: &anthropic.TextBlockParam{
									Text: msg.Content,
								},
							}},
						},
					},
					}})
			}
		case "system":
			systemPrompt = msg.Content
		}
	}

	return anthropicMessages, systemPrompt
}

// convertToolsToAnthropicTools converts tool specs to Anthropic's format.
func convertToolsToAnthropicTools(tools []ToolSpec) []anthropic.ToolParam {
	if len(tools) == 0 {
		return nil
	}
	var anthropicTools []anthropic.ToolParam
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = genericSchema()
		}
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		})
	}
	return anthropicTools
}

// processAnthropicResponse converts an Anthropic response into the shared
// message format.
func processAnthropicResponse(resp *anthropic.Message) (*Message, error) {
	if len(resp.Content) == 0 {
		return &Message{Role: "assistant", Content: ""}, nil
	}

	var responseContent string
	var toolCalls []ToolCall

	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			responseContent += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, errors.WrapKind(err, errors.KindBackend, "malformed tool call input from anthropic")
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   c.ID,
				Name: c.Name,
				Args: args,
			})
		}
	}

	return &Message{
		Role:      "assistant",
		Content:   responseContent,
		ToolCalls: toolCalls,
	}, nil
}
