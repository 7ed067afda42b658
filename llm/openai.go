package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
)

// OpenAIClient is a client for the OpenAI Chat Completions API.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewOpenAIClient builds an OpenAI client from the backend config.
// OPENAI_BASE_URL switches the client to a compatible endpoint.
func NewOpenAIClient(cfg config.BackendConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.NewKind(errors.KindAuth, "openai provider requires an API key")
	}

	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The v2 SDK uses functional options for configuration.
	c := openai.NewClient(options...)
	return &OpenAIClient{
		client:      &c,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   int64(cfg.MaxTokens),
	}, nil
}

// Chat sends the conversation to OpenAI and converts the response into the
// shared message format.
func (o *OpenAIClient) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*Message, error) {
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            convertMessagesToOpenAIContent(messages),
		Tools:               convertToolsToOpenAITools(tools),
		MaxCompletionTokens: openai.Int(o.maxTokens),
	}
	if o.temperature > 0 {
		params.Temperature = openai.Float(o.temperature)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackend, "openai request failed")
	}
	return processOpenAIResponse(resp)
}

// processOpenAIResponse converts an OpenAI response into the shared format.
func processOpenAIResponse(resp *openai.ChatCompletion) (*Message, error) {
	if len(resp.Choices) == 0 {
		return &Message{Role: "assistant", Content: ""}, nil
	}

	choice := resp.Choices[0].Message

	if len(choice.ToolCalls) > 0 {
		var toolCalls []ToolCall
		for _, tc := range choice.ToolCalls {
			var toolArgs map[string]any
			// Arguments arrive as a JSON string holding a flat argument map.
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
				return nil, errors.WrapKind(err, errors.KindBackend, "malformed function call arguments from openai")
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: toolArgs,
			})
		}
		return &Message{
			Role:      "assistant",
			Content:   choice.Content,
			ToolCalls: toolCalls,
		}, nil
	}

	return &Message{Role: "assistant", Content: choice.Content}, nil
}

// convertMessagesToOpenAIContent converts the shared message format to
// OpenAI's union message params.
func convertMessagesToOpenAIContent(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case "assistant":
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnion
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						continue
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsBytes),
						},
					})
				}
				assistantMessage.ToolCalls = toolCalls
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case "tool":
			// The tool message carries exactly one ToolCall naming the call
			// it answers.
			if len(msg.ToolCalls) != 1 {
				continue
			}
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCalls[0].ID))
		case "user":
			fallthrough
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts tool specs to the OpenAI tool format.
func convertToolsToOpenAITools(tools []ToolSpec) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = genericSchema()
		}
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  openai.FunctionParameters(schema),
		}))
	}
	return openAITools
}
