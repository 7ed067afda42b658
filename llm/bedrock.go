package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/acpbridge/acpbridge/config"
	"github.com/acpbridge/acpbridge/errors"
)

// BedrockClient is a client for Anthropic models hosted on AWS Bedrock.
// Credentials come from the standard AWS environment, not the backend
// API key.
type BedrockClient struct {
	client      *bedrockruntime.Client
	modelID     string
	region      string
	maxTokens   int
	temperature float64
}

// NewBedrockClient builds a Bedrock runtime client from the backend config
// and the ambient AWS configuration.
func NewBedrockClient(ctx context.Context, cfg config.BackendConfig) (*BedrockClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindAuth, "failed to load AWS config")
	}

	client := bedrockruntime.NewFromConfig(awsCfg)

	region := awsCfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return &BedrockClient{
		client:      client,
		modelID:     cfg.Model,
		region:      region,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Chat sends the conversation to the Anthropic model via AWS Bedrock.
func (b *BedrockClient) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*Message, error) {
	bedrockMessages, systemPrompt := convertMessagesToBedrockFormat(messages)

	requestBody, err := createBedrockRequest(bedrockMessages, systemPrompt, tools, b.maxTokens, b.temperature)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindBackend, "failed to invoke Bedrock model")
	}

	return processBedrockResponse(resp.Body)
}

// convertMessagesToBedrockFormat converts the shared message format to the
// Anthropic-on-Bedrock JSON shape.
func convertMessagesToBedrockFormat(messages []Message) ([]map[string]any, string) {
	var bedrockMessages []map[string]any
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemPrompt = msg.Content
		case "user":
			bedrockMessages = append(bedrockMessages, map[string]any{
				"role": "user",
				"content": []map[string]any{
					{
						"type": "text",
						"text": msg.Content,
					},
				},
			})
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var content []map[string]any
				if msg.Content != "" {
					content = append(content, map[string]any{
						"type": "text",
						"text": msg.Content,
					})
				}
				for _, tc := range msg.ToolCalls {
					content = append(content, map[string]any{
						"type":  "tool_use",
						"id":    tc.ID,
						"name":  tc.Name,
						"input": tc.Args,
					})
				}
				bedrockMessages = append(bedrockMessages, map[string]any{
					"role":    "assistant",
					"content": content,
				})
			} else if msg.Content != "" {
				bedrockMessages = append(bedrockMessages, map[string]any{
					"role": "assistant",
					"content": []map[string]any{
						{
							"type": "text",
							"text": msg.Content,
						},
					},
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				bedrockMessages = append(bedrockMessages, map[string]any{
					"role": "user",
					"content": []map[string]any{
						{
							"type":        "tool_result",
							"tool_use_id": msg.ToolCalls[0].ID,
							"content":     msg.Content,
						},
					},
				})
			}
		}
	}

	return bedrockMessages, systemPrompt
}

// createBedrockRequest builds the request body for Anthropic models on Bedrock.
func createBedrockRequest(messages []map[string]any, systemPrompt string, tools []ToolSpec, maxTokens int, temperature float64) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        maxTokens,
		"messages":          messages,
	}

	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if temperature > 0 {
		request["temperature"] = temperature
	}

	if len(tools) > 0 {
		var toolDefs []map[string]any
		for _, t := range tools {
			schema := t.InputSchema
			if schema == nil {
				schema = genericSchema()
			}
			toolDefs = append(toolDefs, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": schema,
			})
		}
		request["tools"] = toolDefs
	}

	return json.Marshal(request)
}

// processBedrockResponse converts a Bedrock response body into the shared
// message format.
func processBedrockResponse(body []byte) (*Message, error) {
	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.WrapKind(err, errors.KindBackend, "failed to unmarshal Bedrock response")
	}

	if errMsg, ok := response["error"]; ok {
		return nil, errors.NewKind(errors.KindBackend, "Bedrock API error: %v", errMsg)
	}

	content, ok := response["content"]
	if !ok {
		return &Message{Role: "assistant", Content: ""}, nil
	}

	contentArray, ok := content.([]any)
	if !ok {
		return nil, errors.NewKind(errors.KindBackend, "unexpected content format in Bedrock response")
	}

	var responseContent string
	var toolCalls []ToolCall
	toolCallIDCounter := 0

	for _, item := range contentArray {
		itemMap, ok := item.(map[string]any)
		if !ok {
			continue
		}
		itemType, ok := itemMap["type"].(string)
		if !ok {
			continue
		}

		switch itemType {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				responseContent += text
			}
		case "tool_use":
			name, ok := itemMap["name"].(string)
			if !ok {
				continue
			}
			input, ok := itemMap["input"].(map[string]any)
			if !ok {
				continue
			}
			id := fmt.Sprintf("call_%d_%s", toolCallIDCounter, name)
			if toolID, ok := itemMap["id"].(string); ok {
				id = toolID
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:   id,
				Name: name,
				Args: input,
			})
			toolCallIDCounter++
		}
	}

	return &Message{
		Role:      "assistant",
		Content:   responseContent,
		ToolCalls: toolCalls,
	}, nil
}
