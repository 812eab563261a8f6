package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/pkg/models"
)

// defaultOpenAIModel is used when neither the request nor the config
// names a model.
const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Used for proxies and tests.
	BaseURL string

	// Model is used when a request does not name one.
	Model string

	// MaxRetries bounds retry attempts for transient request failures.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the base delay between attempts; the actual delay
	// grows linearly. Default: 1s.
	RetryDelay time.Duration
}

// OpenAI streams completions from the OpenAI chat completions API.
// Tool calls arrive on the wire already fragment-shaped: each delta
// carries an index plus whichever of ID, name, and argument text this
// piece holds, so the provider forwards them as fragments unchanged.
// Safe for concurrent use.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.Model,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAI) Name() string {
	return "openai"
}

// Stream starts a streaming completion. Stream setup failures are
// retried with linear backoff when retryable; the call blocks until a
// stream is established or retries are exhausted, then returns a
// channel that closes when the response ends.
func (p *OpenAI) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := p.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		lastErr = p.wrapError(lastErr, chatReq.Model)
		if !Retryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.pump(ctx, stream, chunks, chatReq.Model)
	return chunks, nil
}

// Invoke performs a blocking completion against the non-streaming
// endpoint.
func (p *OpenAI) Invoke(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	chatReq := p.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		lastErr = p.wrapError(lastErr, chatReq.Model)
		if !Retryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Reason:   ReasonUnknown,
			Provider: "openai",
			Model:    chatReq.Model,
			Message:  "response contained no choices",
		}
	}

	choice := resp.Choices[0]
	completion := &agent.Completion{
		Text:       choice.Message.Content,
		StopReason: string(choice.FinishReason),
	}
	for _, call := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: json.RawMessage(call.Function.Arguments),
		})
	}
	return completion, nil
}

// pump converts stream deltas into completion chunks. Text deltas are
// forwarded immediately; tool call deltas are forwarded as fragments
// keyed by the delta's index.
func (p *OpenAI) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- &agent.CompletionChunk{Done: true}
			} else {
				chunks <- &agent.CompletionChunk{Err: p.wrapError(err, model)}
			}
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: delta.Content}
		}

		for _, call := range delta.ToolCalls {
			frag := &models.ToolCallFragment{
				ID:        call.ID,
				Name:      call.Function.Name,
				ArgsDelta: call.Function.Arguments,
			}
			if call.Index != nil {
				frag.Index = *call.Index
			}
			// An empty fragment would open an assembler slot that can
			// never finalize.
			if frag.ID == "" && frag.Name == "" && frag.ArgsDelta == "" {
				continue
			}
			chunks <- &agent.CompletionChunk{Fragment: frag}
		}
	}
}

// buildRequest converts a completion request to the chat completions
// request shape.
func (p *OpenAI) buildRequest(req *agent.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		out.Tools = p.convertTools(req.Tools)
	}
	return out
}

// convertMessages converts history to the chat completions format. The
// system prompt is injected as the leading message; mid-history system
// messages pass through unchanged since the API accepts them anywhere.
// Tool results expand to one message per result, linked by call ID.
func (p *OpenAI) convertMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			converted := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, converted)

		case models.RoleTool:
			for _, res := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}

		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

// convertTools converts tool definitions to function definitions. A
// schema that fails to parse degrades to an empty object schema rather
// than failing the whole request.
func (p *OpenAI) convertTools(defs []agent.ToolDef) []openai.Tool {
	result := make([]openai.Tool, len(defs))

	for i, def := range defs {
		var params map[string]any
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &params); err != nil {
				params = nil
			}
		}
		if params == nil {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		}
	}

	return result
}

func (p *OpenAI) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// wrapError converts SDK errors into classified ProviderErrors.
func (p *OpenAI) wrapError(err error, model string) error {
	if err == nil || IsProviderError(err) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		perr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		perr = perr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			perr = perr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			perr = perr.WithCode(code)
		}
		if apiErr.Type != "" && perr.Code == "" {
			perr = perr.WithCode(apiErr.Type)
		}
		return perr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		perr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
			Message:  "openai request failed",
		}
		return perr.WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError("openai", model, err)
}
