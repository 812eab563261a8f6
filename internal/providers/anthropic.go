// Package providers adapts hosted LLM APIs to the agent.Provider
// interface. Each provider converts the run's messages and tool
// definitions to its SDK's wire format and streams the response back as
// completion chunks, delivering tool calls as indexed fragments for the
// loop's assembler to build.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/reactor/internal/agent"
	"github.com/haasonsaas/reactor/pkg/models"
)

// defaultAnthropicModel is used when neither the request nor the config
// names a model.
const defaultAnthropicModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds consecutive events that produce no output
// before the stream is treated as malformed. Protects against streams
// that flood with empty events.
const maxEmptyStreamEvents = 300

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Used for proxies and tests.
	BaseURL string

	// Model is used when a request does not name one.
	Model string

	// MaxRetries bounds retry attempts for transient request failures.
	// Default: 3.
	MaxRetries int

	// RetryDelay is the base delay between attempts; the actual delay
	// doubles each attempt. Default: 1s.
	RetryDelay time.Duration
}

// Anthropic streams completions from the Anthropic Messages API. Safe
// for concurrent use; each Stream call owns its own goroutine.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	// The SDK retries internally by default. Disable that so this
	// provider's retry loop is the single retry authority.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.Model,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name returns the provider identifier.
func (p *Anthropic) Name() string {
	return "anthropic"
}

// Stream starts a streaming completion. The returned channel closes
// when the response ends; failures arrive as a final Err chunk.
// Requests that fail before producing any event are retried with
// exponential backoff when the failure is retryable; once events flow,
// a mid-stream failure goes to the caller instead, since retrying would
// duplicate already-delivered output.
func (p *Anthropic) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var lastErr error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			if attempt > 0 {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
				select {
				case <-ctx.Done():
					chunks <- &agent.CompletionChunk{Err: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}

			stream := p.client.Messages.NewStreaming(ctx, params)
			if stream.Next() {
				p.pump(stream, chunks, model)
				stream.Close()
				return
			}
			err := stream.Err()
			stream.Close()
			if err == nil {
				// Stream ended with no events and no error.
				chunks <- &agent.CompletionChunk{Done: true}
				return
			}

			lastErr = p.wrapError(err, model)
			if !Retryable(lastErr) {
				chunks <- &agent.CompletionChunk{Err: lastErr}
				return
			}
		}
		chunks <- &agent.CompletionChunk{Err: fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)}
	}()

	return chunks, nil
}

// Invoke performs a blocking completion by draining a stream.
func (p *Anthropic) Invoke(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return drain(chunks)
}

// pump converts SSE events into completion chunks. The caller has
// already consumed the first event with Next; pump processes the
// current event before advancing.
//
// Tool calls arrive across several events: a content_block_start with
// the call's ID and name, then input_json_delta events carrying the
// argument JSON in pieces. Each piece is forwarded as a fragment keyed
// by the event's content block index; the loop's assembler puts the
// call back together.
func (p *Anthropic) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	emptyEvents := 0

	for {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start", "message_delta":
			processed = true

		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type == "tool_use" {
				toolUse := start.ContentBlock.AsToolUse()
				chunks <- &agent.CompletionChunk{
					Fragment: &models.ToolCallFragment{
						Index: int(start.Index),
						ID:    toolUse.ID,
						Name:  toolUse.Name,
					},
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				if delta.Delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Thinking: delta.Delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.Delta.PartialJSON != "" {
					chunks <- &agent.CompletionChunk{
						Fragment: &models.ToolCallFragment{
							Index:     int(delta.Index),
							ArgsDelta: delta.Delta.PartialJSON,
						},
					}
					processed = true
				}
			}

		case "content_block_stop":
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Err: p.wrapError(errors.New("anthropic stream error"), model),
			}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- &agent.CompletionChunk{
					Err: p.wrapError(
						fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents),
						model,
					),
				}
				return
			}
		}

		if !stream.Next() {
			break
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Err: p.wrapError(err, model)}
		return
	}
	chunks <- &agent.CompletionChunk{Done: true}
}

// buildParams converts a completion request to Anthropic API parameters.
func (p *Anthropic) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens(req.MaxTokens)),
	}

	// The Messages API takes the system prompt as a top-level
	// parameter, not a message.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	return params, nil
}

// convertMessages converts history to Anthropic's content block format.
// Assistant turns carry text and tool_use blocks; user and tool turns
// both map to user messages, with tool_result blocks first. System
// messages appearing mid-history (control transfer context) are folded
// into user turns so their content is not lost: the API only accepts a
// system prompt as a top-level parameter.
func (p *Anthropic) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleSystem:
			if msg.Content != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
			continue

		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				input := map[string]any{}
				if len(call.Input) > 0 {
					if err := json.Unmarshal(call.Input, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))

		default:
			for _, res := range msg.ToolResults {
				content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
			}
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// convertTools converts tool definitions to Anthropic's tool schema.
// A nil schema becomes an empty object schema.
func (p *Anthropic) convertTools(defs []agent.ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))

	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
			}
		}

		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		if def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		result = append(result, tool)
	}

	return result, nil
}

func (p *Anthropic) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// maxTokens returns the response token limit, defaulting to 4096: the
// Messages API requires an explicit limit on every request.
func (p *Anthropic) maxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

// wrapError converts SDK errors into classified ProviderErrors,
// extracting the status, error code, and request ID when the failure
// came from the API.
func (p *Anthropic) wrapError(err error, model string) error {
	if err == nil || IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		perr := &ProviderError{
			Provider: "anthropic",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		perr = perr.WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			perr = perr.WithMessage(message)
		} else {
			perr.Message = "anthropic request failed"
		}
		if code != "" {
			perr = perr.WithCode(code)
		}
		if requestID != "" {
			perr = perr.WithRequestID(requestID)
		}
		return perr
	}

	return NewProviderError("anthropic", model, err)
}

// drain consumes a chunk stream and assembles it into a blocking
// completion.
func drain(chunks <-chan *agent.CompletionChunk) (*agent.Completion, error) {
	asm := agent.NewAssembler(agent.RepairLenient, nil)
	var text, thinking strings.Builder

	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		text.WriteString(chunk.Text)
		thinking.WriteString(chunk.Thinking)
		if chunk.Fragment != nil {
			asm.Add(*chunk.Fragment)
		}
	}

	calls, errs := asm.Finalize()
	if len(errs) > 0 {
		return nil, fmt.Errorf("assemble tool calls: %w", errors.Join(errs...))
	}

	stop := "end_turn"
	if len(calls) > 0 {
		stop = "tool_use"
	}
	return &agent.Completion{
		Text:       text.String(),
		Thinking:   thinking.String(),
		ToolCalls:  calls,
		StopReason: stop,
	}, nil
}
