package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmBackend adapts a gollm.LLM instance to the Backend interface. It
// translates conversation snapshots into gollm prompts and synthesizes a
// well-formed delta sequence from gollm generations: non-streaming providers
// produce a single text run, streaming providers forward native tokens.
// Retries happen above this layer, so gollm's own retries are disabled.
type GollmBackend struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmOption configures a GollmBackend.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithModel sets the default model for the backend.
func WithModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmBackend creates a backend for the given provider. If apiKey is
// empty, gollm reads it from the provider's environment variable.
func NewGollmBackend(provider, apiKey string, opts ...GollmOption) (*GollmBackend, error) {
	cfg := &gollmConfig{maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		switch provider {
		case "anthropic":
			model = "claude-sonnet-4-5-20250514"
		default:
			model = "gpt-4o-mini"
		}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating gollm LLM for provider %s: %w", provider, err)
	}
	return &GollmBackend{provider: provider, llm: llm, model: model}, nil
}

// Name returns the provider identifier.
func (b *GollmBackend) Name() string {
	return b.provider
}

// Stream opens a model call and returns the typed delta channel.
func (b *GollmBackend) Stream(ctx context.Context, req Request) (<-chan Delta, error) {
	prompt, err := b.buildPrompt(req)
	if err != nil {
		return nil, err
	}
	b.applyRequestOptions(req)

	ch := make(chan Delta, 64)

	if !b.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := b.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- Delta{Kind: DeltaError, Err: b.classifyError(err)}
				return
			}
			b.emitSynthesized(ch, req, text)
		}()
		return ch, nil
	}

	stream, err := b.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, b.classifyError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		started := false
		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- Delta{Kind: DeltaError, Err: b.classifyError(err)}
				return
			}
			if token == nil {
				continue
			}
			if !started {
				ch <- Delta{Kind: DeltaTextStart}
				started = true
			}
			ch <- Delta{Kind: DeltaText, Text: token.Text}
			full.WriteString(token.Text)
		}
		if started {
			ch <- Delta{Kind: DeltaTextEnd}
		}
		resp := b.buildResponse(req, full.String())
		for _, call := range resp.ToolCalls() {
			ch <- Delta{Kind: DeltaToolCallStart, ToolID: call.ID, ToolName: call.Name}
		}
		ch <- Delta{Kind: DeltaFinish, Response: resp}
	}()

	return ch, nil
}

// emitSynthesized turns a complete generation into the delta sequence a
// streaming provider would have produced. Tool-call JSON is stripped from
// the text run and surfaced only via DeltaToolCallStart plus the aggregated
// response, so consumers never see partial tool syntax.
func (b *GollmBackend) emitSynthesized(ch chan<- Delta, req Request, text string) {
	resp := b.buildResponse(req, text)
	if clean := resp.Text(); clean != "" {
		ch <- Delta{Kind: DeltaTextStart}
		ch <- Delta{Kind: DeltaText, Text: clean}
		ch <- Delta{Kind: DeltaTextEnd}
	}
	for _, call := range resp.ToolCalls() {
		ch <- Delta{Kind: DeltaToolCallStart, ToolID: call.ID, ToolName: call.Name}
	}
	ch <- Delta{Kind: DeltaFinish, Response: resp}
}

// buildPrompt converts a Request into a gollm Prompt.
func (b *GollmBackend) buildPrompt(req Request) (*gollm.Prompt, error) {
	var systemPrompt string
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt += msg.TextContent() + "\n"
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, part := range msg.Content {
				if part.Kind == ContentToolCall && part.ToolCall != nil {
					parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s(%s)",
						part.ToolCall.ID, part.ToolCall.Name, string(part.ToolCall.Arguments)))
				}
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind == ContentToolResult && part.ToolResult != nil {
					prefix := "[Tool Result]"
					if part.ToolResult.IsError {
						prefix = "[Tool Error]"
					}
					parts = append(parts, prefix+": "+part.ToolResult.Content)
				}
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	promptOpts := []gollm.PromptOption{}
	if systemPrompt != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.TrimSpace(systemPrompt), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...), nil
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
func (b *GollmBackend) applyRequestOptions(req Request) {
	if req.Model != "" {
		b.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		b.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		b.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs the aggregated Response from generated text.
func (b *GollmBackend) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = b.model
	}

	var parts []ContentPart
	calls := parseEmbeddedToolCalls(text)
	cleaned := stripToolCallJSON(text, calls)
	if cleaned != "" {
		parts = append(parts, TextPart(cleaned))
	}
	for _, call := range calls {
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: &call})
	}
	if len(parts) == 0 {
		parts = []ContentPart{TextPart(text)}
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	inputTokens := estimateTokens(req)
	outputTokens := len(text) / 4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     b.provider,
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: finish,
		Usage: Usage{
			// gollm does not expose provider usage; estimate from length.
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  inputTokens + outputTokens,
		},
	}
}

// parseEmbeddedToolCalls extracts tool calls gollm returns as JSON in the
// response text.
func parseEmbeddedToolCalls(text string) []ToolCallData {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		start = strings.Index(text, `{"tool_calls"`)
	}
	if start == -1 {
		return nil
	}

	var rawCalls []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &rawCalls); err != nil {
		return nil
	}

	var calls []ToolCallData
	for _, rc := range rawCalls {
		calls = append(calls, ToolCallData{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: rc.Arguments,
		})
	}
	return calls
}

// stripToolCallJSON removes parsed tool call JSON from the text.
func stripToolCallJSON(text string, calls []ToolCallData) string {
	if len(calls) == 0 {
		return text
	}
	result := text
	for _, pattern := range []string{`[{"name"`, `{"tool_calls"`} {
		if idx := strings.Index(result, pattern); idx != -1 {
			result = strings.TrimSpace(result[:idx])
		}
	}
	return result
}

// classifyError converts a gollm error into the backend error taxonomy.
func (b *GollmBackend) classifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := ProviderError{
		BaseError: BaseError{Message: msg, Cause: err},
		Provider:  b.provider,
	}

	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		pe.StatusCode = 401
		return &AuthenticationError{ProviderError: pe}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		pe.StatusCode = 403
		return &AccessDeniedError{ProviderError: pe}
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found"):
		pe.StatusCode = 404
		return &NotFoundError{ProviderError: pe}
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		pe.StatusCode = 429
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case strings.Contains(lower, "context length") || strings.Contains(lower, "too many tokens"):
		pe.StatusCode = 413
		return &ContextLengthError{ProviderError: pe}
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		pe.StatusCode = 500
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{BaseError: BaseError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter") || strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError: pe}
	default:
		pe.Retryable = true
		return &pe
	}
}

// estimateTokens provides a rough token count from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			if part.Kind == ContentText {
				total += len(part.Text) / 4
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
