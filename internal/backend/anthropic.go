package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// MessagesClient is the subset of the Anthropic SDK the adapter calls. It is
// satisfied by *sdk.MessageService, so tests can substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicAdapter backs the pool with the Claude Messages API.
type AnthropicAdapter struct {
	name  string
	label string
	msg   MessagesClient
	model string
}

const anthropicDefaultMaxTokens = 4096

// NewAnthropic creates an adapter over an existing Messages client.
func NewAnthropic(name, label string, msg MessagesClient, model string) *AnthropicAdapter {
	if label == "" {
		label = name
	}
	return &AnthropicAdapter{name: name, label: label, msg: msg, model: model}
}

// NewAnthropicFromEnv creates an adapter from ANTHROPIC_API_KEY and
// ANTHROPIC_MODEL. Returns nil when the key is unset.
func NewAnthropicFromEnv(name string) *AnthropicAdapter {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil
	}
	model := os.Getenv("ANTHROPIC_MODEL")
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}
	ac := sdk.NewClient(option.WithAPIKey(key))
	return NewAnthropic(name, "Claude", &ac.Messages, model)
}

func (a *AnthropicAdapter) Name() string  { return a.name }
func (a *AnthropicAdapter) Label() string { return a.label }

func (a *AnthropicAdapter) params(req Request) sdk.MessageNewParams {
	maxTok := req.MaxTokens
	if maxTok <= 0 {
		maxTok = anthropicDefaultMaxTokens
	}
	msgs := make([]sdk.MessageParam, 0, len(req.History)+1)
	for _, m := range req.History {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(req.User)))
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTok),
		Messages:  msgs,
		Model:     sdk.Model(a.model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	return params
}

// Generate issues one non-streaming Messages call and joins the text blocks.
func (a *AnthropicAdapter) Generate(ctx context.Context, req Request) (string, Usage, error) {
	msg, err := a.msg.New(ctx, a.params(req))
	if err != nil {
		return "", Usage{}, a.classify(err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if msg.StopReason == "refusal" {
		return "", Usage{}, fmt.Errorf("backend %s: %w: model refused", a.name, ErrPolicy)
	}
	usage := Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return sb.String(), usage, nil
}

// Stream opens a Messages stream and forwards text deltas as chunks.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (Stream, error) {
	st := a.msg.NewStreaming(ctx, a.params(req))
	if err := st.Err(); err != nil {
		return nil, a.classify(err)
	}
	return &anthropicStream{name: a.name, stream: st, classify: a.classify}, nil
}

// classify maps SDK errors to the pool taxonomy. Rate limits and refusals are
// policy; everything else falls back.
func (a *AnthropicAdapter) classify(err error) error {
	low := strings.ToLower(err.Error())
	if strings.Contains(low, "429") || strings.Contains(low, "rate_limit") ||
		strings.Contains(low, "credit balance") {
		return fmt.Errorf("backend %s: %w: %v", a.name, ErrPolicy, err)
	}
	return fmt.Errorf("backend %s: messages call: %w", a.name, err)
}

type anthropicStream struct {
	name     string
	stream   *ssestream.Stream[sdk.MessageStreamEventUnion]
	classify func(error) error
	done     bool
	usage    Usage
}

func (s *anthropicStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.stream.Next() {
		switch ev := s.stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			s.usage.PromptTokens = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return delta.Text, nil
			}
		case sdk.MessageDeltaEvent:
			s.usage.CompletionTokens = int(ev.Usage.OutputTokens)
		case sdk.MessageStopEvent:
			s.done = true
			return "", io.EOF
		}
	}
	s.done = true
	if err := s.stream.Err(); err != nil {
		return "", s.classify(err)
	}
	return "", io.EOF
}

// Usage reports the token usage surfaced by the stream's start/delta events.
func (s *anthropicStream) Usage() Usage { return s.usage }

func (s *anthropicStream) Close() error {
	s.done = true
	return s.stream.Close()
}
