package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

// ErrEmptyResponse is returned when the backend finishes without any text.
var ErrEmptyResponse = errors.New("oracle returned an empty response")

// Oracle turns a conversation history into the next assistant reply.
type Oracle interface {
	Generate(ctx context.Context, history []*models.Message) (string, error)
	// Stream calls onChunk with each partial delta and returns the complete text.
	Stream(ctx context.Context, history []*models.Message, onChunk func(string) error) (string, error)
}

// runner hides the option types that differ between plain models and agents.
type runner interface {
	generate(ctx context.Context, in []*schema.Message) (*schema.Message, error)
	stream(ctx context.Context, in []*schema.Message) (*schema.StreamReader[*schema.Message], error)
}

type modelRunner struct{ m model.BaseChatModel }

func (r modelRunner) generate(ctx context.Context, in []*schema.Message) (*schema.Message, error) {
	return r.m.Generate(ctx, in)
}

func (r modelRunner) stream(ctx context.Context, in []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	return r.m.Stream(ctx, in)
}

type agentRunner struct{ a *react.Agent }

func (r agentRunner) generate(ctx context.Context, in []*schema.Message) (*schema.Message, error) {
	return r.a.Generate(ctx, in)
}

func (r agentRunner) stream(ctx context.Context, in []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	return r.a.Stream(ctx, in)
}

// Service is an eino backed Oracle. It keeps no conversation state of its
// own: every call receives the full history.
type Service struct {
	run          runner
	systemPrompt string
	logger       *slog.Logger
}

// New builds the oracle for the configured provider. With web search enabled
// the model runs inside a react agent that can call the web_search tool.
func New(ctx context.Context, cfg config.OracleConfig, provider config.ProviderConfig) (*Service, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = provider.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("no model configured for provider %s", cfg.Provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch cfg.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provider.BaseURL,
			Model:   modelName,
			APIKey:  provider.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provider.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURL *string
		if provider.BaseURL != "" {
			baseURL = &provider.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provider.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", cfg.Provider, err)
	}

	svc := &Service{
		run:          modelRunner{m: chatModel},
		systemPrompt: cfg.SystemPrompt,
		logger:       slog.Default().With("module", "oracle"),
	}
	if cfg.WebSearch {
		tools, err := InitTools(ctx)
		if err != nil {
			return nil, err
		}
		if len(tools) > 0 {
			agent, err := react.NewAgent(ctx, &react.AgentConfig{
				ToolCallingModel: chatModel,
				ToolsConfig:      compose.ToolsNodeConfig{Tools: tools},
			})
			if err != nil {
				return nil, fmt.Errorf("init react agent: %w", err)
			}
			svc.run = agentRunner{a: agent}
		}
	}
	svc.logger.Info("oracle ready", "provider", cfg.Provider, "model", modelName, "web_search", cfg.WebSearch)
	return svc, nil
}

// NewWithModel wraps an existing chat model.
func NewWithModel(m model.BaseChatModel, systemPrompt string) *Service {
	return &Service{
		run:          modelRunner{m: m},
		systemPrompt: systemPrompt,
		logger:       slog.Default().With("module", "oracle"),
	}
}

// Generate asks for the complete reply in one call.
func (s *Service) Generate(ctx context.Context, history []*models.Message) (string, error) {
	out, err := s.run.generate(ctx, s.convertMessages(history))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", ErrEmptyResponse
	}
	return out.Content, nil
}

// Stream reads the reply incrementally. Only a clean end of stream counts
// as success; a broken stream is an error even if some text arrived.
func (s *Service) Stream(ctx context.Context, history []*models.Message, onChunk func(string) error) (string, error) {
	reader, err := s.run.stream(ctx, s.convertMessages(history))
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(chunk.Content); err != nil {
				s.logger.Debug("chunk delivery failed", "err", err)
				onChunk = nil
			}
		}
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", ErrEmptyResponse
	}
	return full.String(), nil
}

func (s *Service) convertMessages(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	if s.systemPrompt != "" {
		messages = append(messages, schema.SystemMessage(s.systemPrompt))
	}
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Text})
	}
	return messages
}
