package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

// Extractor turns page content into a dish. A nil dish with a nil error
// means the model found no recipe.
type Extractor interface {
	ExtractDish(ctx context.Context, content string) (*crawler.Dish, error)
}

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4.1-mini"

// Supported providers.
const (
	ProviderAzure  = "azure"
	ProviderOpenAI = "openai"
)

// Config selects and tunes the chat completion backend. An empty
// SystemPrompt selects the recipe prompt.
type Config struct {
	Provider     string        `mapstructure:"provider"`
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	APIVersion   string        `mapstructure:"api_version"`
	Deployment   string        `mapstructure:"deployment"`
	Model        string        `mapstructure:"model"`
	Temperature  float32       `mapstructure:"temperature"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
	SystemPrompt string        `mapstructure:"-"`
}

// chatClient is the subset of *openai.Client the extractor calls.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client extracts dishes with a single structured-output chat completion.
type Client struct {
	chat   chatClient
	cfg    Config
	logger *zap.Logger
}

var _ Extractor = (*Client)(nil)

// NewClient builds an OpenAI or Azure OpenAI client from cfg.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm api key is required")
	}
	var occ openai.ClientConfig
	switch cfg.Provider {
	case ProviderAzure:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("llm endpoint is required for azure")
		}
		occ = openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
		if cfg.APIVersion != "" {
			occ.APIVersion = cfg.APIVersion
		}
		if deployment := cfg.Deployment; deployment != "" {
			occ.AzureModelMapperFunc = func(string) string { return deployment }
		}
	case ProviderOpenAI, "":
		occ = openai.DefaultConfig(cfg.APIKey)
		if cfg.Endpoint != "" {
			occ.BaseURL = cfg.Endpoint
		}
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	occ.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return newClient(openai.NewClientWithConfig(occ), cfg, logger), nil
}

func newClient(chat chatClient, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = SystemPrompt
	}
	return &Client{chat: chat, cfg: cfg, logger: logger.Named("llm")}
}

// ExtractDish sends content to the model and decodes the structured reply.
// Errors are tagged with the kind returned by Classify.
func (c *Client) ExtractDish(ctx context.Context, content string) (*crawler.Dish, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	resp, err := c.chat.CreateChatCompletion(ctx, c.request(content))
	if err != nil {
		return nil, crawler.NewError(Classify(err), "", fmt.Errorf("create chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, crawler.NewError(crawler.KindValidation, "model returned no choices", nil)
	}
	choice := resp.Choices[0]
	switch choice.FinishReason {
	case openai.FinishReasonContentFilter:
		return nil, crawler.NewError(crawler.KindContentPolicy, "content filter triggered", nil)
	case openai.FinishReasonLength:
		return nil, crawler.NewError(crawler.KindValidation, "response truncated at max_tokens", nil)
	}
	if choice.Message.Refusal != "" {
		return nil, crawler.NewError(crawler.KindContentPolicy, "model refused: "+choice.Message.Refusal, nil)
	}
	return decodeDish(choice.Message.Content)
}

func (c *Client) request(content string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: temperature(c.cfg.Temperature),
		MaxTokens:   c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   SchemaName,
				Schema: DishSchema(),
				Strict: true,
			},
		},
	}
}

// temperature keeps an explicit zero on the wire; the request field is
// omitempty.
func temperature(t float32) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

func decodeDish(raw string) (*crawler.Dish, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var dish crawler.Dish
	if err := json.Unmarshal([]byte(raw), &dish); err != nil {
		var syntaxErr *json.SyntaxError
		msg := "decode model response"
		if errors.As(err, &syntaxErr) {
			msg = "model response is not valid JSON"
		}
		return nil, crawler.NewError(crawler.KindValidation, msg, err)
	}
	return &dish, nil
}
