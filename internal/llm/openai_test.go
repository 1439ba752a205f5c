package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-crawler/internal/crawler"
)

type fakeChat struct {
	resp openai.ChatCompletionResponse
	err  error
	reqs []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func reply(content string, finish openai.FinishReason) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
		FinishReason: finish,
	}}}
}

const pieJSON = `{
  "dish_name": "Apple Pie",
  "meal_time": "Dessert",
  "general_category": "dessert",
  "season": "autumn",
  "star_rating": 4.5,
  "date_published": "2024-01-01",
  "ingredients": [{"ingredient": "apples", "flavor_ingredient": "apple", "quantity": "3", "format": "raw"}],
  "attributes": null
}`

func TestClientExtractDish(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{resp: reply(pieJSON, openai.FinishReasonStop)}
	c := newClient(chat, Config{}, nil)

	dish, err := c.ExtractDish(context.Background(), "Title: Apple Pie Recipe")
	require.NoError(t, err)
	require.NotNil(t, dish)
	require.Equal(t, "Apple Pie", dish.DishName)
	require.Len(t, dish.Ingredients, 1)
	require.NotNil(t, dish.Ingredients[0].Quantity)
	require.InDelta(t, 3.0, *dish.Ingredients[0].Quantity, 1e-9)
	require.Equal(t, "2024-01-01", dish.DatePublished.Format("2006-01-02"))

	require.Len(t, chat.reqs, 1)
	req := chat.reqs[0]
	require.Equal(t, DefaultModel, req.Model)
	require.Equal(t, 2000, req.MaxTokens)
	require.Positive(t, req.Temperature)
	require.Less(t, req.Temperature, float32(1e-6))
	require.Len(t, req.Messages, 2)
	require.Equal(t, SystemPrompt, req.Messages[0].Content)
	require.NotNil(t, req.ResponseFormat)
	require.Equal(t, openai.ChatCompletionResponseFormatTypeJSONSchema, req.ResponseFormat.Type)
	require.True(t, req.ResponseFormat.JSONSchema.Strict)
}

func TestClientUsesConfiguredSystemPrompt(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{resp: reply("null", openai.FinishReasonStop)}
	c := newClient(chat, Config{SystemPrompt: MenuSystemPrompt}, nil)

	dish, err := c.ExtractDish(context.Background(), "Margherita (Pizza): tomato, basil")
	require.NoError(t, err)
	require.Nil(t, dish)
	require.Len(t, chat.reqs, 1)
	require.Equal(t, MenuSystemPrompt, chat.reqs[0].Messages[0].Content)
	require.Contains(t, MenuSystemPrompt, "DISH INFORMATION:")
}

func TestClientExtractDishFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		chat *fakeChat
		kind crawler.ErrorKind
	}{
		{"content filter", &fakeChat{resp: reply("", openai.FinishReasonContentFilter)}, crawler.KindContentPolicy},
		{"length", &fakeChat{resp: reply(`{"dish_name": "Pie", "ingr`, openai.FinishReasonLength)}, crawler.KindValidation},
		{"bad json", &fakeChat{resp: reply(`not json`, openai.FinishReasonStop)}, crawler.KindValidation},
		{"no choices", &fakeChat{}, crawler.KindValidation},
		{"rate limited", &fakeChat{err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}}, crawler.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := newClient(tc.chat, Config{}, nil).ExtractDish(context.Background(), "x")
			require.Error(t, err)
			require.Equal(t, tc.kind, crawler.KindOf(err))
		})
	}
}

func TestClientExtractDishNull(t *testing.T) {
	t.Parallel()
	dish, err := newClient(&fakeChat{resp: reply("null", openai.FinishReasonStop)}, Config{}, nil).
		ExtractDish(context.Background(), "x")
	require.NoError(t, err)
	require.Nil(t, dish)
}

func TestNewClientValidates(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{Provider: ProviderOpenAI}, nil)
	require.Error(t, err)
	_, err = NewClient(Config{Provider: ProviderAzure, APIKey: "k"}, nil)
	require.Error(t, err)
	_, err = NewClient(Config{Provider: "bedrock", APIKey: "k"}, nil)
	require.Error(t, err)
	c, err := NewClient(Config{Provider: ProviderAzure, APIKey: "k", Endpoint: "https://example.openai.azure.com/", Deployment: "dish"}, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestDishSchemaIsStrict(t *testing.T) {
	t.Parallel()
	var root map[string]any
	require.NoError(t, json.Unmarshal(DishSchema(), &root))
	require.Equal(t, false, root["additionalProperties"])

	props := root["properties"].(map[string]any)
	required := root["required"].([]any)
	require.Len(t, required, len(props), "strict mode requires every property")

	var tags map[string]json.RawMessage
	blob, err := json.Marshal(crawler.Dish{})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(blob, &tags))
	for name := range tags {
		require.Contains(t, props, name)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		want crawler.ErrorKind
	}{
		{"nil", nil, ""},
		{"tagged", crawler.NewError(crawler.KindParse, "x", nil), crawler.KindParse},
		{"filter 400", &openai.APIError{HTTPStatusCode: 400, Message: "The response was filtered due to the prompt triggering Azure OpenAI's content management policy."}, crawler.KindContentPolicy},
		{"bad request", &openai.APIError{HTTPStatusCode: 400, Message: "invalid schema"}, crawler.KindValidation},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, crawler.KindValidation},
		{"timeout status", &openai.APIError{HTTPStatusCode: 408}, crawler.KindTransient},
		{"server", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")}, crawler.KindTransient},
		{"deadline", context.DeadlineExceeded, crawler.KindTransient},
		{"json", &json.SyntaxError{}, crawler.KindValidation},
		{"unknown", errors.New("mystery"), crawler.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
