package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/taskherd/taskherd/internal/inference"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIKeyEnv  = "OPENAI_API_KEY"
	defaultOpenAITimeout = 60 * time.Second
)

const refinerInstructions = "You analyze dependencies between software project tasks. " +
	"Respond with ONLY a JSON array of pair judgments. No markdown, no prose."

// OpenAIRefiner runs pair analysis through the OpenAI Responses API.
type OpenAIRefiner struct {
	model  string
	client openai.Client
}

// NewOpenAIRefiner constructs the refiner. The API key is taken from the
// config or from the configured environment variable.
func NewOpenAIRefiner(cfg Config, httpClient *http.Client) (*OpenAIRefiner, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("openai model is required")
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultOpenAIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required (set api_key or api_key_env)")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpenAITimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	return &OpenAIRefiner{
		model:  model,
		client: openai.NewClient(opts...),
	}, nil
}

// RefineDependencies executes a single Responses API request and parses the
// judgment array.
func (r *OpenAIRefiner) RefineDependencies(ctx context.Context, prompt string) ([]inference.PairJudgment, error) {
	resp, err := r.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:        r.model,
		Instructions: openai.String(refinerInstructions),
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(prompt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai responses.create: %w", err)
	}
	if msg := strings.TrimSpace(resp.Error.Message); msg != "" {
		return nil, fmt.Errorf("openai response failed: %s", msg)
	}

	output := strings.TrimSpace(resp.OutputText())
	if output == "" {
		return nil, fmt.Errorf("openai response did not contain output text")
	}
	return ParseJudgments(output)
}
