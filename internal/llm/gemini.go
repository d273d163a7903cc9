package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"

	"github.com/taskherd/taskherd/internal/inference"
)

const (
	defaultGeminiModel  = "gemini-2.0-flash"
	defaultGeminiKeyEnv = "GEMINI_API_KEY"
)

// GeminiRefiner runs pair analysis through the Gemini API.
type GeminiRefiner struct {
	model  string
	client *genai.Client
}

// NewGeminiRefiner constructs the refiner.
func NewGeminiRefiner(cfg Config) (*GeminiRefiner, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultGeminiKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required (set api_key or api_key_env)")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiRefiner{model: model, client: client}, nil
}

// RefineDependencies executes a single generation request and parses the
// judgment array.
func (r *GeminiRefiner) RefineDependencies(ctx context.Context, prompt string) ([]inference.PairJudgment, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(refinerInstructions+"\n\n"+prompt, genai.RoleUser),
	}
	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	output := strings.TrimSpace(resp.Text())
	if output == "" {
		return nil, fmt.Errorf("gemini response did not contain output text")
	}
	return ParseJudgments(output)
}
