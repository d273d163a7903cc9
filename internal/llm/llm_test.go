package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func TestParseJudgments_BareArray(t *testing.T) {
	judgments, err := ParseJudgments(`[{"task1_id":"a","task2_id":"b","dependency_direction":"1->2","confidence":0.9,"reasoning":"b builds on a","dependency_type":"logical"}]`)
	if err != nil {
		t.Fatalf("ParseJudgments returned error: %v", err)
	}
	if len(judgments) != 1 {
		t.Fatalf("judgments = %d, want 1", len(judgments))
	}
	if judgments[0].Task1ID != "a" || judgments[0].Direction != "1->2" {
		t.Fatalf("unexpected judgment: %+v", judgments[0])
	}
}

func TestParseJudgments_SalvagesFencedArray(t *testing.T) {
	raw := "Here is my analysis:\n```json\n" +
		`[{"task1_id":"a","task2_id":"b","dependency_direction":"none","confidence":0.5,"reasoning":"brackets [inside] a string","dependency_type":"soft"}]` +
		"\n```\nLet me know if you need more."
	judgments, err := ParseJudgments(raw)
	if err != nil {
		t.Fatalf("ParseJudgments returned error: %v", err)
	}
	if len(judgments) != 1 || judgments[0].Direction != "none" {
		t.Fatalf("unexpected judgments: %+v", judgments)
	}
}

func TestParseJudgments_RejectsProse(t *testing.T) {
	if _, err := ParseJudgments("task b depends on task a"); err == nil {
		t.Fatal("ParseJudgments returned nil error, want error")
	}
	if _, err := ParseJudgments(`[{"task1_id": broken`); err == nil {
		t.Fatal("ParseJudgments returned nil error for truncated array, want error")
	}
}

func TestOpenAIRefiner_SendsPromptAndParsesJudgments(t *testing.T) {
	const envKey = "TASKHERD_OPENAI_TEST_KEY"
	t.Setenv(envKey, "test-api-key")

	var gotAuth, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request body: %v", err)
		}
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Fatalf("unmarshal request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"error": {"code": "", "message": ""},
			"output": [
				{
					"type": "message",
					"role": "assistant",
					"content": [
						{"type": "output_text", "text": "[{\"task1_id\":\"a\",\"task2_id\":\"b\",\"dependency_direction\":\"1->2\",\"confidence\":0.8,\"reasoning\":\"ok\",\"dependency_type\":\"logical\"}]", "annotations": []}
					]
				}
			]
		}`))
	}))
	t.Cleanup(srv.Close)

	refiner, err := NewOpenAIRefiner(Config{
		Model:     "gpt-5",
		BaseURL:   srv.URL,
		APIKeyEnv: envKey,
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewOpenAIRefiner returned error: %v", err)
	}

	judgments, err := refiner.RefineDependencies(context.Background(), "Pairs:\n- task1=a task2=b")
	if err != nil {
		t.Fatalf("RefineDependencies returned error: %v", err)
	}
	if len(judgments) != 1 || judgments[0].Task2ID != "b" {
		t.Fatalf("unexpected judgments: %+v", judgments)
	}

	if gotAuth != "Bearer test-api-key" {
		t.Fatalf("authorization header = %q, want bearer auth", gotAuth)
	}
	if gotPath != "/responses" {
		t.Fatalf("path = %q, want %q", gotPath, "/responses")
	}
	if gotBody["model"] != "gpt-5" {
		t.Fatalf("model = %v, want %q", gotBody["model"], "gpt-5")
	}
	input, _ := gotBody["input"].(string)
	if !strings.Contains(input, "task1=a") {
		t.Fatalf("input = %q, want the pair prompt", input)
	}
}

func TestOpenAIRefiner_ProseResponseIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"error": {"code": "", "message": ""},
			"output": [
				{
					"type": "message",
					"role": "assistant",
					"content": [
						{"type": "output_text", "text": "task b clearly depends on task a", "annotations": []}
					]
				}
			]
		}`))
	}))
	t.Cleanup(srv.Close)

	refiner, err := NewOpenAIRefiner(Config{
		Model:   "gpt-5",
		BaseURL: srv.URL,
		APIKey:  "test-api-key",
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewOpenAIRefiner returned error: %v", err)
	}

	if _, err := refiner.RefineDependencies(context.Background(), "Pairs:"); err == nil {
		t.Fatal("RefineDependencies returned nil error, want parse failure")
	}
}

func TestNewOpenAIRefiner_RequiresAPIKey(t *testing.T) {
	const envKey = "TASKHERD_OPENAI_MISSING_KEY"
	if err := os.Unsetenv(envKey); err != nil {
		t.Fatalf("unset env: %v", err)
	}

	_, err := NewOpenAIRefiner(Config{
		Model:     "gpt-5",
		BaseURL:   "http://127.0.0.1",
		APIKeyEnv: envKey,
	}, nil)
	if err == nil {
		t.Fatal("NewOpenAIRefiner returned nil error, want error")
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "anthropic-carrier-pigeon"}); err == nil {
		t.Fatal("New returned nil error, want error")
	}
}
