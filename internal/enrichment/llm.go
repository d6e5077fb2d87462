package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultLLMEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultLLMModel    = "gpt-4o-mini"

	llmSystemPrompt = "You are a customer support intent classifier. Always respond with valid JSON containing 'intent' and 'confidence' fields."
)

const llmPromptTemplate = `Classify the intent of this banking customer support utterance.

Utterance: "%s"

Rules:
- Use lowercase snake_case labels.
- Name the product and the action when both are clear, e.g. credit_card_block, debit_card_fraud, credit_card_replacement.
- Prefer these labels when they fit: %s.
- Use fraudulent_transaction for disputed or unrecognised charges when no card type is named.
- Use account_balance for balance questions and account_inquiry for other account questions.
- Use unknown when the utterance carries no clear request.

Answer with JSON only: {"intent": "<label>", "confidence": <0.0-1.0>}`

// LLMOption configures an LLMClassifier.
type LLMOption func(*LLMClassifier)

// LLMClassifier asks an OpenAI-compatible chat completions endpoint for
// the intent.
type LLMClassifier struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	labels   []string
}

// NewLLMClassifier creates a classifier. labels are suggested to the model.
func NewLLMClassifier(apiKey string, labels []string, opts ...LLMOption) *LLMClassifier {
	c := &LLMClassifier{
		apiKey:   strings.TrimSpace(apiKey),
		model:    defaultLLMModel,
		endpoint: defaultLLMEndpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		labels: labels,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithLLMEndpoint overrides the chat completions URL.
func WithLLMEndpoint(endpoint string) LLMOption {
	return func(c *LLMClassifier) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			c.endpoint = trimmed
		}
	}
}

// WithLLMModel overrides the model name.
func WithLLMModel(model string) LLMOption {
	return func(c *LLMClassifier) {
		if trimmed := strings.TrimSpace(model); trimmed != "" {
			c.model = trimmed
		}
	}
}

// WithLLMHTTPClient overrides the HTTP client.
func WithLLMHTTPClient(client *http.Client) LLMOption {
	return func(c *LLMClassifier) {
		if client != nil {
			c.client = client
		}
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// DetectIntent sends one completion request and parses the JSON answer.
func (c *LLMClassifier) DetectIntent(ctx context.Context, text string) (Intent, error) {
	if c.apiKey == "" {
		return Intent{}, errors.New("llm api key is required")
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: llmSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(llmPromptTemplate, text, strings.Join(c.labels, ", "))},
		},
		MaxTokens:   200,
		Temperature: 0.3,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Intent{}, fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Intent{}, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Intent{}, fmt.Errorf("call llm api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Intent{}, parseLLMError(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return Intent{}, fmt.Errorf("decode llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Intent{}, errors.New("llm response contained no choices")
	}
	return parseIntentAnswer(parsed.Choices[0].Message.Content)
}

// parseIntentAnswer reads {"intent", "confidence"} from the model output,
// tolerating a surrounding markdown code fence.
func parseIntentAnswer(content string) (Intent, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}

	var in Intent
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return Intent{}, fmt.Errorf("parse llm answer %q: %w", content, err)
	}
	if strings.TrimSpace(in.Label) == "" {
		return Intent{}, errors.New("llm answer has no intent")
	}
	in.Confidence = clampConfidence(in.Confidence)
	return in, nil
}

func parseLLMError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed chatErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("llm rate limited: %s", message)
	}
	return fmt.Errorf("llm api status %d: %s", resp.StatusCode, message)
}
