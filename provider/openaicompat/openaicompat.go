package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/graderouter"
)

// Backend grades items through any OpenAI-compatible chat completion API.
// Works with OpenAI, Grok/xAI, Cerebras, Together, Ollama, and others.
type Backend struct {
	name         string
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	models       map[graderouter.Tier]string
	defaultModel string
}

var _ graderouter.RemoteBackend = (*Backend)(nil)

// Option configures the backend.
type Option func(*Backend)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) Option {
	return func(b *Backend) { b.apiKey = key }
}

// WithModel maps a tier to a model name.
func WithModel(t graderouter.Tier, model string) Option {
	return func(b *Backend) { b.models[t] = model }
}

// WithDefaultModel sets the model used for tiers without a mapping.
func WithDefaultModel(model string) Option {
	return func(b *Backend) { b.defaultModel = model }
}

// New creates a new OpenAI-compatible backend.
func New(name, baseURL string, opts ...Option) *Backend {
	b := &Backend{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
		models:     make(map[graderouter.Tier]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewOpenAI creates a backend for OpenAI.
func NewOpenAI(opts ...Option) *Backend {
	return New("openai", "https://api.openai.com/v1", opts...)
}

// NewGrok creates a backend for Grok/xAI.
func NewGrok(opts ...Option) *Backend {
	return New("grok", "https://api.x.ai/v1", opts...)
}

func (b *Backend) Name() string { return b.name }

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model          string          `json:"model"`
	Messages       []apiMessage    `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
}

// gradeItem is one item as presented to the model.
type gradeItem struct {
	GroupID         string   `json:"group_id"`
	ItemIndex       int      `json:"item_index"`
	Question        string   `json:"question"`
	CandidateAnswer string   `json:"candidate_answer"`
	ReferenceAnswer string   `json:"reference_answer"`
	AnswerType      string   `json:"answer_type,omitempty"`
	Options         []string `json:"options,omitempty"`
	MaxPoints       float64  `json:"max_points"`
}

// gradeOutput is one item as returned by the model.
type gradeOutput struct {
	GroupID    string  `json:"group_id"`
	ItemIndex  int     `json:"item_index"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback"`
}

const systemPrompt = `You grade student answers against a reference answer.
Grade each item independently. Reply with a JSON object {"results": [...]} holding one
entry per input item with the fields group_id, item_index, score (0..max_points),
confidence (0..100) and feedback (one sentence).`

const retryPrompt = `A previous attempt returned unusable output. Return exactly one result
per input item, copy group_id and item_index verbatim, and output JSON only.`

// Score implements graderouter.RemoteBackend.
func (b *Backend) Score(ctx context.Context, items []graderouter.GradingRequest, tierHint string) ([]graderouter.Result, error) {
	tier, retry := ParseHint(tierHint)

	in := make([]gradeItem, len(items))
	for i, it := range items {
		in[i] = gradeItem{
			GroupID:         it.GroupID,
			ItemIndex:       it.ItemIndex,
			Question:        it.Question,
			CandidateAnswer: it.CandidateAnswer,
			ReferenceAnswer: it.ReferenceAnswer,
			AnswerType:      string(it.AnswerType),
			Options:         it.AnswerOptions,
			MaxPoints:       it.MaxPoints,
		}
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("graderouter: marshal items: %w", err)
	}

	msgs := []apiMessage{{Role: "system", Content: systemPrompt}}
	if retry > 0 {
		msgs = append(msgs, apiMessage{Role: "system", Content: retryPrompt})
	}
	msgs = append(msgs, apiMessage{Role: "user", Content: string(payload)})

	body := apiRequest{
		Model:          b.modelFor(tier),
		Messages:       msgs,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	httpResp, err := b.doRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", graderouter.ErrMalformedResult, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices in response", graderouter.ErrMalformedResult)
	}

	outs, err := parseResults(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	results := make([]graderouter.Result, len(outs))
	for i, o := range outs {
		results[i] = graderouter.Result{
			GroupID:    o.GroupID,
			ItemIndex:  o.ItemIndex,
			Score:      o.Score,
			Confidence: o.Confidence,
			Feedback:   o.Feedback,
			Backend:    b.name,
		}
	}
	return results, nil
}

// ParseHint splits a tier hint of the form "<tier>" or "<tier>/retry-<n>".
// Unknown tiers parse as the strongest tier.
func ParseHint(hint string) (graderouter.Tier, int) {
	return graderouter.ParseTierHint(hint)
}

func (b *Backend) modelFor(t graderouter.Tier) string {
	if m, ok := b.models[t]; ok {
		return m
	}
	return b.defaultModel
}

func parseResults(content string) ([]gradeOutput, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var wrapped struct {
		Results []gradeOutput `json:"results"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil && wrapped.Results != nil {
		return wrapped.Results, nil
	}

	var bare []gradeOutput
	if err := json.Unmarshal([]byte(content), &bare); err != nil {
		return nil, fmt.Errorf("%w: unparseable model output: %v", graderouter.ErrMalformedResult, err)
	}
	return bare, nil
}

func (b *Backend) doRequest(ctx context.Context, body apiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("graderouter: marshal request: %w", err)
	}

	url := b.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("graderouter: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", graderouter.ErrBackendUnavailable, err)
	}

	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return graderouter.ErrRateLimited
	case http.StatusBadRequest, http.StatusUnprocessableEntity,
		http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %d %s", graderouter.ErrValidation, resp.StatusCode, string(body))
	default:
		return fmt.Errorf("%w: status %d", graderouter.ErrBackendUnavailable, resp.StatusCode)
	}
}
