// Package gemini grades items through the Gemini generateContent API.
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Backend is the Gemini adapter. It satisfies graderouter.RemoteBackend.
type Backend struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	models       map[graderouter.Tier]string
	defaultModel string
}

var _ graderouter.RemoteBackend = (*Backend)(nil)

// Option configures the backend.
type Option func(*Backend)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(b *Backend) { b.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.httpClient = c }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(b *Backend) { b.apiKey = key }
}

// WithModel maps a tier to a model name.
func WithModel(t graderouter.Tier, model string) Option {
	return func(b *Backend) { b.models[t] = model }
}

// New creates a new Gemini backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		baseURL:      defaultBaseURL,
		httpClient:   http.DefaultClient,
		models:       make(map[graderouter.Tier]string),
		defaultModel: "gemini-2.5-flash",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return "gemini" }

// Gemini API types.
type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMIMEType string  `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

type gradeItem struct {
	GroupID         string   `json:"group_id"`
	ItemIndex       int      `json:"item_index"`
	Question        string   `json:"question"`
	CandidateAnswer string   `json:"candidate_answer"`
	ReferenceAnswer string   `json:"reference_answer"`
	Options         []string `json:"options,omitempty"`
	MaxPoints       float64  `json:"max_points"`
}

type gradeOutput struct {
	GroupID    string  `json:"group_id"`
	ItemIndex  int     `json:"item_index"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Feedback   string  `json:"feedback"`
}

const instruction = `Grade each student answer against its reference answer, one item at a time.
Return a JSON array with one object per input item holding group_id, item_index,
score (0..max_points), confidence (0..100) and a one sentence feedback.`

const retryInstruction = `The previous attempt was unusable. Copy group_id and item_index
exactly and return one object per item.`

// Score implements graderouter.RemoteBackend.
func (b *Backend) Score(ctx context.Context, items []graderouter.GradingRequest, tierHint string) ([]graderouter.Result, error) {
	tier, retry := graderouter.ParseTierHint(tierHint)

	in := make([]gradeItem, len(items))
	for i, it := range items {
		in[i] = gradeItem{
			GroupID:         it.GroupID,
			ItemIndex:       it.ItemIndex,
			Question:        it.Question,
			CandidateAnswer: it.CandidateAnswer,
			ReferenceAnswer: it.ReferenceAnswer,
			Options:         it.AnswerOptions,
			MaxPoints:       it.MaxPoints,
		}
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("graderouter: marshal items: %w", err)
	}

	sys := []geminiPart{{Text: instruction}}
	if retry > 0 {
		sys = append(sys, geminiPart{Text: retryInstruction})
	}
	body := geminiRequest{
		SystemInstruction: &geminiContent{Parts: sys},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: string(payload)}}}},
		GenerationConfig:  &geminiGenerationConfig{ResponseMIMEType: "application/json"},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", b.baseURL, b.modelFor(tier))
	httpResp, err := b.doRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode gemini response: %v", graderouter.ErrMalformedResult, err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty candidates in gemini response", graderouter.ErrMalformedResult)
	}

	var outs []gradeOutput
	if err := json.Unmarshal([]byte(resp.Candidates[0].Content.Parts[0].Text), &outs); err != nil {
		return nil, fmt.Errorf("%w: unparseable model output: %v", graderouter.ErrMalformedResult, err)
	}

	results := make([]graderouter.Result, len(outs))
	for i, o := range outs {
		results[i] = graderouter.Result{
			GroupID:    o.GroupID,
			ItemIndex:  o.ItemIndex,
			Score:      o.Score,
			Confidence: o.Confidence,
			Feedback:   o.Feedback,
			Backend:    b.Name(),
		}
	}
	return results, nil
}

func (b *Backend) modelFor(t graderouter.Tier) string {
	if m, ok := b.models[t]; ok {
		return m
	}
	return b.defaultModel
}

func (b *Backend) doRequest(ctx context.Context, url string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("graderouter: marshal gemini request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("graderouter: create gemini request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", b.apiKey)
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

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return graderouter.ErrRateLimited
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %d %s", graderouter.ErrValidation, resp.StatusCode, string(body))
	default:
		return fmt.Errorf("%w: status %d", graderouter.ErrBackendUnavailable, resp.StatusCode)
	}
}
