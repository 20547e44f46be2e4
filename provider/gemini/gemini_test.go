package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/graderouter"
	"github.com/ineyio/graderouter/provider/gemini"
)

type capturedRequest struct {
	SystemInstruction struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"systemInstruction"`
	Contents []struct {
		Role string `json:"role"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseMIMEType string `json:"responseMimeType"`
	} `json:"generationConfig"`
}

func candidate(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]string{{"text": text}}},
			"finishReason": "STOP",
		}},
	}
}

func items() []graderouter.GradingRequest {
	return []graderouter.GradingRequest{
		{GroupID: "s1", ItemIndex: 0, Question: "2+2", CandidateAnswer: "4", ReferenceAnswer: "4", MaxPoints: 1},
		{GroupID: "s1", ItemIndex: 1, Question: "3+3", CandidateAnswer: "5", ReferenceAnswer: "6", MaxPoints: 1},
	}
}

func TestScore_Success(t *testing.T) {
	var (
		seen capturedRequest
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "key-test", r.Header.Get("x-goog-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(candidate(
			`[{"group_id":"s1","item_index":0,"score":1,"confidence":96,"feedback":"right"},` +
				`{"group_id":"s1","item_index":1,"score":0,"confidence":91,"feedback":"wrong"}]`))
	}))
	defer srv.Close()

	b := gemini.New(
		gemini.WithBaseURL(srv.URL+"/"),
		gemini.WithAPIKey("key-test"),
		gemini.WithModel(graderouter.TierPremiumRemote, "gemini-2.5-pro"),
	)

	results, err := b.Score(context.Background(), items(), "premium-remote")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "/models/gemini-2.5-pro:generateContent", path)
	assert.Equal(t, "application/json", seen.GenerationConfig.ResponseMIMEType)
	assert.Len(t, seen.SystemInstruction.Parts, 1)
	require.Len(t, seen.Contents, 1)
	assert.Equal(t, "user", seen.Contents[0].Role)

	assert.Equal(t, 1.0, results[0].Score)
	assert.Equal(t, 91.0, results[1].Confidence)
	assert.Equal(t, "gemini", results[1].Backend)
}

func TestScore_RetryAddsInstruction(t *testing.T) {
	var (
		seen capturedRequest
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&seen))
		_ = json.NewEncoder(w).Encode(candidate(`[]`))
	}))
	defer srv.Close()

	_, err := gemini.New(gemini.WithBaseURL(srv.URL)).Score(context.Background(), items(), "cheap-remote/retry-2")
	require.NoError(t, err)
	assert.Len(t, seen.SystemInstruction.Parts, 2)
	assert.Equal(t, "/models/gemini-2.5-flash:generateContent", path)
}

func TestScore_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, graderouter.ErrRateLimited},
		{http.StatusBadRequest, graderouter.ErrValidation},
		{http.StatusForbidden, graderouter.ErrValidation},
		{http.StatusServiceUnavailable, graderouter.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := gemini.New(gemini.WithBaseURL(srv.URL)).Score(context.Background(), items(), "premium-remote")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestScore_MalformedOutput(t *testing.T) {
	for name, body := range map[string]any{
		"not json":      candidate("the first answer is right"),
		"no candidates": map[string]any{"candidates": []any{}},
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(body)
			}))
			defer srv.Close()

			_, err := gemini.New(gemini.WithBaseURL(srv.URL)).Score(context.Background(), items(), "premium-remote")
			assert.ErrorIs(t, err, graderouter.ErrMalformedResult)
		})
	}
}

func TestScore_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := gemini.New(gemini.WithBaseURL(url)).Score(context.Background(), items(), "premium-remote")
	assert.ErrorIs(t, err, graderouter.ErrBackendUnavailable)
}
