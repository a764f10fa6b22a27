// Package openai implements embedding.Service against an OpenAI-compatible
// embeddings endpoint.
package openai

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// Service implements embedding.Service using the OpenAI API.
type Service struct {
	client     *resty.Client
	endpoint   string
	model      string
	apiKeyEnv  string
	dimensions int
}

// New creates a new OpenAI embedding service. The model name doubles as
// the embedding tag stored with every vector.
func New(endpoint string, model string, apiKeyEnvName string, dimensions int) *Service {
	return &Service{
		client:     resty.New().SetTimeout(15 * time.Second),
		endpoint:   endpoint,
		model:      model,
		apiKeyEnv:  apiKeyEnvName,
		dimensions: dimensions,
	}
}

// Embed implements embedding.Service. Context text is prepended so the
// same prompt under different contexts still embeds deterministically.
func (s *Service) Embed(ctx context.Context, text string, contextText string) ([]float32, string, error) {
	input := text
	if contextText != "" {
		input = contextText + "\n" + text
	}

	apiKey := os.Getenv(s.apiKeyEnv)
	if apiKey == "" {
		return nil, "", fmt.Errorf("empty api key from env: %s", s.apiKeyEnv)
	}

	var respBody EmbeddingResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(EmbeddingRequest{
			Model:          s.model,
			Input:          input,
			EncodingFormat: "float",
			Dimensions:     int32(s.dimensions),
		}).
		SetResult(&respBody).
		Post(s.endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("fail to do embedding request: %w", err)
	}
	if resp.IsError() {
		return nil, "", fmt.Errorf("embedding request fail: (%d) %s", resp.StatusCode(), resp.Body())
	}
	if len(respBody.Data) == 0 {
		return nil, "", fmt.Errorf("empty embedding response data")
	}
	return respBody.Data[0].Embedding, s.model, nil
}
