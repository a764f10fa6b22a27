// Package openai implements provider.Completer against the OpenAI chat
// completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"semcache/provider"
)

const providerName = "openai"

type Service struct {
	client        *http.Client
	endpoint      string
	apiKeyEnvName string
}

func New(endpoint string, apiKeyEnvName string) *Service {
	return &Service{
		client:        &http.Client{},
		endpoint:      endpoint,
		apiKeyEnvName: apiKeyEnvName,
	}
}

func (s *Service) Name() string { return providerName }

// Complete implements provider.Completer.
func (s *Service) Complete(ctx context.Context, model string, messages []provider.Message, apiKey string) (*provider.Completion, error) {
	reqBody := ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	reqBodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("fail to marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fail to create request: %w", err)
	}
	if apiKey == "" {
		apiKey = os.Getenv(s.apiKeyEnvName)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, provider.NewError(provider.KindUnavailable, providerName, "fail to call upstream api", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewError(provider.KindUnavailable, providerName, "fail to read upstream response", err)
	}
	if resp.StatusCode != http.StatusOK {
		kind := provider.StatusToKind(resp.StatusCode)
		return nil, provider.NewError(kind, providerName,
			fmt.Sprintf("upstream api returned status %d: %.200s", resp.StatusCode, body), nil)
	}

	var respBody ChatCompletionResponse
	if err := json.Unmarshal(body, &respBody); err != nil {
		return nil, provider.NewError(provider.KindUnavailable, providerName, "fail to unmarshal upstream response", err)
	}
	if len(respBody.Choices) == 0 {
		return nil, provider.NewError(provider.KindUnavailable, providerName, "empty choices in upstream response", nil)
	}

	return &provider.Completion{
		Text:        respBody.Choices[0].Message.Content,
		TotalTokens: respBody.Usage.TotalTokens,
	}, nil
}
