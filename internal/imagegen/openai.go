package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/verdure-mcp/gateway/internal/config"
)

// OpenAIProvider calls an OpenAI-compatible images/generations endpoint.
// When an API version is configured the Azure OpenAI deployment URL layout
// and api-key header are used instead.
type OpenAIProvider struct {
	endpoint   string
	apiKey     string
	model      string
	apiVersion string
	client     *http.Client
}

// NewOpenAIProvider creates a provider from cfg. cfg.Timeout bounds each call.
func NewOpenAIProvider(cfg config.ImageConfig) (*OpenAIProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("image.endpoint is required")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("image.endpoint: %w", err)
	}
	timeout := cfg.Timeout.Duration
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIProvider{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

type generationRequest struct {
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	Quality        string `json:"quality"`
	Style          string `json:"style"`
	ResponseFormat string `json:"response_format"`
}

type generationResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (p *OpenAIProvider) url() string {
	if p.apiVersion != "" {
		return fmt.Sprintf("%s/openai/deployments/%s/images/generations?api-version=%s",
			p.endpoint, url.PathEscape(p.model), url.QueryEscape(p.apiVersion))
	}
	return p.endpoint + "/images/generations"
}

// Generate normalizes req and requests a single base64 encoded image.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	req = Normalize(req)
	body := generationRequest{
		Prompt:         req.Prompt,
		N:              1,
		Size:           req.Size,
		Quality:        req.Quality,
		Style:          req.Style,
		ResponseFormat: "b64_json",
	}
	if p.apiVersion == "" {
		body.Model = p.model
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiVersion != "" {
		httpReq.Header.Set("api-key", p.apiKey)
	} else if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("image request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out generationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("image provider returned %s", resp.Status)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil && out.Error.Message != "" {
		return nil, errors.New(out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image provider returned %s", resp.Status)
	}
	if len(out.Data) == 0 || (out.Data[0].B64JSON == "" && out.Data[0].URL == "") {
		return nil, errors.New("image provider returned no image")
	}

	return &Result{
		ImageBase64:   out.Data[0].B64JSON,
		ImageURL:      out.Data[0].URL,
		RevisedPrompt: out.Data[0].RevisedPrompt,
	}, nil
}
