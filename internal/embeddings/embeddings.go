package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mehmetymw/fhirsink/internal/config"
	"github.com/mehmetymw/fhirsink/internal/metrics"
)

// Provider turns text into a vector. A nil vector with a nil error means
// embeddings are disabled.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Close() error
}

type ollamaHTTP struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

type ollamaReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResp struct {
	Embedding []float32 `json:"embedding"`
}

func (o *ollamaHTTP) Embed(ctx context.Context, text string) ([]float32, error) {
	o.logger.Debug("Generating embedding",
		zap.String("model", o.model),
		zap.Int("text_length", len(text)))

	b, _ := json.Marshal(ollamaReq{Model: o.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		o.logger.Error("Failed to send embedding request", zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&msg)
		o.logger.Error("Ollama embedding failed",
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg.Error))
		return nil, errors.New("ollama embed failed")
	}

	var r ollamaResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		o.logger.Error("Failed to decode embedding response", zap.Error(err))
		return nil, err
	}
	return r.Embedding, nil
}

func (o *ollamaHTTP) Close() error { return nil }

type openAI struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *zap.Logger
}

type openAIReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (o *openAI) Embed(ctx context.Context, text string) ([]float32, error) {
	b, _ := json.Marshal(openAIReq{Model: o.model, Input: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.http.Do(req)
	if err != nil {
		o.logger.Error("Failed to send embedding request", zap.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	var r openAIResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode openai response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := ""
		if r.Error != nil {
			msg = r.Error.Message
		}
		o.logger.Error("OpenAI embedding failed",
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg))
		return nil, fmt.Errorf("openai embed failed: status %d", resp.StatusCode)
	}
	if len(r.Data) == 0 {
		return nil, errors.New("openai embed returned no data")
	}
	return r.Data[0].Embedding, nil
}

func (o *openAI) Close() error { return nil }

type disabled struct{}

func (disabled) Embed(context.Context, string) ([]float32, error) { return nil, nil }
func (disabled) Close() error                                     { return nil }

// limited paces calls to the wrapped provider and records latency.
type limited struct {
	next    Provider
	limiter *rate.Limiter
}

func (l *limited) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	v, err := l.next.Embed(ctx, text)
	metrics.RecordEmbedding(time.Since(start), err)
	return v, err
}

func (l *limited) Close() error { return l.next.Close() }

func NewProvider(ec config.EmbedConfig, logger *zap.Logger) (Provider, error) {
	logger.Info("Creating embeddings provider",
		zap.String("provider", ec.Provider),
		zap.String("model", ec.Model),
		zap.String("url", ec.URL))

	if ec.Disabled || ec.Provider == "none" {
		logger.Warn("Embeddings disabled; rows are stored without vectors")
		return disabled{}, nil
	}

	client := &http.Client{Timeout: time.Duration(ec.TimeoutMs) * time.Millisecond}
	var p Provider
	switch ec.Provider {
	case "ollama_http":
		p = &ollamaHTTP{baseURL: strings.TrimRight(ec.URL, "/"), model: ec.Model, http: client, logger: logger}
	case "openai":
		if ec.APIKey == "" {
			logger.Warn("OPENAI_API_KEY is not set; embeddings disabled")
			return disabled{}, nil
		}
		p = &openAI{baseURL: strings.TrimRight(ec.URL, "/"), apiKey: ec.APIKey, model: ec.Model, http: client, logger: logger}
	default:
		logger.Error("Unknown embedding provider", zap.String("provider", ec.Provider))
		return nil, errors.New("unknown embed provider")
	}

	return &limited{next: p, limiter: rate.NewLimiter(rate.Limit(ec.RatePerSecond), ec.Burst)}, nil
}
