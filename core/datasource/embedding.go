package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/Malowking/advisor/core/errors"
)

// EmbeddingConfig 接口，用于提取embedding配置
type EmbeddingConfig interface {
	GetAPIKey() string
	GetBaseURL() string
	GetEmbeddingModel() string
}

// Embedder OpenAI兼容的embedding客户端，供各向量数据源共用
type Embedder struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// embeddingRequest OpenAI embedding API请求结构
type embeddingRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

// embeddingResponse OpenAI embedding API响应结构
type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
		Object    string    `json:"object"`
	} `json:"data"`
	Model  string `json:"model"`
	Object string `json:"object"`
}

// embeddingErrorResponse API错误响应
type embeddingErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// NewEmbedder 创建embedding客户端
func NewEmbedder(ctx context.Context, conf EmbeddingConfig) (*Embedder, error) {
	apiKey := conf.GetAPIKey()
	baseURL := conf.GetBaseURL()
	model := conf.GetEmbeddingModel()

	if apiKey == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "embedding apiKey is required")
	}
	if baseURL == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "embedding baseURL is required")
	}
	if model == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "embedding model is required")
	}

	// 创建自定义HTTP客户端，设置合理的超时时间
	httpClient := &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			Dial: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).Dial,
			TLSHandshakeTimeout:   30 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			ExpectContinueTimeout: 1 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
		},
	}

	return &Embedder{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}, nil
}

// EmbedStrings 实现字符串数组的向量化
func (e *Embedder) EmbedStrings(ctx context.Context, texts []string, dimensions int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := embeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: &dimensions,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Newf(errors.ErrEmbeddingFailed, "failed to marshal request: %v", err)
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Newf(errors.ErrEmbeddingFailed, "failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Newf(errors.ErrEmbeddingFailed, "failed to send request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp embeddingErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return nil, errors.Newf(errors.ErrEmbeddingFailed, "HTTP %d: failed to decode error response: %v", resp.StatusCode, err)
		}
		return nil, errors.Newf(errors.ErrEmbeddingFailed, "API error (HTTP %d): %s", resp.StatusCode, errResp.Error.Message)
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, errors.Newf(errors.ErrEmbeddingFailed, "failed to decode response: %v", err)
	}

	if len(embResp.Data) != len(texts) {
		return nil, errors.Newf(errors.ErrEmbeddingFailed, "response data length (%d) doesn't match input length (%d)", len(embResp.Data), len(texts))
	}

	// 提取embedding向量并转换为float32
	result := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index >= len(result) {
			return nil, errors.Newf(errors.ErrEmbeddingFailed, "invalid embedding index: %d", data.Index)
		}
		float32Vec := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			float32Vec[i] = float32(v)
		}
		result[data.Index] = float32Vec
	}

	return result, nil
}
