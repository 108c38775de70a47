package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/Malowking/advisor/core/errors"
)

// Config 接口，用于提取rerank配置
type Config interface {
	GetRerankAPIKey() string
	GetRerankBaseURL() string
	GetRerankModel() string
}

// Client 自定义rerank客户端
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// Request rerank API请求结构
type Request struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

// Result rerank结果项：原始列表下标 + 归一化相关性分数
type Result struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Response rerank API响应结构
type Response struct {
	ID      string    `json:"id"`
	Results []*Result `json:"results"`
}

// ErrorResponse API错误响应
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// NewClient 创建rerank客户端
// apiKey、baseURL、model 均为必填项，缺失时构造失败
func NewClient(ctx context.Context, conf Config) (*Client, error) {
	apiKey := conf.GetRerankAPIKey()
	baseURL := conf.GetRerankBaseURL()
	model := conf.GetRerankModel()

	if apiKey == "" {
		apiKey = os.Getenv("RERANK_API_KEY")
		if apiKey == "" {
			return nil, errors.New(errors.ErrConfigInvalid, "rerank apiKey is required")
		}
	}
	if baseURL == "" {
		baseURL = os.Getenv("RERANK_BASE_URL")
		if baseURL == "" {
			return nil, errors.New(errors.ErrConfigInvalid, "rerank baseURL is required")
		}
	}
	if model == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "rerank model is required")
	}

	// 创建自定义HTTP客户端，优化连接复用和超时
	httpClient := &http.Client{
		Timeout: 2 * time.Minute,
		Transport: &http.Transport{
			Dial: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).Dial,
			TLSHandshakeTimeout:   30 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
		},
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}, nil
}

// Model 返回配置的rerank模型标识
func (c *Client) Model() string {
	return c.model
}

// Rerank 对一批文档执行单次批量重排序
// 返回结果按API给出的相关性顺序排列，Index指向documents中的原始下标
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]*Result, error) {
	if len(documents) == 0 {
		return []*Result{}, nil
	}

	req := Request{
		Model:           c.model,
		Query:           query,
		Documents:       documents,
		TopN:            len(documents),
		ReturnDocuments: false,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Newf(errors.ErrRerankFailed, "failed to marshal request: %v", err)
	}

	url := c.baseURL + "/rerank"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Newf(errors.ErrRerankFailed, "failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Newf(errors.ErrRerankFailed, "failed to send request: %v", err)
	}
	defer resp.Body.Close()

	// 检查HTTP状态码
	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return nil, errors.Newf(errors.ErrRerankFailed, "HTTP %d: failed to decode error response: %v", resp.StatusCode, err)
		}
		return nil, errors.Newf(errors.ErrRerankFailed, "API error (HTTP %d): %s", resp.StatusCode, errResp.Error.Message)
	}

	var rerankResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rerankResp); err != nil {
		return nil, errors.Newf(errors.ErrRerankFailed, "failed to decode response: %v", err)
	}

	// 验证下标范围
	for _, res := range rerankResp.Results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, errors.Newf(errors.ErrRerankFailed, "invalid result index: %d", res.Index)
		}
	}

	return rerankResp.Results, nil
}
