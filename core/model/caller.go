package model

import (
	"context"
	"strings"

	"github.com/Malowking/advisor/core/advisor"
	"github.com/Malowking/advisor/core/errors"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gogf/gf/v2/frame/g"
)

// Provider 聊天模型提供方
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderQwen   Provider = "qwen"
)

// CallerConfig 链路末端模型调用配置
type CallerConfig struct {
	// Provider 模型提供方，默认 openai
	Provider Provider
	// APIKey API密钥，必填
	APIKey string
	// BaseURL API基础URL
	BaseURL string
	// Model 模型名称，必填
	Model string
	// SystemPrompt 可选系统提示词
	SystemPrompt string
}

// Caller 链路末端阶段：渲染模板参数并调用聊天模型
// 实现 advisor.CallHandler 和 advisor.StreamHandler
type Caller struct {
	cm           einoModel.BaseChatModel
	systemPrompt string
}

var (
	_ advisor.CallHandler   = (*Caller)(nil)
	_ advisor.StreamHandler = (*Caller)(nil)
)

// NewCaller 创建模型调用器
// cfg为nil时从配置文件的 chat 节点读取
func NewCaller(ctx context.Context, cfg *CallerConfig) (*Caller, error) {
	if cfg == nil {
		cfg = &CallerConfig{}
		err := g.Cfg().MustGet(ctx, "chat").Scan(cfg)
		if err != nil {
			return nil, errors.Newf(errors.ErrModelNotConfigured, "failed to load chat config: %v", err)
		}
	}
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrModelNotConfigured, "chat apiKey is required")
	}
	if cfg.Model == "" {
		return nil, errors.New(errors.ErrModelNotConfigured, "chat model is required")
	}

	var (
		cm  einoModel.BaseChatModel
		err error
	)
	switch cfg.Provider {
	case ProviderQwen:
		cm, err = qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case ProviderOpenAI, "":
		cm, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, errors.Newf(errors.ErrModelNotConfigured, "unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, errors.Newf(errors.ErrModelNotConfigured, "failed to create chat model: %v", err)
	}

	return &Caller{
		cm:           cm,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// Call 非流式模型调用
func (c *Caller) Call(ctx context.Context, req *advisor.AdvisedRequest) (*advisor.AdvisedResponse, error) {
	messages := c.buildMessages(req)

	out, err := c.cm.Generate(ctx, messages)
	if err != nil {
		return nil, errors.Newf(errors.ErrLLMCallFailed, "chat completion failed: %v", err)
	}

	return &advisor.AdvisedResponse{
		Message:  out,
		Metadata: make(map[string]interface{}),
		Context:  req.Context,
	}, nil
}

// Stream 流式模型调用
// 每个模型增量转换为一个AdvisedResponse，终止增量由模型侧的FinishReason标记
func (c *Caller) Stream(ctx context.Context, req *advisor.AdvisedRequest) (*schema.StreamReader[*advisor.AdvisedResponse], error) {
	messages := c.buildMessages(req)

	sr, err := c.cm.Stream(ctx, messages)
	if err != nil {
		return nil, errors.Newf(errors.ErrStreamingFailed, "chat stream failed: %v", err)
	}

	return schema.StreamReaderWithConvert(sr, func(msg *schema.Message) (*advisor.AdvisedResponse, error) {
		return &advisor.AdvisedResponse{
			Message:  msg,
			Metadata: make(map[string]interface{}),
			Context:  req.Context,
		}, nil
	}), nil
}

// buildMessages 渲染模板参数并构造消息列表
func (c *Caller) buildMessages(req *advisor.AdvisedRequest) []*schema.Message {
	var messages []*schema.Message
	if c.systemPrompt != "" {
		messages = append(messages, schema.SystemMessage(c.systemPrompt))
	}
	messages = append(messages, schema.UserMessage(RenderUserText(req.UserText, req.UserParams)))
	return messages
}

// RenderUserText 将 {param} 形式的占位符替换为对应参数值
// 未提供参数的占位符保持原样
func RenderUserText(text string, params map[string]interface{}) string {
	if len(params) == 0 {
		return text
	}
	pairs := make([]string, 0, len(params)*2)
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		pairs = append(pairs, "{"+k+"}", s)
	}
	if len(pairs) == 0 {
		return text
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
