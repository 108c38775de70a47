package config

import (
	"context"
	"strings"

	"github.com/Malowking/advisor/core/errors"
	"github.com/gogf/gf/v2/frame/g"
)

// AdvisorConfigBase 检索增强阶段配置基础类型
type AdvisorConfigBase struct {
	// RelevancyThreshold 默认相关性阈值（0-1范围，默认 0.7）
	RelevancyThreshold float64
	// UserTextAdvise 注入模板文本，空表示使用内置默认模板
	UserTextAdvise string
	// ProtectFromBlocking 流式模式下是否隔离阻塞调用（默认 true）
	ProtectFromBlocking bool
	// Order 链路排序优先级（默认 0）
	Order int
	// Rerank配置
	RerankAPIKey  string // Rerank API密钥
	RerankBaseURL string // Rerank API基础URL
	RerankModel   string // Rerank模型名称
	// Embedding配置（供各向量数据源共用）
	APIKey         string // API密钥（用于调用embedding服务）
	BaseURL        string // API基础URL（用于调用embedding服务）
	EmbeddingModel string // Embedding模型名称
}

// AdvisorConfigBase 实现 rerank config 接口
func (c *AdvisorConfigBase) GetRerankAPIKey() string  { return c.RerankAPIKey }
func (c *AdvisorConfigBase) GetRerankBaseURL() string { return c.RerankBaseURL }
func (c *AdvisorConfigBase) GetRerankModel() string   { return c.RerankModel }

// AdvisorConfigBase 实现 embedding config 接口
func (c *AdvisorConfigBase) GetAPIKey() string         { return c.APIKey }
func (c *AdvisorConfigBase) GetBaseURL() string        { return c.BaseURL }
func (c *AdvisorConfigBase) GetEmbeddingModel() string { return c.EmbeddingModel }

// Load 从配置文件加载advisor配置并填充默认值
func Load(ctx context.Context) (*AdvisorConfigBase, error) {
	cfg := &AdvisorConfigBase{
		RelevancyThreshold:  g.Cfg().MustGet(ctx, "advisor.relevancyThreshold", 0.7).Float64(),
		UserTextAdvise:      g.Cfg().MustGet(ctx, "advisor.userTextAdvise", "").String(),
		ProtectFromBlocking: g.Cfg().MustGet(ctx, "advisor.protectFromBlocking", true).Bool(),
		Order:               g.Cfg().MustGet(ctx, "advisor.order", 0).Int(),
		RerankAPIKey:        g.Cfg().MustGet(ctx, "rerank.apiKey", "").String(),
		RerankBaseURL:       g.Cfg().MustGet(ctx, "rerank.baseURL", "").String(),
		RerankModel:         g.Cfg().MustGet(ctx, "rerank.model", "rerank-english-v3.0").String(),
		APIKey:              g.Cfg().MustGet(ctx, "embedding.apiKey", "").String(),
		BaseURL:             g.Cfg().MustGet(ctx, "embedding.baseURL", "").String(),
		EmbeddingModel:      g.Cfg().MustGet(ctx, "embedding.model", "").String(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验必填项和取值范围
func (c *AdvisorConfigBase) Validate() error {
	var missingConfigs []string

	if c.RerankAPIKey == "" {
		missingConfigs = append(missingConfigs, "rerank.apiKey")
	}
	if c.RerankBaseURL == "" {
		missingConfigs = append(missingConfigs, "rerank.baseURL")
	}
	if c.RerankModel == "" {
		missingConfigs = append(missingConfigs, "rerank.model")
	}

	if len(missingConfigs) > 0 {
		return errors.Newf(errors.ErrConfigInvalid,
			"missing required configuration items: %s", strings.Join(missingConfigs, ", "))
	}

	if c.RelevancyThreshold < 0 || c.RelevancyThreshold > 1 {
		return errors.Newf(errors.ErrConfigInvalid,
			"advisor.relevancyThreshold must be between 0 and 1, got %v", c.RelevancyThreshold)
	}

	return nil
}
