package advisor

import (
	"github.com/cloudwego/eino/schema"
)

// AdviseContext 请求级旁路上下文
// 在 before 阶段写入、after 阶段读取，随请求/响应在链路中传递
// 覆盖字段仅对当前请求生效，不会回写到任何全局配置
type AdviseContext struct {
	// ScoreThreshold 请求级相关性阈值覆盖（原样文本，使用时解析为浮点数）
	// 为空表示使用Advisor配置的默认阈值
	ScoreThreshold string
	// FilterExpression 请求级过滤表达式覆盖，原样透传给各DataSource
	FilterExpression string
	// Documents 经过rerank过滤后的相关文档列表，由 before 写入
	Documents []*schema.Document
	// Extra 供上下游阶段使用的附加数据
	Extra map[string]interface{}
}

// NewAdviseContext 创建空的旁路上下文
func NewAdviseContext() *AdviseContext {
	return &AdviseContext{
		Extra: make(map[string]interface{}),
	}
}

// Clone 创建上下文副本（Extra浅拷贝，文档列表复制切片头）
func (c *AdviseContext) Clone() *AdviseContext {
	if c == nil {
		return NewAdviseContext()
	}
	extra := make(map[string]interface{}, len(c.Extra))
	for k, v := range c.Extra {
		extra[k] = v
	}
	docs := make([]*schema.Document, len(c.Documents))
	copy(docs, c.Documents)
	return &AdviseContext{
		ScoreThreshold:   c.ScoreThreshold,
		FilterExpression: c.FilterExpression,
		Documents:        docs,
		Extra:            extra,
	}
}
