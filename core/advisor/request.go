package advisor

import (
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// AdvisedRequest 链路中流转的请求
// 调用方构造后不再修改；各阶段只能通过 Clone 产生新请求，原请求保持不变
type AdvisedRequest struct {
	// ID 请求唯一标识
	ID string
	// UserText 用户原始问题文本
	UserText string
	// UserParams 模板参数，键唯一，由下游prompt渲染阶段做占位符替换
	UserParams map[string]interface{}
	// Context 请求级旁路上下文
	Context *AdviseContext
}

// NewAdvisedRequest 创建请求
func NewAdvisedRequest(userText string) *AdvisedRequest {
	return &AdvisedRequest{
		ID:         uuid.NewString(),
		UserText:   userText,
		UserParams: make(map[string]interface{}),
		Context:    NewAdviseContext(),
	}
}

// Clone 创建请求副本
func (r *AdvisedRequest) Clone() *AdvisedRequest {
	params := make(map[string]interface{}, len(r.UserParams))
	for k, v := range r.UserParams {
		params[k] = v
	}
	return &AdvisedRequest{
		ID:         r.ID,
		UserText:   r.UserText,
		UserParams: params,
		Context:    r.Context.Clone(),
	}
}

// AdvisedResponse 链路中流转的响应
// 流式模式下每个增量都是一个AdvisedResponse，终止增量携带非空FinishReason
type AdvisedResponse struct {
	// Message 模型输出（流式模式下为单个增量）
	Message *schema.Message
	// Metadata 响应元数据，相关文档列表在 after 阶段写入此处
	Metadata map[string]interface{}
	// Context 旁路上下文，与请求侧为同一份传递路径
	Context *AdviseContext
}

// Clone 创建响应副本
func (r *AdvisedResponse) Clone() *AdvisedResponse {
	metadata := make(map[string]interface{}, len(r.Metadata))
	for k, v := range r.Metadata {
		metadata[k] = v
	}
	return &AdvisedResponse{
		Message:  r.Message,
		Metadata: metadata,
		Context:  r.Context,
	}
}

// FinishReason 返回模型输出的结束原因，非终止增量返回空字符串
func (r *AdvisedResponse) FinishReason() string {
	if r == nil || r.Message == nil || r.Message.ResponseMeta == nil {
		return ""
	}
	return r.Message.ResponseMeta.FinishReason
}
