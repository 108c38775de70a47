package errors

// ErrCode 业务错误码类型
type ErrCode int

const (
	// 通用错误 1000-1999
	ErrInvalidParameter ErrCode = 1001 // 参数错误
	ErrInternalError    ErrCode = 1002 // 内部错误
	ErrConfigInvalid    ErrCode = 1003 // 配置无效

	// 模型相关 2000-2999
	ErrModelNotConfigured ErrCode = 2001 // 模型未配置
	ErrLLMCallFailed      ErrCode = 2002 // LLM调用失败
	ErrEmbeddingFailed    ErrCode = 2003 // Embedding失败
	ErrRerankFailed       ErrCode = 2004 // Rerank失败
	ErrStreamingFailed    ErrCode = 2005 // 流式响应失败

	// 检索相关 3000-3999
	ErrRetrievalFailed   ErrCode = 3001 // 检索失败
	ErrVectorSearch      ErrCode = 3002 // 向量搜索失败
	ErrMalformedOverride ErrCode = 3003 // 请求级覆盖参数格式错误
)
