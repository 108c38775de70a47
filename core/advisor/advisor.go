package advisor

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/Malowking/advisor/core/errors"
	"github.com/Malowking/advisor/core/rerank"
	"github.com/cloudwego/eino/schema"
	"github.com/gogf/gf/v2/frame/g"
	"github.com/gogf/gf/v2/os/grpool"
	"golang.org/x/sync/errgroup"
)

// 旁路上下文与响应元数据使用的公开键名
const (
	// RetrievedDocuments 响应元数据中相关文档列表的键名
	RetrievedDocuments = "qa_retrieved_documents"
	// FilterExpression 请求级过滤表达式覆盖的键名
	FilterExpression = "qa_filter_expression"
	// RelevancyThreshold 请求级相关性阈值覆盖的键名
	RelevancyThreshold = "relevancy_threshold"
	// QuestionAnswerContextParam 注入模板引用的占位符参数名
	QuestionAnswerContextParam = "question_answer_context"
)

// DefaultUserTextAdvise 默认注入模板
// 占位符由下游prompt渲染阶段替换，本阶段只负责提供参数值
const DefaultUserTextAdvise = `Context information is below.
---------------------
{question_answer_context}
---------------------
Given the context information above, and not prior knowledge,
answer the question. If you cannot find the answer in the context,
inform the user that you don't have enough information to answer.
`

const (
	defaultOrder              = 0
	defaultRelevancyThreshold = 0.7
	// contextJoinSeparator 相关文档拼接为注入上下文时的分隔符
	contextJoinSeparator = "\n"
)

// DataSource 可检索数据源
// 对query和可选过滤表达式返回候选文档；失败时错误原样向上传播
type DataSource interface {
	Search(ctx context.Context, query string, filterExpression string) ([]*schema.Document, error)
}

// Reranker 相关性重排序器
// 对一批文档文本按query打分，返回带原始下标的有序结果
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]*rerank.Result, error)
}

// Config RetrievalAdvisor配置
// 所有字段在构造时固定，构造后不可修改
type Config struct {
	// DataSources 数据源列表，必填且非空
	DataSources []DataSource
	// Reranker 重排序器，必填
	Reranker Reranker
	// UserTextAdvise 注入模板文本，空串表示使用默认模板
	UserTextAdvise string
	// RelevancyThreshold 默认相关性阈值，nil表示0.7，必须落在[0,1]
	RelevancyThreshold *float64
	// ProtectFromBlocking 流式模式下是否将阻塞的检索/重排工作隔离到工作池，nil表示true
	ProtectFromBlocking *bool
	// Order 链路中的排序优先级，数值越小越先执行
	Order int
}

// RetrievalAdvisor 检索增强阶段
// before: 多数据源并发检索 -> 单次批量rerank -> 阈值过滤 -> 注入上下文
// after: 将相关文档列表附加到响应元数据
type RetrievalAdvisor struct {
	dataSources         []DataSource
	reranker            Reranker
	userTextAdvise      string
	relevancyThreshold  float64
	protectFromBlocking bool
	order               int
	pool                *grpool.Pool
}

// New 创建RetrievalAdvisor，配置非法时构造失败
func New(cfg *Config) (*RetrievalAdvisor, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "config is required")
	}
	if len(cfg.DataSources) == 0 {
		return nil, errors.New(errors.ErrConfigInvalid, "at least one DataSource must be provided")
	}
	for i, ds := range cfg.DataSources {
		if ds == nil {
			return nil, errors.Newf(errors.ErrConfigInvalid, "DataSource at index %d is nil", i)
		}
	}
	if cfg.Reranker == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "reranker must be provided")
	}

	userTextAdvise := cfg.UserTextAdvise
	if userTextAdvise == "" {
		userTextAdvise = DefaultUserTextAdvise
	} else if strings.TrimSpace(userTextAdvise) == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "userTextAdvise must not be blank")
	}

	threshold := float64(defaultRelevancyThreshold)
	if cfg.RelevancyThreshold != nil {
		threshold = *cfg.RelevancyThreshold
		if threshold < 0 || threshold > 1 {
			return nil, errors.Newf(errors.ErrConfigInvalid, "relevancy threshold must be between 0 and 1, got %v", threshold)
		}
	}

	protect := true
	if cfg.ProtectFromBlocking != nil {
		protect = *cfg.ProtectFromBlocking
	}

	a := &RetrievalAdvisor{
		dataSources:         cfg.DataSources,
		reranker:            cfg.Reranker,
		userTextAdvise:      userTextAdvise,
		relevancyThreshold:  threshold,
		protectFromBlocking: protect,
		order:               cfg.Order,
	}
	if protect {
		// 工作池用于流式模式下隔离阻塞的检索/重排调用
		a.pool = grpool.New()
	}
	return a, nil
}

// Name 返回阶段名称
func (a *RetrievalAdvisor) Name() string {
	return "RetrievalAdvisor"
}

// Order 返回链路排序优先级
func (a *RetrievalAdvisor) Order() int {
	return a.order
}

// AroundCall 单次调用模式
// 先增强请求，再同步调用链路剩余阶段，最后为响应附加文档元数据
// 增强失败时直接返回错误，链路剩余阶段不会被调用
func (a *RetrievalAdvisor) AroundCall(ctx context.Context, req *AdvisedRequest, chain CallChain) (*AdvisedResponse, error) {
	augmented, err := a.before(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := chain.NextAroundCall(ctx, augmented)
	if err != nil {
		return nil, err
	}
	return a.after(resp), nil
}

// AroundStream 流式调用模式
// ProtectFromBlocking开启时，增强工作被调度到独立工作池，
// 避免阻塞驱动增量序列的协作式调度循环；增量顺序原样保持，
// 只有携带非空FinishReason的终止增量会经过 after 附加文档元数据
func (a *RetrievalAdvisor) AroundStream(ctx context.Context, req *AdvisedRequest, chain StreamChain) (*schema.StreamReader[*AdvisedResponse], error) {
	if !a.protectFromBlocking {
		augmented, err := a.before(ctx, req)
		if err != nil {
			return nil, err
		}
		inner, err := chain.NextAroundStream(ctx, augmented)
		if err != nil {
			return nil, err
		}
		return a.annotateTerminal(inner), nil
	}

	sr, sw := schema.Pipe[*AdvisedResponse](8)
	err := a.pool.Add(ctx, func(ctx context.Context) {
		defer sw.Close()

		augmented, err := a.before(ctx, req)
		if err != nil {
			sw.Send(nil, err)
			return
		}
		inner, err := chain.NextAroundStream(ctx, augmented)
		if err != nil {
			sw.Send(nil, err)
			return
		}
		defer inner.Close()

		for {
			item, err := inner.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				sw.Send(nil, err)
				return
			}
			if item.FinishReason() != "" {
				item = a.after(item)
			}
			// 消费方关闭读端后停止向上游继续请求增量
			if closed := sw.Send(item, nil); closed {
				return
			}
		}
	})
	if err != nil {
		sr.Close()
		return nil, errors.Newf(errors.ErrStreamingFailed, "failed to schedule augmentation: %v", err)
	}
	return sr, nil
}

// annotateTerminal 包装增量流，仅对终止增量执行 after
func (a *RetrievalAdvisor) annotateTerminal(inner *schema.StreamReader[*AdvisedResponse]) *schema.StreamReader[*AdvisedResponse] {
	return schema.StreamReaderWithConvert(inner, func(item *AdvisedResponse) (*AdvisedResponse, error) {
		if item.FinishReason() != "" {
			return a.after(item), nil
		}
		return item, nil
	})
}

// before 增强算法
// 产生新请求：原文本+分隔符+模板文本，合并参数与旁路上下文；原请求不被修改
func (a *RetrievalAdvisor) before(ctx context.Context, req *AdvisedRequest) (*AdvisedRequest, error) {
	reqCtx := req.Context
	if reqCtx == nil {
		reqCtx = NewAdviseContext()
	}

	// 1. 解析生效阈值：请求级覆盖优先于配置默认值
	threshold := a.relevancyThreshold
	if reqCtx.ScoreThreshold != "" {
		parsed, err := strconv.ParseFloat(reqCtx.ScoreThreshold, 64)
		if err != nil {
			return nil, errors.Newf(errors.ErrMalformedOverride, "invalid relevancy threshold override %q: %v", reqCtx.ScoreThreshold, err)
		}
		threshold = parsed
	}

	// 2. 解析可选过滤表达式
	filterExpression := reqCtx.FilterExpression

	// 3. 并发检索所有数据源，按数据源声明顺序拼接结果
	documents, err := a.searchAll(ctx, req.UserText, filterExpression)
	if err != nil {
		return nil, err
	}

	g.Log().Debugf(ctx, "question: %s", req.UserText)
	g.Log().Infof(ctx, "检索完成，共 %d 个候选文档", len(documents))

	// 4-6. 批量rerank并按阈值过滤，保持rerank给出的相关性顺序
	relevantDocs, err := a.rerankAndFilter(ctx, req.UserText, documents, threshold)
	if err != nil {
		return nil, err
	}

	g.Log().Infof(ctx, "阈值过滤后剩余 %d 个相关文档", len(relevantDocs))

	// 7. 相关文档写入旁路上下文
	newCtx := reqCtx.Clone()
	newCtx.Documents = relevantDocs

	// 8. 拼接注入上下文文本
	contents := make([]string, len(relevantDocs))
	for i, doc := range relevantDocs {
		contents[i] = doc.Content
	}
	documentContext := strings.Join(contents, contextJoinSeparator)

	// 9-10. 合并模板参数并产生新请求
	augmented := req.Clone()
	augmented.UserText = req.UserText + contextJoinSeparator + a.userTextAdvise
	augmented.UserParams[QuestionAnswerContextParam] = documentContext
	augmented.Context = newCtx
	return augmented, nil
}

// searchAll 并发调用所有数据源
// 结果按数据源声明顺序（而非完成时间）拼接，任一数据源失败则整体失败
func (a *RetrievalAdvisor) searchAll(ctx context.Context, query string, filterExpression string) ([]*schema.Document, error) {
	results := make([][]*schema.Document, len(a.dataSources))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, source := range a.dataSources {
		i, source := i, source
		eg.Go(func() error {
			docs, err := source.Search(egCtx, query, filterExpression)
			if err != nil {
				return err
			}
			results[i] = docs
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var documents []*schema.Document
	for _, docs := range results {
		documents = append(documents, docs...)
	}
	return documents, nil
}

// rerankAndFilter 单次批量rerank后按阈值过滤
// 分数等于阈值的文档保留（闭区间边界）；空候选集跳过rerank
func (a *RetrievalAdvisor) rerankAndFilter(ctx context.Context, query string, documents []*schema.Document, threshold float64) ([]*schema.Document, error) {
	if len(documents) == 0 {
		return []*schema.Document{}, nil
	}

	texts := make([]string, len(documents))
	for i, doc := range documents {
		texts[i] = doc.Content
	}

	results, err := a.reranker.Rerank(ctx, query, texts)
	if err != nil {
		return nil, err
	}

	relevantDocs := make([]*schema.Document, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(documents) {
			return nil, errors.Newf(errors.ErrRerankFailed, "invalid result index: %d", res.Index)
		}
		if res.RelevanceScore >= threshold {
			relevantDocs = append(relevantDocs, documents[res.Index].WithScore(res.RelevanceScore))
		}
	}
	return relevantDocs, nil
}

// after 注入步骤：将旁路上下文中的相关文档列表附加到响应元数据
func (a *RetrievalAdvisor) after(resp *AdvisedResponse) *AdvisedResponse {
	annotated := resp.Clone()
	if annotated.Context != nil {
		annotated.Metadata[RetrievedDocuments] = annotated.Context.Documents
	}
	return annotated
}
