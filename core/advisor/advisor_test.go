package advisor

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Malowking/advisor/core/errors"
	"github.com/Malowking/advisor/core/rerank"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource 测试用数据源，记录收到的参数
type stubSource struct {
	docs      []*schema.Document
	err       error
	gotQuery  string
	gotFilter string
	calls     int
}

func (s *stubSource) Search(ctx context.Context, query string, filterExpression string) ([]*schema.Document, error) {
	s.calls++
	s.gotQuery = query
	s.gotFilter = filterExpression
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

// stubReranker 测试用重排序器
type stubReranker struct {
	results  []*rerank.Result
	err      error
	calls    int
	gotQuery string
	gotDocs  []string
}

func (r *stubReranker) Rerank(ctx context.Context, query string, documents []string) ([]*rerank.Result, error) {
	r.calls++
	r.gotQuery = query
	r.gotDocs = documents
	if r.err != nil {
		return nil, r.err
	}
	return r.results, nil
}

// captureChain 记录收到的增强请求并返回固定响应
type captureChain struct {
	gotReq *AdvisedRequest
	resp   *AdvisedResponse
	err    error
	calls  int
}

func (c *captureChain) NextAroundCall(ctx context.Context, req *AdvisedRequest) (*AdvisedResponse, error) {
	c.calls++
	c.gotReq = req
	if c.err != nil {
		return nil, c.err
	}
	if c.resp != nil {
		return c.resp, nil
	}
	return &AdvisedResponse{
		Message:  schema.AssistantMessage("answer", nil),
		Metadata: make(map[string]interface{}),
		Context:  req.Context,
	}, nil
}

func doc(id, content string) *schema.Document {
	return &schema.Document{ID: id, Content: content, MetaData: make(map[string]any)}
}

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func newTestAdvisor(t *testing.T, cfg *Config) *RetrievalAdvisor {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestNewValidation(t *testing.T) {
	validSources := []DataSource{&stubSource{}}
	validReranker := &stubReranker{}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"nil config", nil, true},
		{"empty data sources", &Config{Reranker: validReranker}, true},
		{"nil data source entry", &Config{DataSources: []DataSource{nil}, Reranker: validReranker}, true},
		{"nil reranker", &Config{DataSources: validSources}, true},
		{"blank advise template", &Config{DataSources: validSources, Reranker: validReranker, UserTextAdvise: "   "}, true},
		{"threshold below range", &Config{DataSources: validSources, Reranker: validReranker, RelevancyThreshold: floatPtr(-0.1)}, true},
		{"threshold above range", &Config{DataSources: validSources, Reranker: validReranker, RelevancyThreshold: floatPtr(1.5)}, true},
		{"threshold zero", &Config{DataSources: validSources, Reranker: validReranker, RelevancyThreshold: floatPtr(0.0)}, false},
		{"threshold one", &Config{DataSources: validSources, Reranker: validReranker, RelevancyThreshold: floatPtr(1.0)}, false},
		{"defaults", &Config{DataSources: validSources, Reranker: validReranker}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, a)
				appErr := errors.GetAppError(err)
				require.NotNil(t, appErr)
				assert.Equal(t, errors.ErrConfigInvalid, appErr.Code)
			} else {
				assert.NoError(t, err)
				require.NotNil(t, a)
				assert.Equal(t, "RetrievalAdvisor", a.Name())
			}
		})
	}
}

func TestAroundCallAugmentsRequest(t *testing.T) {
	ctx := context.Background()

	sourceAB := &stubSource{docs: []*schema.Document{doc("a", "doc A"), doc("b", "doc B")}}
	sourceC := &stubSource{docs: []*schema.Document{doc("c", "doc C")}}
	// rerank结果：C最相关，A其次，B低于阈值
	reranker := &stubReranker{results: []*rerank.Result{
		{Index: 2, RelevanceScore: 0.95},
		{Index: 0, RelevanceScore: 0.8},
		{Index: 1, RelevanceScore: 0.3},
	}}

	a := newTestAdvisor(t, &Config{
		DataSources: []DataSource{sourceAB, sourceC},
		Reranker:    reranker,
	})

	req := NewAdvisedRequest("what is FSDP?")
	chain := &captureChain{}
	resp, err := a.AroundCall(ctx, req, chain)
	require.NoError(t, err)
	require.NotNil(t, resp)

	// 数据源按声明顺序拼接后再送rerank
	assert.Equal(t, []string{"doc A", "doc B", "doc C"}, reranker.gotDocs)
	assert.Equal(t, "what is FSDP?", reranker.gotQuery)

	// 增强请求：原文本+分隔符+模板
	augmented := chain.gotReq
	require.NotNil(t, augmented)
	assert.Equal(t, "what is FSDP?\n"+DefaultUserTextAdvise, augmented.UserText)

	// 注入上下文按rerank顺序拼接
	assert.Equal(t, "doc C\ndoc A", augmented.UserParams[QuestionAnswerContextParam])

	// 旁路上下文携带过滤后的相关文档，保持rerank顺序
	require.Len(t, augmented.Context.Documents, 2)
	assert.Equal(t, "c", augmented.Context.Documents[0].ID)
	assert.Equal(t, "a", augmented.Context.Documents[1].ID)
	assert.InDelta(t, 0.95, augmented.Context.Documents[0].Score(), 1e-9)

	// 原请求不被修改
	assert.Equal(t, "what is FSDP?", req.UserText)
	assert.Empty(t, req.UserParams)
	assert.Empty(t, req.Context.Documents)

	// 响应元数据附带相关文档列表
	metaDocs, ok := resp.Metadata[RetrievedDocuments].([]*schema.Document)
	require.True(t, ok)
	require.Len(t, metaDocs, 2)

	// 元数据中每个文档的正文按序出现在注入上下文中
	joined := augmented.UserParams[QuestionAnswerContextParam].(string)
	offset := 0
	for _, d := range metaDocs {
		idx := strings.Index(joined[offset:], d.Content)
		require.GreaterOrEqual(t, idx, 0)
		offset += idx + len(d.Content)
	}
}

func TestThresholdBoundaryInclusive(t *testing.T) {
	ctx := context.Background()

	source := &stubSource{docs: []*schema.Document{doc("a", "A"), doc("b", "B")}}
	reranker := &stubReranker{results: []*rerank.Result{
		{Index: 0, RelevanceScore: 0.7},
		{Index: 1, RelevanceScore: 0.6999},
	}}

	a := newTestAdvisor(t, &Config{
		DataSources:        []DataSource{source},
		Reranker:           reranker,
		RelevancyThreshold: floatPtr(0.7),
	})

	chain := &captureChain{}
	_, err := a.AroundCall(ctx, NewAdvisedRequest("q"), chain)
	require.NoError(t, err)

	// 分数等于阈值的文档保留
	require.Len(t, chain.gotReq.Context.Documents, 1)
	assert.Equal(t, "a", chain.gotReq.Context.Documents[0].ID)
}

func TestFilterExpressionPropagation(t *testing.T) {
	ctx := context.Background()

	s1 := &stubSource{docs: []*schema.Document{doc("a", "A"), doc("b", "B")}}
	s2 := &stubSource{docs: []*schema.Document{doc("c", "C")}}
	s3 := &stubSource{}
	reranker := &stubReranker{results: []*rerank.Result{
		{Index: 0, RelevanceScore: 0.9},
		{Index: 1, RelevanceScore: 0.9},
		{Index: 2, RelevanceScore: 0.9},
	}}

	a := newTestAdvisor(t, &Config{
		DataSources: []DataSource{s1, s2, s3},
		Reranker:    reranker,
	})

	req := NewAdvisedRequest("the question")
	req.Context.FilterExpression = `metadata["lang"] == "zh"`

	chain := &captureChain{}
	_, err := a.AroundCall(ctx, req, chain)
	require.NoError(t, err)

	// 每个数据源都收到相同的query和过滤表达式
	for _, s := range []*stubSource{s1, s2, s3} {
		assert.Equal(t, 1, s.calls)
		assert.Equal(t, "the question", s.gotQuery)
		assert.Equal(t, `metadata["lang"] == "zh"`, s.gotFilter)
	}

	// 拼接顺序：数据源声明顺序 + 源内顺序
	assert.Equal(t, []string{"A", "B", "C"}, reranker.gotDocs)
}

func TestEmptyResultsSkipRerank(t *testing.T) {
	ctx := context.Background()

	reranker := &stubReranker{}
	a := newTestAdvisor(t, &Config{
		DataSources: []DataSource{&stubSource{}, &stubSource{}},
		Reranker:    reranker,
	})

	chain := &captureChain{}
	resp, err := a.AroundCall(ctx, NewAdvisedRequest("q"), chain)
	require.NoError(t, err)

	// 空候选集不触发rerank
	assert.Equal(t, 0, reranker.calls)
	assert.Empty(t, chain.gotReq.Context.Documents)
	// 模板仍然注入，上下文参数为空串
	assert.Equal(t, "", chain.gotReq.UserParams[QuestionAnswerContextParam])
	assert.Equal(t, "q\n"+DefaultUserTextAdvise, chain.gotReq.UserText)

	metaDocs, ok := resp.Metadata[RetrievedDocuments].([]*schema.Document)
	require.True(t, ok)
	assert.Empty(t, metaDocs)
}

func TestThresholdOverridePerRequest(t *testing.T) {
	ctx := context.Background()

	source := &stubSource{docs: []*schema.Document{doc("a", "A")}}
	reranker := &stubReranker{results: []*rerank.Result{
		{Index: 0, RelevanceScore: 0.8},
	}}

	a := newTestAdvisor(t, &Config{
		DataSources:        []DataSource{source},
		Reranker:           reranker,
		RelevancyThreshold: floatPtr(0.7),
	})

	// 请求级覆盖0.9：0.8分的文档被过滤
	req := NewAdvisedRequest("q")
	req.Context.ScoreThreshold = "0.9"
	chain := &captureChain{}
	_, err := a.AroundCall(ctx, req, chain)
	require.NoError(t, err)
	assert.Empty(t, chain.gotReq.Context.Documents)

	// 后续不带覆盖的请求回到配置默认值0.7
	chain2 := &captureChain{}
	_, err = a.AroundCall(ctx, NewAdvisedRequest("q"), chain2)
	require.NoError(t, err)
	assert.Len(t, chain2.gotReq.Context.Documents, 1)
}

func TestMalformedThresholdOverride(t *testing.T) {
	ctx := context.Background()

	source := &stubSource{docs: []*schema.Document{doc("a", "A")}}
	a := newTestAdvisor(t, &Config{
		DataSources: []DataSource{source},
		Reranker:    &stubReranker{},
	})

	req := NewAdvisedRequest("q")
	req.Context.ScoreThreshold = "not-a-number"

	chain := &captureChain{}
	resp, err := a.AroundCall(ctx, req, chain)
	require.Error(t, err)
	assert.Nil(t, resp)

	appErr := errors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, errors.ErrMalformedOverride, appErr.Code)

	// 增强失败时链路剩余阶段不被调用
	assert.Equal(t, 0, chain.calls)
	assert.Equal(t, 0, source.calls)
}

func TestDataSourceErrorAborts(t *testing.T) {
	ctx := context.Background()

	sourceErr := fmt.Errorf("milvus connection refused")
	a := newTestAdvisor(t, &Config{
		DataSources: []DataSource{
			&stubSource{docs: []*schema.Document{doc("a", "A")}},
			&stubSource{err: sourceErr},
		},
		Reranker: &stubReranker{},
	})

	chain := &captureChain{}
	_, err := a.AroundCall(ctx, NewAdvisedRequest("q"), chain)
	// 数据源错误原样向上传播
	require.ErrorIs(t, err, sourceErr)
	assert.Equal(t, 0, chain.calls)
}

func TestRerankErrorAborts(t *testing.T) {
	ctx := context.Background()

	rerankErr := errors.New(errors.ErrRerankFailed, "API error (HTTP 500)")
	a := newTestAdvisor(t, &Config{
		DataSources: []DataSource{&stubSource{docs: []*schema.Document{doc("a", "A")}}},
		Reranker:    &stubReranker{err: rerankErr},
	})

	chain := &captureChain{}
	_, err := a.AroundCall(ctx, NewAdvisedRequest("q"), chain)
	require.ErrorIs(t, err, rerankErr)
	assert.Equal(t, 0, chain.calls)
}

func TestChainErrorPropagates(t *testing.T) {
	ctx := context.Background()

	a := newTestAdvisor(t, &Config{
		DataSources: []DataSource{&stubSource{}},
		Reranker:    &stubReranker{},
	})

	chainErr := errors.New(errors.ErrLLMCallFailed, "model unavailable")
	chain := &captureChain{err: chainErr}
	_, err := a.AroundCall(ctx, NewAdvisedRequest("q"), chain)
	require.ErrorIs(t, err, chainErr)
}
