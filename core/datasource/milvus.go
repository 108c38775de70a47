package datasource

import (
	"context"

	"github.com/Malowking/advisor/core/advisor"
	"github.com/Malowking/advisor/core/errors"
	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
)

// MilvusSourceConfig Milvus数据源配置
type MilvusSourceConfig struct {
	// Client Milvus客户端实例，必填
	Client *milvusclient.Client
	// Embedder 查询向量化客户端，必填
	Embedder *Embedder
	// Collection 集合名称，必填
	Collection string
	// VectorField 向量字段名，默认 "vector"
	VectorField string
	// TopK 单次检索返回数量，默认 5
	TopK int
	// Dim 查询向量维度，默认 1024
	Dim int
	// Partition 可选分区
	Partition string
}

// MilvusSource 基于Milvus向量检索的数据源
// 过滤表达式为Milvus布尔表达式，原样下发
type MilvusSource struct {
	client      *milvusclient.Client
	embedder    *Embedder
	collection  string
	vectorField string
	topK        int
	dim         int
	partition   string
}

var _ advisor.DataSource = (*MilvusSource)(nil)

// NewMilvusSource 创建Milvus数据源
func NewMilvusSource(cfg *MilvusSourceConfig) (*MilvusSource, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "milvus source config is required")
	}
	if cfg.Client == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "milvus client is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "embedder is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "milvus collection is required")
	}

	vectorField := cfg.VectorField
	if vectorField == "" {
		vectorField = "vector"
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	dim := cfg.Dim
	if dim <= 0 {
		dim = 1024
	}

	return &MilvusSource{
		client:      cfg.Client,
		embedder:    cfg.Embedder,
		collection:  cfg.Collection,
		vectorField: vectorField,
		topK:        topK,
		dim:         dim,
		partition:   cfg.Partition,
	}, nil
}

// Search 执行向量相似度检索
func (s *MilvusSource) Search(ctx context.Context, query string, filterExpression string) ([]*schema.Document, error) {
	// embedding查询，直接获取float32向量
	vectors, err := s.embedder.EmbedStrings(ctx, []string{query}, s.dim)
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, errors.Newf(errors.ErrVectorSearch, "invalid return length of vector, got=%d, expected=1", len(vectors))
	}

	entityVectors := []entity.Vector{entity.FloatVector(vectors[0])}

	searchOpt := milvusclient.NewSearchOption(s.collection, s.topK, entityVectors).
		WithANNSField(s.vectorField).
		WithOutputFields("id", "text", "document_id", "metadata").
		WithConsistencyLevel(entity.ClBounded)

	if s.partition != "" {
		searchOpt = searchOpt.WithPartitions(s.partition)
	}
	if filterExpression != "" {
		searchOpt = searchOpt.WithFilter(filterExpression)
	}

	results, err := s.client.Search(ctx, searchOpt)
	if err != nil {
		return nil, errors.Newf(errors.ErrVectorSearch, "milvus search failed: %v", err)
	}
	if len(results) == 0 {
		return []*schema.Document{}, nil
	}

	return convertResultsToDocuments(results[0].Fields, results[0].Scores)
}

// convertResultsToDocuments 转换搜索结果为文档
func convertResultsToDocuments(columns []column.Column, scores []float32) ([]*schema.Document, error) {
	if len(columns) == 0 {
		return nil, nil
	}

	numDocs := columns[0].Len()
	result := make([]*schema.Document, numDocs)
	for i := range result {
		result[i] = &schema.Document{
			MetaData: make(map[string]any),
		}
	}

	for i := 0; i < numDocs && i < len(scores); i++ {
		result[i].WithScore(float64(scores[i]))
	}

	for _, col := range columns {
		switch col.Name() {
		case "id":
			for i := 0; i < col.Len(); i++ {
				val, err := col.Get(i)
				if err != nil {
					return nil, errors.Newf(errors.ErrVectorSearch, "failed to get id: %v", err)
				}
				if str, ok := val.(string); ok {
					result[i].ID = str
				}
			}
		case "text":
			for i := 0; i < col.Len(); i++ {
				val, err := col.Get(i)
				if err != nil {
					return nil, errors.Newf(errors.ErrVectorSearch, "failed to get text: %v", err)
				}
				if str, ok := val.(string); ok {
					result[i].Content = str
				}
			}
		case "metadata":
			for i := 0; i < col.Len(); i++ {
				val, err := col.Get(i)
				if err != nil || val == nil {
					continue
				}

				// 处理JSON格式的metadata
				var raw []byte
				switch v := val.(type) {
				case string:
					raw = []byte(v)
				case []byte:
					raw = v
				default:
					continue
				}
				var metadata map[string]any
				if err := sonic.Unmarshal(raw, &metadata); err == nil {
					for k, mv := range metadata {
						result[i].MetaData[k] = mv
					}
				}
			}
		default:
			// 其他字段添加到metadata
			for i := 0; i < col.Len(); i++ {
				val, err := col.Get(i)
				if err != nil {
					continue
				}
				result[i].MetaData[col.Name()] = val
			}
		}
	}

	return result, nil
}
