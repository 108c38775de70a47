package datasource

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Malowking/advisor/core/advisor"
	"github.com/Malowking/advisor/core/errors"
	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// PostgresSourceConfig PostgreSQL(pgvector)数据源配置
type PostgresSourceConfig struct {
	// DB gorm连接实例（postgres driver），必填
	DB *gorm.DB
	// Embedder 查询向量化客户端，必填
	Embedder *Embedder
	// Table 向量表名称，必填
	Table string
	// MetricType 距离度量类型: COSINE/L2/IP，默认 COSINE
	MetricType string
	// TopK 单次检索返回数量，默认 5
	TopK int
	// Dim 查询向量维度，默认 1024
	Dim int
}

// PostgresSource 基于pgvector向量检索的数据源
// 过滤表达式为SQL条件片段，以AND方式拼接到检索语句
// 表达式来源于配置方而非终端用户输入
type PostgresSource struct {
	db         *gorm.DB
	embedder   *Embedder
	table      string
	metricType string
	topK       int
	dim        int
}

var _ advisor.DataSource = (*PostgresSource)(nil)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresSource 创建PostgreSQL数据源
func NewPostgresSource(cfg *PostgresSourceConfig) (*PostgresSource, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "postgres source config is required")
	}
	if cfg.DB == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "gorm db is required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "embedder is required")
	}
	if cfg.Table == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "table name is required")
	}
	if !tableNamePattern.MatchString(cfg.Table) {
		return nil, errors.Newf(errors.ErrConfigInvalid, "invalid table name: %s", cfg.Table)
	}

	metricType := strings.ToUpper(cfg.MetricType)
	if metricType == "" {
		metricType = "COSINE"
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 5
	}
	dim := cfg.Dim
	if dim <= 0 {
		dim = 1024
	}

	return &PostgresSource{
		db:         cfg.DB,
		embedder:   cfg.Embedder,
		table:      cfg.Table,
		metricType: metricType,
		topK:       topK,
		dim:        dim,
	}, nil
}

// Search 执行向量相似度检索
func (s *PostgresSource) Search(ctx context.Context, query string, filterExpression string) ([]*schema.Document, error) {
	vectors, err := s.embedder.EmbedStrings(ctx, []string{query}, s.dim)
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, errors.Newf(errors.ErrVectorSearch, "invalid return length of vector, got=%d, expected=1", len(vectors))
	}

	queryVector := pgvector.NewVector(vectors[0])
	scoreCalc, orderBy := scoreExpressions(s.metricType)
	searchSQL := buildSearchSQL(s.table, scoreCalc, orderBy, filterExpression)

	// scoreCalc与orderBy各含一个向量占位符
	rows, err := s.db.WithContext(ctx).Raw(searchSQL, queryVector, queryVector, s.topK).Rows()
	if err != nil {
		return nil, errors.Newf(errors.ErrVectorSearch, "failed to execute vector search: %v", err)
	}
	defer rows.Close()

	var results []*schema.Document
	for rows.Next() {
		var id, text, documentID string
		var metadataBytes []byte
		var score float64

		if err := rows.Scan(&id, &text, &documentID, &metadataBytes, &score); err != nil {
			return nil, errors.Newf(errors.ErrVectorSearch, "failed to scan row: %v", err)
		}

		doc := &schema.Document{
			ID:      id,
			Content: text,
			MetaData: map[string]any{
				"document_id": documentID,
			},
		}
		if len(metadataBytes) > 0 {
			var metadata map[string]any
			if err := sonic.Unmarshal(metadataBytes, &metadata); err == nil {
				for k, v := range metadata {
					doc.MetaData[k] = v
				}
			}
		}
		doc.WithScore(score)
		results = append(results, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Newf(errors.ErrVectorSearch, "failed to iterate rows: %v", err)
	}

	return results, nil
}

// scoreExpressions 根据距离度量类型返回分数计算和排序表达式
func scoreExpressions(metricType string) (scoreCalc string, orderBy string) {
	switch metricType {
	case "COSINE":
		// 余弦距离: 0=相同, 2=相反，转换为相似度
		return "1 - (vector <=> ?)", "vector <=> ?"
	case "L2":
		// 欧氏距离: 0=相同，归一化到(0,1]
		return "1 / (1 + (vector <-> ?))", "vector <-> ?"
	case "IP", "INNER_PRODUCT":
		// 内积: 值越大越相似，降序排列
		return "(vector <#> ?)", "vector <#> ? DESC"
	default:
		return "1 - (vector <=> ?)", "vector <=> ?"
	}
}

// buildSearchSQL 构造检索语句，可选过滤片段以AND方式拼接
func buildSearchSQL(table, scoreCalc, orderBy, filterExpression string) string {
	where := ""
	if filterExpression != "" {
		where = fmt.Sprintf("WHERE (%s)", filterExpression)
	}
	return fmt.Sprintf(`
		SELECT id, text, document_id, metadata,
		       %s as similarity_score
		FROM %s
		%s
		ORDER BY %s
		LIMIT ?
	`, scoreCalc, table, where, orderBy)
}
