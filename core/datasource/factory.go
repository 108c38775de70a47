package datasource

import (
	"context"
	"time"

	"github.com/Malowking/advisor/core/advisor"
	"github.com/Malowking/advisor/core/errors"
	"github.com/gogf/gf/v2/frame/g"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewSourcesFromConfig 根据配置文件组装数据源列表
// milvus.address 非空时启用Milvus数据源，postgres.dsn 非空时启用pgvector数据源
func NewSourcesFromConfig(ctx context.Context, embedder *Embedder) ([]advisor.DataSource, error) {
	var sources []advisor.DataSource

	if address := g.Cfg().MustGet(ctx, "milvus.address", "").String(); address != "" {
		source, err := NewMilvusSourceFromConfig(ctx, embedder)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	if dsn := g.Cfg().MustGet(ctx, "postgres.dsn", "").String(); dsn != "" {
		source, err := NewPostgresSourceFromConfig(ctx, embedder)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	if len(sources) == 0 {
		return nil, errors.New(errors.ErrConfigInvalid, "no data source configured: set milvus.address or postgres.dsn")
	}
	return sources, nil
}

// NewMilvusSourceFromConfig 从配置文件的 milvus 节点创建数据源
func NewMilvusSourceFromConfig(ctx context.Context, embedder *Embedder) (*MilvusSource, error) {
	client, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  g.Cfg().MustGet(ctx, "milvus.address", "").String(),
		Username: g.Cfg().MustGet(ctx, "milvus.username", "").String(),
		Password: g.Cfg().MustGet(ctx, "milvus.password", "").String(),
		DBName:   g.Cfg().MustGet(ctx, "milvus.dbName", "").String(),
	})
	if err != nil {
		return nil, errors.Newf(errors.ErrConfigInvalid, "failed to connect milvus: %v", err)
	}

	return NewMilvusSource(&MilvusSourceConfig{
		Client:      client,
		Embedder:    embedder,
		Collection:  g.Cfg().MustGet(ctx, "milvus.collection", "").String(),
		VectorField: g.Cfg().MustGet(ctx, "milvus.vectorField", "").String(),
		TopK:        g.Cfg().MustGet(ctx, "milvus.topK", 5).Int(),
		Dim:         g.Cfg().MustGet(ctx, "milvus.dim", 1024).Int(),
		Partition:   g.Cfg().MustGet(ctx, "milvus.partition", "").String(),
	})
}

// NewPostgresSourceFromConfig 从配置文件的 postgres 节点创建数据源
func NewPostgresSourceFromConfig(ctx context.Context, embedder *Embedder) (*PostgresSource, error) {
	dsn := g.Cfg().MustGet(ctx, "postgres.dsn", "").String()
	if dsn == "" {
		return nil, errors.New(errors.ErrConfigInvalid, "postgres.dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Newf(errors.ErrConfigInvalid, "failed to connect database: %v", err)
	}

	// 连接池参数
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Newf(errors.ErrConfigInvalid, "failed to get database instance: %v", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return NewPostgresSource(&PostgresSourceConfig{
		DB:         db,
		Embedder:   embedder,
		Table:      g.Cfg().MustGet(ctx, "postgres.table", "").String(),
		MetricType: g.Cfg().MustGet(ctx, "postgres.metricType", "COSINE").String(),
		TopK:       g.Cfg().MustGet(ctx, "postgres.topK", 5).Int(),
		Dim:        g.Cfg().MustGet(ctx, "postgres.dim", 1024).Int(),
	})
}
