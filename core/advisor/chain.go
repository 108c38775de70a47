package advisor

import (
	"context"
	"sort"

	"github.com/Malowking/advisor/core/errors"
	"github.com/cloudwego/eino/schema"
)

// Advisor 链路阶段的注册契约
type Advisor interface {
	// Name 阶段名称，用于诊断展示
	Name() string
	// Order 排序优先级，数值越小越先执行
	Order() int
}

// CallAroundAdvisor 参与单次调用模式的阶段
type CallAroundAdvisor interface {
	Advisor
	AroundCall(ctx context.Context, req *AdvisedRequest, chain CallChain) (*AdvisedResponse, error)
}

// StreamAroundAdvisor 参与流式调用模式的阶段
type StreamAroundAdvisor interface {
	Advisor
	AroundStream(ctx context.Context, req *AdvisedRequest, chain StreamChain) (*schema.StreamReader[*AdvisedResponse], error)
}

// CallChain 链路剩余阶段的单次调用句柄
type CallChain interface {
	NextAroundCall(ctx context.Context, req *AdvisedRequest) (*AdvisedResponse, error)
}

// StreamChain 链路剩余阶段的流式调用句柄
type StreamChain interface {
	NextAroundStream(ctx context.Context, req *AdvisedRequest) (*schema.StreamReader[*AdvisedResponse], error)
}

// CallHandler 链路末端的模型调用（单次）
type CallHandler interface {
	Call(ctx context.Context, req *AdvisedRequest) (*AdvisedResponse, error)
}

// StreamHandler 链路末端的模型调用（流式）
type StreamHandler interface {
	Stream(ctx context.Context, req *AdvisedRequest) (*schema.StreamReader[*AdvisedResponse], error)
}

// Chain 按Order排序驱动各阶段、末端触达模型调用的链路执行器
type Chain struct {
	callAdvisors   []CallAroundAdvisor
	streamAdvisors []StreamAroundAdvisor
	callHandler    CallHandler
	streamHandler  StreamHandler
}

// NewChain 创建链路执行器
// 各阶段按Order稳定排序（数值小的先执行，相同Order保持注册顺序）
func NewChain(callHandler CallHandler, streamHandler StreamHandler, advisors ...Advisor) (*Chain, error) {
	if callHandler == nil && streamHandler == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "at least one terminal handler must be provided")
	}

	for _, adv := range advisors {
		if adv == nil {
			return nil, errors.New(errors.ErrConfigInvalid, "advisor must not be nil")
		}
	}
	sorted := make([]Advisor, len(advisors))
	copy(sorted, advisors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})

	c := &Chain{
		callHandler:   callHandler,
		streamHandler: streamHandler,
	}
	for _, adv := range sorted {
		if ca, ok := adv.(CallAroundAdvisor); ok {
			c.callAdvisors = append(c.callAdvisors, ca)
		}
		if sa, ok := adv.(StreamAroundAdvisor); ok {
			c.streamAdvisors = append(c.streamAdvisors, sa)
		}
	}
	return c, nil
}

// Call 以单次模式执行整条链路
func (c *Chain) Call(ctx context.Context, req *AdvisedRequest) (*AdvisedResponse, error) {
	if c.callHandler == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "call handler is not configured")
	}
	cursor := &callCursor{chain: c, index: 0}
	return cursor.NextAroundCall(ctx, req)
}

// Stream 以流式模式执行整条链路
func (c *Chain) Stream(ctx context.Context, req *AdvisedRequest) (*schema.StreamReader[*AdvisedResponse], error) {
	if c.streamHandler == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "stream handler is not configured")
	}
	cursor := &streamCursor{chain: c, index: 0}
	return cursor.NextAroundStream(ctx, req)
}

type callCursor struct {
	chain *Chain
	index int
}

func (c *callCursor) NextAroundCall(ctx context.Context, req *AdvisedRequest) (*AdvisedResponse, error) {
	if c.index < len(c.chain.callAdvisors) {
		adv := c.chain.callAdvisors[c.index]
		next := &callCursor{chain: c.chain, index: c.index + 1}
		return adv.AroundCall(ctx, req, next)
	}
	return c.chain.callHandler.Call(ctx, req)
}

type streamCursor struct {
	chain *Chain
	index int
}

func (c *streamCursor) NextAroundStream(ctx context.Context, req *AdvisedRequest) (*schema.StreamReader[*AdvisedResponse], error) {
	if c.index < len(c.chain.streamAdvisors) {
		adv := c.chain.streamAdvisors[c.index]
		next := &streamCursor{chain: c.chain, index: c.index + 1}
		return adv.AroundStream(ctx, req, next)
	}
	return c.chain.streamHandler.Stream(ctx, req)
}
