package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// cacheFirst：命中直接返回并标记为永久缓存，从不重新验证；
// 未命中访问网络，2xx 写入副本后返回原响应。
func (m *Manager) cacheFirst(ctx context.Context, req *Request, partition string) (*Response, error) {
	key := req.Key()
	if cached := m.lookup(ctx, partition, key); cached != nil {
		cached.Header.Set("Cache-Control", immutableCacheControl)
		return cached.withStatus(StatusHit), nil
	}

	resp, err := m.network(ctx, req)
	if err != nil {
		return nil, err
	}
	m.storeSuccess(ctx, partition, key, resp)
	return resp.withStatus(StatusMiss), nil
}

type fetchResult struct {
	resp *Response
	err  error
}

// staleWhileRevalidate：每次都在后台发起网络请求并回写 2xx 结果。
// 命中时立即返回缓存；未命中时等待这次后台请求。
func (m *Manager) staleWhileRevalidate(ctx context.Context, req *Request, partition string) (*Response, error) {
	key := req.Key()
	cached := m.lookup(ctx, partition, key)
	pending := m.revalidate(ctx, req, partition, key)

	if cached != nil {
		return cached.withStatus(StatusStale), nil
	}

	select {
	case result := <-pending:
		if result.err != nil {
			return nil, result.err
		}
		return result.resp.withStatus(StatusMiss), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revalidate 在脱离请求生命周期的 context 上运行，先写缓存再投递结果，
// 保证等待者收到响应时条目已经可读。失败只记 debug。
func (m *Manager) revalidate(ctx context.Context, req *Request, partition, key string) <-chan fetchResult {
	out := make(chan fetchResult, 1)
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.revalidateTimeout)
		defer cancel()

		var result fetchResult
		defer func() {
			if r := recover(); r != nil {
				result = fetchResult{err: fmt.Errorf("revalidate %s: panic: %v", key, r)}
			}
			if result.err != nil {
				m.logger.WithFields(logrus.Fields{
					"site": m.site.Name, "key": key,
				}).WithError(result.err).Debug("background revalidation failed")
			}
			out <- result
		}()

		resp, err := m.network(bgCtx, req)
		if err != nil {
			result.err = err
			return
		}
		m.storeSuccess(bgCtx, partition, key, resp)
		result.resp = resp
	}()
	return out
}

// networkFirst：优先网络，2xx 写入副本；网络不可达时回退到缓存，
// 缓存也没有则把错误交给 route。非 2xx 原样返回，不触发回退。
func (m *Manager) networkFirst(ctx context.Context, req *Request, partition string) (*Response, error) {
	key := req.Key()
	resp, err := m.network(ctx, req)
	if err == nil {
		m.storeSuccess(ctx, partition, key, resp)
		return resp.withStatus(StatusNetwork), nil
	}

	if cached := m.lookup(ctx, partition, key); cached != nil {
		m.logger.WithFields(logrus.Fields{
			"site": m.site.Name, "key": key,
		}).WithError(err).Info("network failed, serving cached response")
		return cached.withStatus(StatusFallback), nil
	}
	return nil, err
}
