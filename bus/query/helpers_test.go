package query_test

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/x-research-team/dtx-query/bus/notify"
	"github.com/x-research-team/dtx-query/bus/query"
)

// testClient — минимальный клиент для тестов кеша и наблюдателей.
type testClient struct {
	cache    *query.Cache
	defaults query.Defaults
}

func newTestClient(opts ...query.CacheOption) *testClient {
	base := []query.CacheOption{
		query.WithNotifyManager(notify.New(notify.WithScheduler(notify.Immediate))),
	}
	return &testClient{cache: query.NewCache(append(base, opts...)...)}
}

func (c *testClient) QueryCache() *query.Cache {
	return c.cache
}

func (c *testClient) DefaultQueryOptions(opts query.Options) query.Options {
	return c.defaults.Apply(opts)
}

func (c *testClient) QueryDefaults(key query.QueryKey) query.Options {
	opts, _ := c.defaults.Get(key)
	return opts
}

func (c *testClient) build(opts query.Options) *query.Query {
	return c.cache.Build(c, c.DefaultQueryOptions(opts), nil)
}

// countingFn возвращает value и считает вызовы.
func countingFn(calls *atomic.Int32, value any) query.QueryFunc {
	return func(context.Context, query.FunctionContext) (any, error) {
		calls.Add(1)
		return value, nil
	}
}

// blockingFn ждет закрытия release или отмены контекста.
func blockingFn(calls *atomic.Int32, release <-chan struct{}, value any) query.QueryFunc {
	return func(ctx context.Context, _ query.FunctionContext) (any, error) {
		calls.Add(1)
		select {
		case <-release:
			return value, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func testCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

const (
	waitFor = time.Second
	tick    = time.Millisecond
)
