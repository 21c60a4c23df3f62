package command_test

import (
	"context"
	"time"

	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/notify"
)

// testClient — минимальный клиент для тестов мутаций.
type testClient struct {
	cache    *command.Cache
	defaults command.Defaults
}

func newTestClient(opts ...command.CacheOption) *testClient {
	base := []command.CacheOption{
		command.WithNotifyManager(notify.New(notify.WithScheduler(notify.Immediate))),
	}
	return &testClient{cache: command.NewCache(append(base, opts...)...)}
}

func (c *testClient) MutationCache() *command.Cache {
	return c.cache
}

func (c *testClient) DefaultMutationOptions(opts command.Options) command.Options {
	return c.defaults.Apply(opts)
}

func (c *testClient) build(opts command.Options, state *command.State) *command.Mutation {
	return c.cache.Build(c, opts, state)
}

func testCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}

const (
	waitFor = time.Second
	tick    = time.Millisecond
)
