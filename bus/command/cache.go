package command

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/x-research-team/dtx-query/bus/device"
	"github.com/x-research-team/dtx-query/bus/event"
	"github.com/x-research-team/dtx-query/bus/notify"
	"github.com/x-research-team/dtx-query/bus/retry"
)

// EventType различает события кеша мутаций.
type EventType string

const (
	EventMutationAdded   EventType = "mutationAdded"
	EventMutationRemoved EventType = "mutationRemoved"
	EventMutationUpdated EventType = "mutationUpdated"
	EventObserverAdded   EventType = "observerAdded"
	EventObserverRemoved EventType = "observerRemoved"
)

// Event передается подписчикам кеша мутаций.
type Event struct {
	Type     EventType
	Mutation *Mutation
	Observer *Observer
	Action   Action
}

type cacheConfig struct {
	onError     func(err error, variables, mctx any, m *Mutation)
	onSuccess   func(data, variables, mctx any, m *Mutation)
	onMutate    func(variables any, m *Mutation)
	notifier    *notify.Manager
	focus       retry.Focus
	online      retry.Online
	logger      *slog.Logger
	middlewares []Middleware
}

// CacheOption настраивает Cache.
type CacheOption func(*cacheConfig)

// WithOnError задает обработчик окончательной ошибки любой мутации, кроме
// отмены.
func WithOnError(fn func(err error, variables, mctx any, m *Mutation)) CacheOption {
	return func(c *cacheConfig) {
		c.onError = fn
	}
}

// WithOnSuccess задает обработчик успешного выполнения любой мутации.
func WithOnSuccess(fn func(data, variables, mctx any, m *Mutation)) CacheOption {
	return func(c *cacheConfig) {
		c.onSuccess = fn
	}
}

// WithOnMutate задает обработчик начала любой мутации. Вызывается до
// OnMutate параметров.
func WithOnMutate(fn func(variables any, m *Mutation)) CacheOption {
	return func(c *cacheConfig) {
		c.onMutate = fn
	}
}

// WithNotifyManager задает планировщик уведомлений.
func WithNotifyManager(m *notify.Manager) CacheOption {
	return func(c *cacheConfig) {
		c.notifier = m
	}
}

// WithFocusManager задает источник сигнала фокуса для пауз повторов.
func WithFocusManager(f retry.Focus) CacheOption {
	return func(c *cacheConfig) {
		c.focus = f
	}
}

// WithOnlineManager задает источник сигнала сети для пауз повторов.
func WithOnlineManager(o retry.Online) CacheOption {
	return func(c *cacheConfig) {
		c.online = o
	}
}

// WithLogger задает логгер ошибок мутаций.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *cacheConfig) {
		c.logger = logger
	}
}

// WithMiddleware добавляет промежуточные слои вокруг функций мутаций.
func WithMiddleware(mw ...Middleware) CacheOption {
	return func(c *cacheConfig) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// Cache — плоский список мутаций в порядке создания.
type Cache struct {
	event.Subscribable[func(Event)]

	cfg cacheConfig

	mu        sync.RWMutex
	mutations []*Mutation
	nextID    atomic.Int64
	resumeMu  sync.Mutex
}

// NewCache создает кеш мутаций.
func NewCache(opts ...CacheOption) *Cache {
	cfg := cacheConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.onError == nil {
		cfg.onError = func(error, any, any, *Mutation) {}
	}
	if cfg.onSuccess == nil {
		cfg.onSuccess = func(any, any, any, *Mutation) {}
	}
	if cfg.onMutate == nil {
		cfg.onMutate = func(any, *Mutation) {}
	}
	if cfg.notifier == nil {
		cfg.notifier = notify.New()
	}
	if cfg.focus == nil {
		cfg.focus = device.NewFocusManager()
	}
	if cfg.online == nil {
		cfg.online = device.NewOnlineManager()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Cache{cfg: cfg}
}

// Configure применяет параметры к уже созданному кешу. Вызывается до
// начала работы с кешем.
func (c *Cache) Configure(opts ...CacheOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, opt := range opts {
		opt(&c.cfg)
	}
}

// Notifier возвращает планировщик уведомлений кеша.
func (c *Cache) Notifier() *notify.Manager {
	return c.cfg.notifier
}

// Logger возвращает логгер кеша.
func (c *Cache) Logger() *slog.Logger {
	return c.cfg.logger
}

func (c *Cache) wrap(fn MutationFunction) MutationFunction {
	if fn == nil {
		return nil
	}
	for i := len(c.cfg.middlewares) - 1; i >= 0; i-- {
		fn = c.cfg.middlewares[i](fn)
	}
	return fn
}

// Build создает мутацию с разрешенными параметрами и регистрирует ее.
func (c *Cache) Build(client Client, opts Options, state *State) *Mutation {
	m := newMutation(c, c.nextID.Add(1), client.DefaultMutationOptions(opts), state)
	c.Add(m)
	return m
}

// Add регистрирует мутацию.
func (c *Cache) Add(m *Mutation) {
	c.mu.Lock()
	if slices.Contains(c.mutations, m) {
		c.mu.Unlock()
		return
	}
	c.mutations = append(c.mutations, m)
	c.mu.Unlock()

	c.notify(Event{Type: EventMutationAdded, Mutation: m})
}

// Remove удаляет мутацию и отменяет ее выполнение.
func (c *Cache) Remove(m *Mutation) {
	c.mu.Lock()
	idx := slices.Index(c.mutations, m)
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.mutations = slices.Delete(slices.Clone(c.mutations), idx, idx+1)
	c.mu.Unlock()

	m.destroy()
	c.notify(Event{Type: EventMutationRemoved, Mutation: m})
}

// Clear удаляет все мутации одним пакетом уведомлений.
func (c *Cache) Clear() {
	c.cfg.notifier.Batch(func() {
		for _, m := range c.GetAll() {
			c.Remove(m)
		}
	})
}

// GetAll возвращает снимок мутаций в порядке создания.
func (c *Cache) GetAll() []*Mutation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.mutations)
}

// Find возвращает первую мутацию, ключ которой точно совпадает с ключом
// фильтра.
func (c *Cache) Find(f Filters) (*Mutation, bool) {
	f.Exact = true
	for _, m := range c.GetAll() {
		if f.Match(m) {
			return m, true
		}
	}
	return nil, false
}

// FindAll возвращает все мутации, подходящие под фильтр.
func (c *Cache) FindAll(f Filters) []*Mutation {
	var out []*Mutation
	for _, m := range c.GetAll() {
		if f.Match(m) {
			out = append(out, m)
		}
	}
	return out
}

func (c *Cache) notify(e Event) {
	c.cfg.notifier.Batch(func() {
		for _, l := range c.Listeners() {
			l(e)
		}
	})
}

// ResumePausedMutations последовательно продолжает приостановленные
// мутации в порядке создания. Ошибки отдельных мутаций не прерывают обход.
func (c *Cache) ResumePausedMutations(ctx context.Context) {
	c.resumeMu.Lock()
	defer c.resumeMu.Unlock()

	for _, m := range c.GetAll() {
		if !m.State().IsPaused {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := m.Continue(ctx); err != nil {
			c.cfg.logger.Debug("приостановленная мутация завершилась ошибкой",
				slog.Int64("mutation_id", m.ID()),
				slog.Any("error", err),
			)
		}
	}
}

// OnFocus продолжает приостановленные мутации в фоне.
func (c *Cache) OnFocus() {
	go c.ResumePausedMutations(context.Background())
}

// OnOnline продолжает приостановленные мутации в фоне.
func (c *Cache) OnOnline() {
	go c.ResumePausedMutations(context.Background())
}
