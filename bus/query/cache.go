package query

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/x-research-team/dtx-query/bus/device"
	"github.com/x-research-team/dtx-query/bus/event"
	"github.com/x-research-team/dtx-query/bus/notify"
	"github.com/x-research-team/dtx-query/bus/retry"
)

// EventType — тип события кеша.
type EventType string

const (
	EventQueryAdded             EventType = "queryAdded"
	EventQueryRemoved           EventType = "queryRemoved"
	EventQueryUpdated           EventType = "queryUpdated"
	EventObserverAdded          EventType = "observerAdded"
	EventObserverRemoved        EventType = "observerRemoved"
	EventObserverResultsUpdated EventType = "observerResultsUpdated"
)

// Event — уведомление кеша. Action задан только для EventQueryUpdated,
// Observer задан только для событий наблюдателей.
type Event struct {
	Type     EventType
	Query    *Query
	Observer *Observer
	Action   Action
}

type cacheConfig struct {
	onError     func(err error, q *Query)
	onSuccess   func(data any, q *Query)
	notifier    *notify.Manager
	focus       retry.Focus
	online      retry.Online
	logger      *slog.Logger
	middlewares []Middleware
	server      bool
}

// CacheOption настраивает Cache.
type CacheOption func(*cacheConfig)

// WithOnError задает обработчик любой окончательной ошибки загрузки,
// кроме отмены.
func WithOnError(fn func(err error, q *Query)) CacheOption {
	return func(c *cacheConfig) {
		c.onError = fn
	}
}

// WithOnSuccess задает обработчик любой успешной загрузки.
func WithOnSuccess(fn func(data any, q *Query)) CacheOption {
	return func(c *cacheConfig) {
		c.onSuccess = fn
	}
}

// WithNotifyManager задает планировщик уведомлений.
func WithNotifyManager(m *notify.Manager) CacheOption {
	return func(c *cacheConfig) {
		c.notifier = m
	}
}

// WithFocusManager задает источник сигнала фокуса.
func WithFocusManager(f retry.Focus) CacheOption {
	return func(c *cacheConfig) {
		c.focus = f
	}
}

// WithOnlineManager задает источник сигнала сети.
func WithOnlineManager(o retry.Online) CacheOption {
	return func(c *cacheConfig) {
		c.online = o
	}
}

// WithLogger задает журнал ошибок.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *cacheConfig) {
		c.logger = logger
	}
}

// WithMiddleware добавляет промежуточные слои вокруг функций загрузки.
// Первый слой оказывается внешним.
func WithMiddleware(mw ...Middleware) CacheOption {
	return func(c *cacheConfig) {
		c.middlewares = append(c.middlewares, mw...)
	}
}

// WithServerMode отключает таймеры наблюдателей.
func WithServerMode(server bool) CacheOption {
	return func(c *cacheConfig) {
		c.server = server
	}
}

// Cache — реестр записей по хешу ключа. На каждый хеш приходится ровно
// одна запись.
type Cache struct {
	event.Subscribable[func(Event)]

	cfg cacheConfig

	mu      sync.RWMutex
	queries []*Query
	byHash  map[string]*Query
}

// NewCache создает кеш запросов.
func NewCache(opts ...CacheOption) *Cache {
	cfg := cacheConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.onError == nil {
		cfg.onError = func(error, *Query) {}
	}
	if cfg.onSuccess == nil {
		cfg.onSuccess = func(any, *Query) {}
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
	return &Cache{
		cfg:    cfg,
		byHash: make(map[string]*Query),
	}
}

// Configure применяет параметры к уже созданному кешу. Вызывается до
// начала работы с кешем: так клиент передает ему общие сервисы.
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

// Logger возвращает журнал кеша.
func (c *Cache) Logger() *slog.Logger {
	return c.cfg.logger
}

// IsServer сообщает, отключены ли таймеры наблюдателей.
func (c *Cache) IsServer() bool {
	return c.cfg.server
}

func (c *Cache) isFocused() bool {
	return c.cfg.focus.IsFocused()
}

func (c *Cache) wrap(fn QueryFunction) QueryFunction {
	if fn == nil {
		return nil
	}
	for i := len(c.cfg.middlewares) - 1; i >= 0; i-- {
		fn = c.cfg.middlewares[i](fn)
	}
	return fn
}

// Build возвращает запись для хеша opts или создает новую.
func (c *Cache) Build(client Client, opts Options, state *State) *Query {
	hash := opts.QueryHash
	if hash == "" {
		hash = hashByOptions(opts.QueryKey, opts)
	}

	c.mu.Lock()
	if q, ok := c.byHash[hash]; ok {
		c.mu.Unlock()
		return q
	}
	defaults := client.QueryDefaults(opts.QueryKey)
	q := newQuery(c, opts.QueryKey, hash, client.DefaultQueryOptions(opts), defaults, state)
	c.queries = append(c.queries, q)
	c.byHash[hash] = q
	c.mu.Unlock()

	c.notify(Event{Type: EventQueryAdded, Query: q})
	return q
}

// Add регистрирует запись, если записи с таким хешем еще нет.
func (c *Cache) Add(q *Query) {
	c.mu.Lock()
	if _, ok := c.byHash[q.queryHash]; ok {
		c.mu.Unlock()
		return
	}
	c.queries = append(c.queries, q)
	c.byHash[q.queryHash] = q
	c.mu.Unlock()

	c.notify(Event{Type: EventQueryAdded, Query: q})
}

// Remove удаляет запись и молча отменяет ее загрузку.
func (c *Cache) Remove(q *Query) {
	c.mu.Lock()
	if c.byHash[q.queryHash] != q {
		c.mu.Unlock()
		return
	}
	delete(c.byHash, q.queryHash)
	c.queries = slices.DeleteFunc(slices.Clone(c.queries), func(x *Query) bool { return x == q })
	c.mu.Unlock()

	q.destroy()
	c.notify(Event{Type: EventQueryRemoved, Query: q})
}

// Clear удаляет все записи одним пакетом уведомлений.
func (c *Cache) Clear() {
	c.cfg.notifier.Batch(func() {
		for _, q := range c.GetAll() {
			c.Remove(q)
		}
	})
}

// Get возвращает запись по хешу.
func (c *Cache) Get(hash string) (*Query, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.byHash[hash]
	return q, ok
}

// GetAll возвращает снимок записей в порядке создания.
func (c *Cache) GetAll() []*Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.queries)
}

// Find возвращает первую запись, подходящую под key и фильтр. Без фильтра
// ключ сравнивается точно, с фильтром действует его поле Exact.
func (c *Cache) Find(key QueryKey, filters ...Filters) (*Query, bool) {
	f := Filters{Exact: true}
	if len(filters) > 0 {
		f = filters[0]
	}
	f.QueryKey = key
	for _, q := range c.GetAll() {
		if f.Match(q) {
			return q, true
		}
	}
	return nil, false
}

// FindAll возвращает все записи, подходящие под фильтр.
func (c *Cache) FindAll(f Filters) []*Query {
	var out []*Query
	for _, q := range c.GetAll() {
		if f.Match(q) {
			out = append(out, q)
		}
	}
	return out
}

// notify синхронно вызывает слушателей кеша внутри пакета уведомлений.
func (c *Cache) notify(e Event) {
	c.cfg.notifier.Batch(func() {
		for _, l := range c.Listeners() {
			l(e)
		}
	})
}

// OnFocus передает сигнал фокуса всем записям.
func (c *Cache) OnFocus() {
	c.cfg.notifier.Batch(func() {
		for _, q := range c.GetAll() {
			q.OnFocus()
		}
	})
}

// OnOnline передает сигнал сети всем записям.
func (c *Cache) OnOnline() {
	c.cfg.notifier.Batch(func() {
		for _, q := range c.GetAll() {
			q.OnOnline()
		}
	})
}
