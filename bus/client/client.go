// Package client содержит QueryClient: фасад, который владеет кешами
// запросов и мутаций, разрешает параметры по умолчанию и выполняет
// пакетные операции над записями.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/device"
	"github.com/x-research-team/dtx-query/bus/middleware"
	"github.com/x-research-team/dtx-query/bus/notify"
	"github.com/x-research-team/dtx-query/bus/query"
	"github.com/x-research-team/dtx-query/bus/retry"
)

// QueryClient координирует кеш запросов и кеш мутаций.
type QueryClient struct {
	queryCache    *query.Cache
	mutationCache *command.Cache
	notifier      *notify.Manager
	focus         *device.FocusManager
	online        *device.OnlineManager
	logger        *slog.Logger

	queryDefaults    query.Defaults
	mutationDefaults command.Defaults

	mu                sync.Mutex
	unsubscribeFocus  func()
	unsubscribeOnline func()
}

// New создает клиента. Переданные кеши настраиваются сервисами клиента.
func New(opts ...Option) *QueryClient {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.notifier == nil {
		if cfg.queryCache != nil {
			cfg.notifier = cfg.queryCache.Notifier()
		} else {
			cfg.notifier = notify.New()
		}
	}
	if cfg.focus == nil {
		cfg.focus = device.NewFocusManager()
	}
	if cfg.online == nil {
		cfg.online = device.NewOnlineManager()
	}

	// Трассировка снаружи, чтобы метрики записывались в контексте спана.
	var telemetry []middleware.Middleware
	if cfg.tracerProvider != nil {
		telemetry = append(telemetry, middleware.NewTracing(cfg.tracerProvider, cfg.propagator))
	}
	if cfg.meterProvider != nil {
		telemetry = append(telemetry, middleware.NewMetrics(cfg.meterProvider))
	}
	queryMiddlewares := append(middleware.Queries(telemetry...), cfg.queryMiddlewares...)
	mutationMiddlewares := append(middleware.Mutations(telemetry...), cfg.mutationMiddlewares...)

	queryOpts := []query.CacheOption{
		query.WithNotifyManager(cfg.notifier),
		query.WithFocusManager(cfg.focus),
		query.WithOnlineManager(cfg.online),
		query.WithLogger(cfg.logger),
		query.WithServerMode(cfg.server),
		query.WithMiddleware(queryMiddlewares...),
	}
	if cfg.queryCache == nil {
		cfg.queryCache = query.NewCache(queryOpts...)
	} else {
		cfg.queryCache.Configure(queryOpts...)
	}

	mutationOpts := []command.CacheOption{
		command.WithNotifyManager(cfg.notifier),
		command.WithFocusManager(cfg.focus),
		command.WithOnlineManager(cfg.online),
		command.WithLogger(cfg.logger),
		command.WithMiddleware(mutationMiddlewares...),
	}
	if cfg.mutationCache == nil {
		cfg.mutationCache = command.NewCache(mutationOpts...)
	} else {
		cfg.mutationCache.Configure(mutationOpts...)
	}

	c := &QueryClient{
		queryCache:    cfg.queryCache,
		mutationCache: cfg.mutationCache,
		notifier:      cfg.notifier,
		focus:         cfg.focus,
		online:        cfg.online,
		logger:        cfg.logger,
	}
	c.SetDefaultOptions(cfg.defaults)
	return c
}

// Mount подписывает клиента на сигналы фокуса и сети. При получении сигнала
// сначала продолжаются приостановленные мутации, затем уведомляются запросы.
// Повторный вызов ничего не делает.
func (c *QueryClient) Mount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribeFocus != nil {
		return
	}

	c.unsubscribeFocus = c.focus.Subscribe(func() {
		if c.focus.IsFocused() && c.online.IsOnline() {
			c.mutationCache.OnFocus()
			c.queryCache.OnFocus()
		}
	})
	c.unsubscribeOnline = c.online.Subscribe(func() {
		if c.focus.IsFocused() && c.online.IsOnline() {
			c.mutationCache.OnOnline()
			c.queryCache.OnOnline()
		}
	})
}

// Unmount отписывает клиента от сигналов окружения.
func (c *QueryClient) Unmount() {
	c.mu.Lock()
	unsubscribeFocus, unsubscribeOnline := c.unsubscribeFocus, c.unsubscribeOnline
	c.unsubscribeFocus, c.unsubscribeOnline = nil, nil
	c.mu.Unlock()

	if unsubscribeFocus != nil {
		unsubscribeFocus()
	}
	if unsubscribeOnline != nil {
		unsubscribeOnline()
	}
}

// QueryCache возвращает кеш запросов.
func (c *QueryClient) QueryCache() *query.Cache {
	return c.queryCache
}

// MutationCache возвращает кеш мутаций.
func (c *QueryClient) MutationCache() *command.Cache {
	return c.mutationCache
}

// Notifier возвращает общий планировщик уведомлений.
func (c *QueryClient) Notifier() *notify.Manager {
	return c.notifier
}

// FocusManager возвращает сервис сигнала фокуса.
func (c *QueryClient) FocusManager() *device.FocusManager {
	return c.focus
}

// OnlineManager возвращает сервис сигнала сети.
func (c *QueryClient) OnlineManager() *device.OnlineManager {
	return c.online
}

// Logger возвращает логгер клиента.
func (c *QueryClient) Logger() *slog.Logger {
	return c.logger
}

// IsFetching возвращает количество загружающихся запросов под фильтром.
func (c *QueryClient) IsFetching(f query.Filters) int {
	f.Fetching = query.Bool(true)
	return len(c.queryCache.FindAll(f))
}

// IsMutating возвращает количество выполняющихся мутаций под фильтром.
func (c *QueryClient) IsMutating(f command.Filters) int {
	f.Fetching = query.Bool(true)
	return len(c.mutationCache.FindAll(f))
}

// GetQueryData возвращает данные записи с ключом key.
func (c *QueryClient) GetQueryData(key query.QueryKey, filters ...query.Filters) any {
	q, ok := c.queryCache.Find(key, filters...)
	if !ok {
		return nil
	}
	return q.State().Data
}

// QueryData связывает ключ записи с ее данными.
type QueryData struct {
	QueryKey query.QueryKey
	Data     any
}

// GetQueriesData возвращает данные всех записей под фильтром.
func (c *QueryClient) GetQueriesData(f query.Filters) []QueryData {
	queries := c.queryCache.FindAll(f)
	out := make([]QueryData, 0, len(queries))
	for _, q := range queries {
		out = append(out, QueryData{QueryKey: q.Key(), Data: q.State().Data})
	}
	return out
}

// SetDataOptions управляют ручной записью данных.
type SetDataOptions struct {
	// Время обновления; нулевое означает текущее время.
	UpdatedAt time.Time
}

// SetQueryData записывает данные в запись с ключом key, создавая ее при
// необходимости. updater получает текущие данные.
func (c *QueryClient) SetQueryData(key query.QueryKey, updater func(prev any) any, opts ...SetDataOptions) any {
	var so SetDataOptions
	if len(opts) > 0 {
		so = opts[0]
	}
	defaulted := c.DefaultQueryOptions(query.Options{QueryKey: key})
	return c.queryCache.Build(c, defaulted, nil).SetData(updater, so.UpdatedAt)
}

// SetQueriesData обновляет данные всех записей под фильтром одним пакетом.
func (c *QueryClient) SetQueriesData(f query.Filters, updater func(prev any) any, opts ...SetDataOptions) []QueryData {
	return notify.BatchValue(c.notifier, func() []QueryData {
		queries := c.queryCache.FindAll(f)
		out := make([]QueryData, 0, len(queries))
		for _, q := range queries {
			out = append(out, QueryData{QueryKey: q.Key(), Data: c.SetQueryData(q.Key(), updater, opts...)})
		}
		return out
	})
}

// GetQueryState возвращает состояние записи с ключом key.
func (c *QueryClient) GetQueryState(key query.QueryKey, filters ...query.Filters) (query.State, bool) {
	q, ok := c.queryCache.Find(key, filters...)
	if !ok {
		return query.State{}, false
	}
	return q.State(), true
}

// RemoveQueries удаляет записи под фильтром.
func (c *QueryClient) RemoveQueries(f query.Filters) {
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(f) {
			c.queryCache.Remove(q)
		}
	})
}

// RefetchFilters выбирают записи для повторной загрузки.
type RefetchFilters struct {
	query.Filters
	// RefetchPage выбирает страницы бесконечного запроса для повторной
	// загрузки.
	RefetchPage func(page any, index int, allPages []any) bool
}

// InvalidateFilters выбирают записи для пометки недействительными.
// RefetchActive по умолчанию включен, RefetchInactive выключен.
type InvalidateFilters struct {
	RefetchFilters
	RefetchActive   *bool
	RefetchInactive *bool
}

// RefetchOptions управляют пакетной загрузкой.
type RefetchOptions struct {
	CancelRefetch bool
	// ThrowOnError возвращает ошибки загрузок; иначе они только сохраняются
	// в состоянии записей.
	ThrowOnError bool
}

// ResetQueries возвращает записи под фильтром в начальное состояние и
// загружает заново активные из них независимо от Active в фильтре.
func (c *QueryClient) ResetQueries(ctx context.Context, f RefetchFilters, opts RefetchOptions) error {
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(f.Filters) {
			q.Reset()
		}
	})
	f.Active = query.Bool(true)
	return c.RefetchQueries(ctx, f, opts)
}

// CancelQueries отменяет загрузки записей под фильтром. По умолчанию
// состояние откатывается к предшествующему загрузке.
func (c *QueryClient) CancelQueries(f query.Filters, opts *retry.CancelOptions) {
	co := retry.CancelOptions{Revert: true}
	if opts != nil {
		co = *opts
	}
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(f) {
			q.Cancel(co)
		}
	})
}

// InvalidateQueries помечает записи под фильтром недействительными и
// загружает заново те из них, которые выбраны RefetchActive и
// RefetchInactive.
func (c *QueryClient) InvalidateQueries(ctx context.Context, f InvalidateFilters, opts RefetchOptions) error {
	c.notifier.Batch(func() {
		for _, q := range c.queryCache.FindAll(f.Filters) {
			q.Invalidate()
		}
	})

	refetch := f.RefetchFilters
	refetch.Active = query.Bool(true)
	if f.RefetchActive != nil {
		refetch.Active = f.RefetchActive
	}
	refetch.Inactive = query.Bool(false)
	if f.RefetchInactive != nil {
		refetch.Inactive = f.RefetchInactive
	}
	return c.RefetchQueries(ctx, refetch, opts)
}

// RefetchQueries загружает заново записи под фильтром. Загрузки
// запускаются одним пакетом уведомлений и ожидаются после него.
func (c *QueryClient) RefetchQueries(ctx context.Context, f RefetchFilters, opts RefetchOptions) error {
	fetchOpts := &query.FetchOptions{
		CancelRefetch: opts.CancelRefetch,
		Meta:          &query.FetchMeta{RefetchPage: f.RefetchPage},
	}

	retryers := notify.BatchValue(c.notifier, func() []*retry.Retryer {
		queries := c.queryCache.FindAll(f.Filters)
		out := make([]*retry.Retryer, 0, len(queries))
		for _, q := range queries {
			out = append(out, q.StartFetch(ctx, nil, fetchOpts))
		}
		return out
	})

	var errs []error
	for _, r := range retryers {
		if _, err := r.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if !opts.ThrowOnError {
		return ctx.Err()
	}
	return errors.Join(errs...)
}

// FetchQuery возвращает данные записи, загружая их, если они устарели
// относительно StaleTime. Повторы по умолчанию отключены. Ошибка загрузки
// возвращается вызывающему.
func (c *QueryClient) FetchQuery(ctx context.Context, opts query.Options) (any, error) {
	defaulted := c.DefaultQueryOptions(opts)
	if defaulted.Retry == nil {
		defaulted.Retry = retry.Never()
	}

	q := c.queryCache.Build(c, defaulted, nil)
	var staleTime time.Duration
	if defaulted.StaleTime != nil {
		staleTime = *defaulted.StaleTime
	}
	if !q.IsStaleByTime(staleTime) {
		return q.State().Data, nil
	}
	return q.Fetch(ctx, &defaulted, nil)
}

// PrefetchQuery загружает данные заранее. Ошибка сохраняется только в
// состоянии записи.
func (c *QueryClient) PrefetchQuery(ctx context.Context, opts query.Options) {
	_, _ = c.FetchQuery(ctx, opts)
}

// FetchInfiniteQuery загружает бесконечный запрос.
func (c *QueryClient) FetchInfiniteQuery(ctx context.Context, opts query.Options) (query.InfiniteData, error) {
	opts.Behavior = query.InfiniteBehavior()
	data, err := c.FetchQuery(ctx, opts)
	if err != nil {
		return query.InfiniteData{}, err
	}
	pages, _ := data.(query.InfiniteData)
	return pages, nil
}

// PrefetchInfiniteQuery загружает бесконечный запрос заранее.
func (c *QueryClient) PrefetchInfiniteQuery(ctx context.Context, opts query.Options) {
	_, _ = c.FetchInfiniteQuery(ctx, opts)
}

// ExecuteMutation создает мутацию и ожидает ее результата.
func (c *QueryClient) ExecuteMutation(ctx context.Context, opts command.Options) (any, error) {
	return c.mutationCache.Build(c, opts, nil).Execute(ctx)
}

// CancelMutations отменяет все выполняющиеся мутации.
func (c *QueryClient) CancelMutations() {
	c.notifier.Batch(func() {
		for _, m := range c.mutationCache.GetAll() {
			m.Cancel()
		}
	})
}

// ResumePausedMutations последовательно продолжает приостановленные мутации.
func (c *QueryClient) ResumePausedMutations(ctx context.Context) {
	c.mutationCache.ResumePausedMutations(ctx)
}

// Clear очищает оба кеша.
func (c *QueryClient) Clear() {
	c.queryCache.Clear()
	c.mutationCache.Clear()
}

// DefaultOptions возвращает глобальные параметры.
func (c *QueryClient) DefaultOptions() DefaultOptions {
	return DefaultOptions{
		Queries:   c.queryDefaults.Global(),
		Mutations: c.mutationDefaults.Global(),
	}
}

// SetDefaultOptions заменяет глобальные параметры.
func (c *QueryClient) SetDefaultOptions(opts DefaultOptions) {
	c.queryDefaults.SetGlobal(opts.Queries)
	c.mutationDefaults.SetGlobal(opts.Mutations)
}

// SetQueryDefaults регистрирует параметры для запросов, ключ которых
// частично совпадает с key.
func (c *QueryClient) SetQueryDefaults(key query.QueryKey, opts query.Options) {
	c.queryDefaults.Set(key, opts)
}

// QueryDefaults возвращает параметры первой подходящей регистрации.
func (c *QueryClient) QueryDefaults(key query.QueryKey) query.Options {
	opts, _ := c.queryDefaults.Get(key)
	return opts
}

// SetMutationDefaults регистрирует параметры для мутаций, ключ которых
// частично совпадает с key. Так восстановленные мутации получают функцию.
func (c *QueryClient) SetMutationDefaults(key query.QueryKey, opts command.Options) {
	c.mutationDefaults.Set(key, opts)
}

// MutationDefaults возвращает параметры первой подходящей регистрации.
func (c *QueryClient) MutationDefaults(key query.QueryKey) command.Options {
	opts, _ := c.mutationDefaults.Get(key)
	return opts
}

// DefaultQueryOptions разрешает параметры запроса: вызов, затем ключ,
// затем глобальные.
func (c *QueryClient) DefaultQueryOptions(opts query.Options) query.Options {
	return c.queryDefaults.Apply(opts)
}

// DefaultMutationOptions разрешает параметры мутации.
func (c *QueryClient) DefaultMutationOptions(opts command.Options) command.Options {
	return c.mutationDefaults.Apply(opts)
}

// NewObserver создает наблюдателя запроса.
func (c *QueryClient) NewObserver(opts query.Options) *query.Observer {
	return query.NewObserver(c, opts)
}

// NewInfiniteObserver создает наблюдателя бесконечного запроса.
func (c *QueryClient) NewInfiniteObserver(opts query.Options) *query.InfiniteObserver {
	return query.NewInfiniteObserver(c, opts)
}

// NewQueriesObserver создает наблюдателя списка запросов.
func (c *QueryClient) NewQueriesObserver(queries []query.Options) *query.QueriesObserver {
	return query.NewQueriesObserver(c, queries)
}

// NewMutationObserver создает наблюдателя мутаций.
func (c *QueryClient) NewMutationObserver(opts command.Options) *command.Observer {
	return command.NewObserver(c, opts)
}
