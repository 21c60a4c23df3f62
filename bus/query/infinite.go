package query

import (
	"context"
	"slices"
)

// InfiniteData — данные бесконечного запроса: страницы и курсоры, которыми
// они были загружены.
type InfiniteData struct {
	Pages      []any `json:"pages" msgpack:"pages"`
	PageParams []any `json:"pageParams" msgpack:"pageParams"`
}

// InfiniteResult дополняет Result признаками постраничной загрузки.
type InfiniteResult struct {
	Result

	HasNextPage            bool
	HasPreviousPage        bool
	IsFetchingNextPage     bool
	IsFetchingPreviousPage bool
}

// Pages возвращает загруженные страницы.
func (r InfiniteResult) Pages() []any {
	if d, ok := r.Data.(InfiniteData); ok {
		return d.Pages
	}
	return nil
}

// FetchPageOptions управляют загрузкой соседней страницы.
type FetchPageOptions struct {
	// PageParam задает курсор явно вместо GetNextPageParam или
	// GetPreviousPageParam.
	PageParam    any
	ThrowOnError bool
	// CancelRefetch по умолчанию включен: идущая загрузка отменяется.
	CancelRefetch *bool
}

type infiniteBehavior struct{}

// InfiniteBehavior возвращает поведение постраничной загрузки.
func InfiniteBehavior() Behavior {
	return infiniteBehavior{}
}

// OnFetch заменяет функцию загрузки. Без направления загружаются заново
// все страницы подряд; курсор каждой следующей страницы вычисляется по уже
// загруженным в этом проходе.
func (infiniteBehavior) OnFetch(fc *FetchContext) {
	var refetchPage func(page any, index int, allPages []any) bool
	var fetchMore *FetchMore
	if meta := fc.FetchOptions.Meta; meta != nil {
		refetchPage = meta.RefetchPage
		fetchMore = meta.FetchMore
	}
	options := fc.Options
	queryKey := fc.QueryKey
	meta := fc.Meta
	old, _ := fc.State.Data.(InfiniteData)

	fc.FetchFn = func(ctx context.Context) (any, error) {
		queryFn := options.QueryFn
		var params []any

		fetchPage := func(pages []any, manual bool, param any, previous bool) ([]any, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			// Курсор не определен: страниц больше нет.
			if param == nil && !manual && len(pages) > 0 {
				return pages, nil
			}
			if queryFn == nil {
				return nil, ErrMissingQueryFn
			}
			page, err := queryFn.Fetch(ctx, FunctionContext{QueryKey: queryKey, PageParam: param, Meta: meta})
			if err != nil {
				return nil, err
			}
			if previous {
				params = append([]any{param}, params...)
				return append([]any{page}, pages...), nil
			}
			params = append(slices.Clone(params), param)
			return append(slices.Clone(pages), page), nil
		}

		var pages []any
		var err error

		switch {
		case len(old.Pages) == 0:
			pages, err = fetchPage(nil, false, nil, false)
		case fetchMore != nil && fetchMore.Direction == Forward:
			params = slices.Clone(old.PageParams)
			manual := fetchMore.PageParam != nil
			param := fetchMore.PageParam
			if !manual {
				param = nextPageParam(options, old.Pages)
			}
			pages, err = fetchPage(old.Pages, manual, param, false)
		case fetchMore != nil && fetchMore.Direction == Backward:
			params = slices.Clone(old.PageParams)
			manual := fetchMore.PageParam != nil
			param := fetchMore.PageParam
			if !manual {
				param = previousPageParam(options, old.Pages)
			}
			pages, err = fetchPage(old.Pages, manual, param, true)
		default:
			manual := options.GetNextPageParam == nil
			keep := func(pages []any, i int) []any {
				params = append(slices.Clone(params), pageParamAt(old.PageParams, i))
				return append(slices.Clone(pages), old.Pages[i])
			}

			if refetchPage == nil || refetchPage(old.Pages[0], 0, old.Pages) {
				pages, err = fetchPage(nil, manual, pageParamAt(old.PageParams, 0), false)
			} else {
				pages = keep(nil, 0)
			}
			for i := 1; i < len(old.Pages) && err == nil; i++ {
				if refetchPage != nil && !refetchPage(old.Pages[i], i, old.Pages) {
					pages = keep(pages, i)
					continue
				}
				param := pageParamAt(old.PageParams, i)
				if !manual {
					param = nextPageParam(options, pages)
				}
				pages, err = fetchPage(pages, manual, param, false)
			}
		}
		if err != nil {
			return nil, err
		}
		return InfiniteData{Pages: pages, PageParams: params}, nil
	}
}

func pageParamAt(params []any, i int) any {
	if i < len(params) {
		return params[i]
	}
	return nil
}

func nextPageParam(opts Options, pages []any) any {
	if opts.GetNextPageParam == nil || len(pages) == 0 {
		return nil
	}
	return opts.GetNextPageParam(pages[len(pages)-1], pages)
}

func previousPageParam(opts Options, pages []any) any {
	if opts.GetPreviousPageParam == nil || len(pages) == 0 {
		return nil
	}
	return opts.GetPreviousPageParam(pages[0], pages)
}

func definedParam(param any) bool {
	if param == nil {
		return false
	}
	if b, ok := param.(bool); ok {
		return b
	}
	return true
}

// HasNextPage сообщает, определен ли курсор следующей страницы.
func HasNextPage(opts Options, pages []any) bool {
	return opts.GetNextPageParam != nil && definedParam(nextPageParam(opts, pages))
}

// HasPreviousPage сообщает, определен ли курсор предыдущей страницы.
func HasPreviousPage(opts Options, pages []any) bool {
	return opts.GetPreviousPageParam != nil && definedParam(previousPageParam(opts, pages))
}

// InfiniteObserver — наблюдатель бесконечного запроса.
type InfiniteObserver struct {
	*Observer
}

// NewInfiniteObserver создает наблюдателя с поведением постраничной загрузки.
func NewInfiniteObserver(client Client, opts Options) *InfiniteObserver {
	opts.Behavior = InfiniteBehavior()
	return &InfiniteObserver{Observer: NewObserver(client, opts)}
}

// SetOptions заменяет параметры, сохраняя поведение постраничной загрузки.
func (o *InfiniteObserver) SetOptions(opts Options) {
	opts.Behavior = InfiniteBehavior()
	o.Observer.SetOptions(opts)
}

// GetOptimisticResult см. Observer.GetOptimisticResult.
func (o *InfiniteObserver) GetOptimisticResult(opts Options) InfiniteResult {
	opts.Behavior = InfiniteBehavior()
	return o.extend(o.Observer.GetOptimisticResult(opts))
}

// GetCurrentResult возвращает последний результат с признаками страниц.
func (o *InfiniteObserver) GetCurrentResult() InfiniteResult {
	return o.extend(o.Observer.GetCurrentResult())
}

// Subscribe подписывает слушателя на расширенные результаты.
func (o *InfiniteObserver) Subscribe(listener func(InfiniteResult)) (unsubscribe func()) {
	return o.Observer.Subscribe(func(r Result) { listener(o.extend(r)) })
}

// FetchNextPage загружает следующую страницу.
func (o *InfiniteObserver) FetchNextPage(ctx context.Context, opts FetchPageOptions) (InfiniteResult, error) {
	return o.fetchPage(ctx, Forward, opts)
}

// FetchPreviousPage загружает предыдущую страницу.
func (o *InfiniteObserver) FetchPreviousPage(ctx context.Context, opts FetchPageOptions) (InfiniteResult, error) {
	return o.fetchPage(ctx, Backward, opts)
}

func (o *InfiniteObserver) fetchPage(ctx context.Context, dir Direction, opts FetchPageOptions) (InfiniteResult, error) {
	cancelRefetch := opts.CancelRefetch == nil || *opts.CancelRefetch
	r := o.executeFetch(&FetchOptions{
		ThrowOnError:  opts.ThrowOnError,
		CancelRefetch: cancelRefetch,
		Meta:          &FetchMeta{FetchMore: &FetchMore{Direction: dir, PageParam: opts.PageParam}},
	})
	res, err := o.awaitFetch(ctx, r, opts.ThrowOnError)
	return o.extend(res), err
}

// Refetch загружает заново страницы, выбранные RefetchPage.
func (o *InfiniteObserver) Refetch(ctx context.Context, opts RefetchOptions) (InfiniteResult, error) {
	res, err := o.Observer.Refetch(ctx, opts)
	return o.extend(res), err
}

func (o *InfiniteObserver) extend(r Result) InfiniteResult {
	opts := o.Options()
	out := InfiniteResult{Result: r}

	var pages []any
	if d, ok := r.state.Data.(InfiniteData); ok {
		pages = d.Pages
	}
	out.HasNextPage = HasNextPage(opts, pages)
	out.HasPreviousPage = HasPreviousPage(opts, pages)

	if r.IsFetching && r.state.FetchMeta != nil && r.state.FetchMeta.FetchMore != nil {
		dir := r.state.FetchMeta.FetchMore.Direction
		out.IsFetchingNextPage = dir == Forward
		out.IsFetchingPreviousPage = dir == Backward
	}
	return out
}
