package hydration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x-research-team/dtx-query/bus/command"
	"github.com/x-research-team/dtx-query/bus/query"
)

// PersisterOption определяет функцию для конфигурации Persister.
type PersisterOption func(*Persister)

// WithInterval устанавливает интервал сохранения снимков.
func WithInterval(interval time.Duration) PersisterOption {
	return func(p *Persister) {
		p.interval = interval
	}
}

// WithCodec устанавливает формат снимков.
func WithCodec(codec Codec) PersisterOption {
	return func(p *Persister) {
		p.codec = codec
	}
}

// WithKeep устанавливает количество хранимых снимков. Ноль отключает
// удаление старых снимков.
func WithKeep(keep int) PersisterOption {
	return func(p *Persister) {
		p.keep = keep
	}
}

// WithDehydrateOptions устанавливает правила отбора записей в снимок.
func WithDehydrateOptions(opts DehydrateOptions) PersisterOption {
	return func(p *Persister) {
		p.dehydrate = opts
	}
}

// WithMetadata устанавливает метки каждого снимка.
func WithMetadata(metadata map[string]string) PersisterOption {
	return func(p *Persister) {
		p.metadata = metadata
	}
}

// WithLogger устанавливает логгер.
func WithLogger(logger *slog.Logger) PersisterOption {
	return func(p *Persister) {
		p.logger = logger
	}
}

// Persister — фоновый процесс, который периодически сохраняет снимок
// кешей клиента, если с прошлого сохранения они изменились.
type Persister struct {
	client    Client
	storage   Storage
	codec     Codec
	interval  time.Duration
	keep      int
	dehydrate DehydrateOptions
	metadata  map[string]string
	logger    *slog.Logger

	dirty atomic.Bool

	mu          sync.Mutex
	ticker      *time.Ticker
	done        chan struct{}
	stopped     chan struct{}
	unsubscribe []func()
}

// NewPersister создает новый экземпляр Persister.
func NewPersister(client Client, storage Storage, opts ...PersisterOption) *Persister {
	p := &Persister{
		client:   client,
		storage:  storage,
		codec:    JSONCodec{},
		interval: 5 * time.Second,
		keep:     3,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start подписывается на изменения кешей и запускает фоновое сохранение.
// Повторный вызов ничего не делает.
func (p *Persister) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		return
	}

	markDirty := func() { p.dirty.Store(true) }
	p.unsubscribe = []func(){
		p.client.QueryCache().Subscribe(func(query.Event) { markDirty() }),
		p.client.MutationCache().Subscribe(func(command.Event) { markDirty() }),
	}
	p.dirty.Store(true)

	p.ticker = time.NewTicker(p.interval)
	p.done = make(chan struct{})
	p.stopped = make(chan struct{})
	go p.loop(p.ticker, p.done, p.stopped)
}

func (p *Persister) loop(ticker *time.Ticker, done, stopped chan struct{}) {
	defer close(stopped)
	p.logger.Info("сохранение снимков запущено", slog.Duration("interval", p.interval))
	for {
		select {
		case <-ticker.C:
			if !p.dirty.Swap(false) {
				continue
			}
			if err := p.Persist(context.Background()); err != nil {
				p.dirty.Store(true)
				p.logger.Error("ошибка сохранения снимка", slog.Any("error", err))
			}
		case <-done:
			p.logger.Info("сохранение снимков остановлено")
			return
		}
	}
}

// Stop останавливает фоновый процесс и сохраняет несохраненные изменения.
func (p *Persister) Stop(ctx context.Context) error {
	p.mu.Lock()
	ticker, done, stopped, unsubscribe := p.ticker, p.done, p.stopped, p.unsubscribe
	p.ticker, p.done, p.stopped, p.unsubscribe = nil, nil, nil, nil
	p.mu.Unlock()

	if ticker == nil {
		return nil
	}
	ticker.Stop()
	close(done)
	<-stopped
	for _, fn := range unsubscribe {
		fn()
	}

	if p.dirty.Swap(false) {
		return p.Persist(ctx)
	}
	return nil
}

// Persist снимает и сохраняет один снимок, затем удаляет лишние.
func (p *Persister) Persist(ctx context.Context) error {
	state := Dehydrate(p.client, p.dehydrate)
	snap, err := Encode(state, p.codec, p.metadata)
	if err != nil {
		return err
	}
	if err := p.storage.Save(ctx, snap); err != nil {
		return fmt.Errorf("не удалось сохранить снимок: %w", err)
	}
	p.logger.Debug("снимок сохранен",
		slog.String("snapshot_id", snap.ID.String()),
		slog.Int("queries", len(state.Queries)),
		slog.Int("mutations", len(state.Mutations)),
	)

	if p.keep > 0 {
		if err := p.storage.Prune(ctx, p.keep); err != nil {
			return fmt.Errorf("не удалось удалить старые снимки: %w", err)
		}
	}
	return nil
}

// Restore загружает последний снимок из хранилища и восстанавливает его в
// клиенте. Отсутствие снимка не считается ошибкой: возвращается false.
func Restore(ctx context.Context, c Client, storage Storage, opts *HydrateOptions) (bool, error) {
	snap, err := storage.Latest(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("не удалось загрузить снимок: %w", err)
	}
	state, err := Decode(snap)
	if err != nil {
		return false, err
	}
	Hydrate(c, state, opts)
	return true, nil
}
