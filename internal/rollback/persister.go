package rollback

import (
	"context"
	"sync"
	"time"

	"github.com/annel0/blockedit/internal/changeset"
	"github.com/annel0/blockedit/internal/logging"
)

// PersisterConfig параметры фоновой записи
type PersisterConfig struct {
	Buffer     int           // ёмкость очереди наборов
	Workers    int           // число писателей
	MaxRetries int           // повторов после первой неудачи
	Backoff    time.Duration // начальная пауза, удваивается
	Logger     *logging.Logger
	Metrics    *Metrics
}

func (c *PersisterConfig) setDefaults() {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// Persister пишет запечатанные наборы в Store в фоне.
// Неудачная запись повторяется с экспоненциальной паузой.
type Persister struct {
	store Store
	cfg   PersisterConfig
	log   *logging.Logger

	mu      sync.RWMutex
	stopped bool
	ch      chan *changeset.ChangeSet

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPersister создаёт и запускает писателей
func NewPersister(store Store, cfg PersisterConfig) *Persister {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Persister{
		store:  store,
		cfg:    cfg,
		log:    cfg.Logger,
		ch:     make(chan *changeset.ChangeSet, cfg.Buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue ставит набор в очередь записи. Ждёт места не дольше ctx.
// Пустые наборы в журнал не попадают.
func (p *Persister) Enqueue(ctx context.Context, cs *changeset.ChangeSet) error {
	if cs == nil || cs.Empty() {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPersisterStopped
	}
	select {
	case p.ch <- cs:
		p.cfg.Metrics.persistDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Persister) worker() {
	defer p.wg.Done()
	for cs := range p.ch {
		p.cfg.Metrics.persistDepth.Dec()
		p.persist(cs)
	}
}

func (p *Persister) persist(cs *changeset.ChangeSet) {
	backoff := p.cfg.Backoff
	for attempt := 0; ; attempt++ {
		rec, err := p.store.Append(p.ctx, cs)
		if err == nil {
			p.cfg.Metrics.appended.Inc()
			p.log.Debug("💾 Набор %s записан в журнал (%d записей)", rec.ID(), cs.Len())
			return
		}
		if attempt >= p.cfg.MaxRetries || p.ctx.Err() != nil {
			p.cfg.Metrics.appendErrors.Inc()
			p.log.Error("❌ Набор актора %s в мире %s не записан после %d попыток: %v",
				cs.Actor(), cs.World(), attempt+1, err)
			return
		}
		p.log.Warn("⚠️ Ошибка записи набора в журнал (попытка %d): %v", attempt+1, err)

		select {
		case <-time.After(backoff):
		case <-p.ctx.Done():
		}
		backoff *= 2
	}
}

// Stop прекращает приём и дописывает очередь. Если ctx истекает раньше,
// незаписанные наборы теряются, о чём сообщается в лог.
func (p *Persister) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.ch)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.log.Error("❌ Фоновая запись журнала прервана, часть наборов не сохранена")
		return ctx.Err()
	}
}
