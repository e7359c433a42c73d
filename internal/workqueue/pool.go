package workqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdillenkofer/pacsarc/internal/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidPoolOptions = errors.New("invalid worker pool options")

// HandlerFunc processes one item. A returned error redelivers the item after RetryDelay.
type HandlerFunc func(ctx context.Context, item *Item) error

type PoolOptions struct {
	Workers       int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	RetryDelay    time.Duration
	// MaxAttempts bounds deliveries of a failing item. Zero means unbounded.
	MaxAttempts int
}

// Pool drains one queue with a fixed number of workers.
type Pool struct {
	*lifecycle.ValidatedLifecycle
	queue          Queue
	queueName      string
	handler        HandlerFunc
	options        PoolOptions
	registerer     prometheus.Registerer
	depthGauge     prometheus.Gauge
	itemsCounter   *prometheus.CounterVec
	cancel         context.CancelFunc
	workerGroup    *errgroup.Group
	workerGroupCtx context.Context
}

// NewPool creates a pool. registerer may be nil to disable metrics.
func NewPool(queue Queue, queueName string, handler HandlerFunc, options PoolOptions, registerer prometheus.Registerer) (*Pool, error) {
	if options.Workers <= 0 || options.PollInterval <= 0 || options.LeaseDuration <= 0 {
		return nil, fmt.Errorf("%w: workers, pollInterval and leaseDuration must be positive", ErrInvalidPoolOptions)
	}
	lifecycle, err := lifecycle.NewValidatedLifecycle("WorkQueuePool")
	if err != nil {
		return nil, err
	}
	return &Pool{
		ValidatedLifecycle: lifecycle,
		queue:              queue,
		queueName:          queueName,
		handler:            handler,
		options:            options,
		registerer:         registerer,
		depthGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pacsarc",
			Subsystem:   "workqueue",
			Name:        "depth",
			Help:        "Number of pending and leased items",
			ConstLabels: prometheus.Labels{"queue": queueName},
		}),
		itemsCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pacsarc",
			Subsystem:   "workqueue",
			Name:        "items_total",
			Help:        "No of processed items partitioned by result",
			ConstLabels: prometheus.Labels{"queue": queueName},
		}, []string{"result"}),
	}, nil
}

func (p *Pool) Start(ctx context.Context) error {
	if err := p.ValidatedLifecycle.Start(ctx); err != nil {
		return err
	}
	if p.registerer != nil {
		p.registerer.MustRegister(p.depthGauge)
		p.registerer.MustRegister(p.itemsCounter)
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.workerGroup, p.workerGroupCtx = errgroup.WithContext(workerCtx)
	for i := range p.options.Workers {
		p.workerGroup.Go(func() error {
			p.workerLoop(p.workerGroupCtx, i)
			return nil
		})
	}
	return nil
}

func (p *Pool) Stop(ctx context.Context) error {
	if err := p.ValidatedLifecycle.Stop(ctx); err != nil {
		return err
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.workerGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Debug(fmt.Sprintf("WorkQueuePool %s joined without timeout", p.queueName))
	case <-time.After(30 * time.Second):
		slog.Debug(fmt.Sprintf("WorkQueuePool %s joined with timeout of 30s", p.queueName))
	}
	if p.registerer != nil {
		p.registerer.Unregister(p.itemsCounter)
		p.registerer.Unregister(p.depthGauge)
	}
	return nil
}

func (p *Pool) wait(ctx context.Context) {
	var notify <-chan struct{}
	if notifier, ok := p.queue.(Notifier); ok {
		notify = notifier.Notify()
	}
	select {
	case <-ctx.Done():
	case <-notify:
	case <-time.After(p.options.PollInterval):
	}
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	for ctx.Err() == nil {
		item, err := p.queue.Lease(ctx, p.queueName, p.options.LeaseDuration)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn(fmt.Sprintf("Worker %d of queue %s could not lease an item: %s", worker, p.queueName, err))
			}
			p.wait(ctx)
			continue
		}
		if item == nil {
			if worker == 0 {
				p.measureDepth(ctx)
			}
			p.wait(ctx)
			continue
		}
		p.process(ctx, item)
	}
}

func (p *Pool) measureDepth(ctx context.Context) {
	depth, err := p.queue.Len(ctx, p.queueName)
	if err != nil {
		return
	}
	p.depthGauge.Set(float64(depth))
}

func (p *Pool) process(ctx context.Context, item *Item) {
	err := p.handler(ctx, item)
	if err == nil {
		p.itemsCounter.WithLabelValues("success").Inc()
		if err := p.queue.Ack(ctx, item); err != nil {
			slog.Warn(fmt.Sprintf("Could not ack item %s of queue %s: %s", item.Id, p.queueName, err))
		}
		return
	}
	if p.options.MaxAttempts > 0 && item.Attempts >= p.options.MaxAttempts {
		p.itemsCounter.WithLabelValues("dropped").Inc()
		slog.Error(fmt.Sprintf("Dropping item %s of queue %s after %d attempts: %s", item.Id, p.queueName, item.Attempts, err))
		if err := p.queue.Ack(ctx, item); err != nil {
			slog.Warn(fmt.Sprintf("Could not ack item %s of queue %s: %s", item.Id, p.queueName, err))
		}
		return
	}
	p.itemsCounter.WithLabelValues("retry").Inc()
	slog.Warn(fmt.Sprintf("Item %s of queue %s failed in attempt %d: %s", item.Id, p.queueName, item.Attempts, err))
	if err := p.queue.Nack(ctx, item, p.options.RetryDelay); err != nil {
		slog.Warn(fmt.Sprintf("Could not nack item %s of queue %s: %s", item.Id, p.queueName, err))
	}
}

// RunDue processes every item that is due right now on the calling goroutine and returns how many
// it handled. Items failing here are redelivered after RetryDelay as usual. The pool need not be started.
func (p *Pool) RunDue(ctx context.Context) (int, error) {
	processed := 0
	for ctx.Err() == nil {
		item, err := p.queue.Lease(ctx, p.queueName, p.options.LeaseDuration)
		if err != nil {
			return processed, err
		}
		if item == nil {
			return processed, nil
		}
		p.process(ctx, item)
		processed++
	}
	return processed, ctx.Err()
}
