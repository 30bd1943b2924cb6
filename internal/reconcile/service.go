package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/otp-gateway/internal/queue"
	"github.com/nimasrn/otp-gateway/pkg/logger"
	"github.com/nimasrn/otp-gateway/pkg/prom"
	"github.com/nimasrn/otp-gateway/pkg/redis"
	"github.com/nimasrn/otp-gateway/pkg/worker"
)

const (
	DefaultProcessingTimeout = 5 * time.Second
	DefaultHealthInterval    = 30 * time.Second
	DefaultMetricsInterval   = 30 * time.Second
	DefaultShutdownTimeout   = time.Minute
)

var ErrWorkersStopped = errors.New("worker pool stopped")

// Processor handles one decoded stream entry.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	GetType() string
}

type Config struct {
	Queue             queue.QueueConfig
	Consumers         int
	Workers           int
	ProcessingTimeout time.Duration
	HealthInterval    time.Duration
	MetricsInterval   time.Duration
	ShutdownTimeout   time.Duration
	// LagWarnThreshold is the pending count above which health checks warn.
	LagWarnThreshold int64
}

func (c Config) withDefaults() Config {
	if c.Consumers <= 0 {
		c.Consumers = 1
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = DefaultProcessingTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = DefaultMetricsInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.LagWarnThreshold <= 0 {
		c.LagWarnThreshold = 1000
	}
	return c
}

// Service drains the refund stream. Consumers read entries and hand them
// to a bounded worker pool; the consumer blocks until its entry is done so
// the ack reflects the processing result.
type Service struct {
	adapter   redis.RedisAdapter
	config    Config
	processor Processor
	queues    []*queue.Queue
	metrics   *ServiceMetrics
	worker    *worker.WorkerManager
	log       logger.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func NewService(adapter redis.RedisAdapter, config Config, processor Processor, log logger.Logger) (*Service, error) {
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	config = config.withDefaults()

	// share counters with processors that keep their own
	metrics := NewServiceMetrics()
	if mp, ok := processor.(interface{ Metrics() *ServiceMetrics }); ok && mp.Metrics() != nil {
		metrics = mp.Metrics()
	}

	return &Service{
		adapter:   adapter,
		config:    config,
		processor: processor,
		metrics:   metrics,
		worker:    worker.NewWorkerManager(config.Workers*4, config.Workers, nil),
		log:       log,
	}, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info("starting reconciler", "processor", s.processor.GetType(), "queue", s.config.Queue.Name)

	s.worker.SetWorker(s.workerHandler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(s.ctx); err != nil && !errors.Is(err, worker.ErrStopped) {
			s.log.Error("worker manager stopped", "error", err)
		}
	}()

	base := s.config.Queue.ConsumerName
	for i := 0; i < s.config.Consumers; i++ {
		qc := s.config.Queue
		qc.ConsumerName = fmt.Sprintf("%s-%d", base, i)

		q, err := queue.NewQueue(s.ctx, s.adapter, qc)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to create consumer %d: %w", i, err)
		}
		if err := q.Consume(s.ctx, s.messageHandler); err != nil {
			s.Stop()
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
		s.log.Debug("started consumer", "consumer", qc.ConsumerName)
	}

	s.wg.Add(2)
	go s.every(s.config.MetricsInterval, s.reportMetrics)
	go s.every(s.config.HealthInterval, s.performHealthCheck)

	s.log.Info("reconciler started", "consumers", len(s.queues), "workers", s.config.Workers)
	return nil
}

func (s *Service) every(interval time.Duration, fn func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) Metrics() Snapshot {
	return s.metrics.Snapshot()
}

func (s *Service) reportMetrics() {
	m := s.metrics.Snapshot()
	s.log.Info("reconciler metrics",
		"processed", m.Processed,
		"duplicates", m.Duplicates,
		"failed", m.Failed,
		"queued", s.worker.GetUnreadCount(),
		"rate_per_second", m.RatePerSecond,
		"avg_duration_ms", m.AvgDuration.Milliseconds(),
		"uptime_seconds", m.Uptime.Seconds())

	if len(s.queues) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 2*time.Second)
	defer cancel()
	if qs, err := s.queues[0].GetStats(ctx); err == nil {
		s.log.Info("refund stream", "total", qs.TotalMessages, "pending", qs.PendingMessages, "dead_letters", qs.DeadLetters)
		prom.RefundStream(qs.PendingMessages, qs.DeadLetters)
	}
}

func (s *Service) performHealthCheck() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		s.log.Error("health check failed: redis unreachable", "error", err)
		return
	}
	if len(s.queues) == 0 {
		return
	}

	stats, err := s.queues[0].GetStats(ctx)
	if err != nil {
		s.log.Warn("health check: stream stats unavailable", "error", err)
		return
	}
	if stats.PendingMessages > s.config.LagWarnThreshold {
		s.log.Warn("health check: refund stream lagging", "pending", stats.PendingMessages)
	}
	if stats.DeadLetters > 0 {
		s.log.Warn("health check: dead-lettered refunds need manual reconciliation", "dead_letters", stats.DeadLetters)
	}
}

// Stop is safe to call more than once.
func (s *Service) Stop() {
	s.once.Do(func() {
		s.log.Info("shutting down reconciler")
		if s.cancel != nil {
			s.cancel()
		}

		var qwg sync.WaitGroup
		for _, q := range s.queues {
			qwg.Add(1)
			go func(q *queue.Queue) {
				defer qwg.Done()
				if err := q.Stop(s.config.ShutdownTimeout); err != nil {
					s.log.Error("error stopping consumer", "queue", q.Name(), "error", err)
				}
			}(q)
		}
		qwg.Wait()

		s.worker.Exit()
		s.wg.Wait()

		s.reportMetrics()
		s.log.Info("reconciler stopped")
	})
}

type job struct {
	msg    *queue.Message
	result chan error
	ctx    context.Context
}

func (s *Service) messageHandler(ctx context.Context, msg *queue.Message) error {
	msgCtx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout)
	defer cancel()

	j := &job{msg: msg, result: make(chan error, 1), ctx: msgCtx}
	if !s.worker.Enqueue(msgCtx, j) {
		return ErrWorkersStopped
	}

	select {
	case err := <-j.result:
		return err
	case <-msgCtx.Done():
		return fmt.Errorf("timeout waiting for worker: %w", msgCtx.Err())
	}
}

func (s *Service) workerHandler(workerIndex int, v interface{}) {
	j, ok := v.(*job)
	if !ok {
		s.log.Error("invalid job type", "worker", workerIndex)
		return
	}
	if j.ctx.Err() != nil {
		s.log.Warn("job expired before processing", "worker", workerIndex, "id", j.msg.ID)
		return
	}

	start := time.Now()
	err := s.processor.Process(j.ctx, j.msg)
	if err != nil {
		s.metrics.RecordFailure()
		s.log.Warn("failed to process entry", "worker", workerIndex, "id", j.msg.ID, "error", err)
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	// result is buffered; the handler may already have given up
	j.result <- err
}
