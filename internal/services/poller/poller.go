package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/ShipBridge/internal/broker/messages"
	"github.com/BearBump/ShipBridge/internal/cache/rediscache"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Repository interface {
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error)
}

type Producer interface {
	PublishJSON(ctx context.Context, topic, key string, payload any) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// AdapterSource отдаёт готовый (авторизованный) адаптер перевозчика.
type AdapterSource interface {
	Adapter(carrierCode string) (carriers.Adapter, error)
}

var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipbridge_carrier_polls_total",
		Help: "Carrier tracking polls by carrier and outcome.",
	}, []string{"carrier", "outcome"})
	pollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shipbridge_carrier_poll_duration_seconds",
		Help:    "Duration of a single carrier tracking poll.",
		Buckets: prometheus.DefBuckets,
	}, []string{"carrier"})
)

// Poller циклически выбирает отправления, у которых подошло время
// проверки, опрашивает перевозчиков и публикует результаты в Kafka.
// Запись в базу делает потребитель (пайплайн статусов), не воркер.
type Poller struct {
	repo     Repository
	adapters AdapterSource
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[string]int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, adapters AdapterSource, producer Producer, rl RateLimiter, topic string) *Poller {
	return &Poller{
		repo: repo, adapters: adapters, producer: producer, rl: rl, topic: topic,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		carrierRateLimits:  map[string]int64{},
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if lease > 0 {
		p.lease = lease
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

func (p *Poller) WithPlanner(cfg PlannerConfig) *Poller {
	p.planner = NewPlanner(cfg, nil)
	return p
}

// WithCarrierRateLimit задаёт индивидуальный лимит запросов в минуту
// для перевозчика; остальные ходят под общим.
func (p *Poller) WithCarrierRateLimit(carrierCode string, perMinute int64) *Poller {
	if perMinute > 0 {
		p.carrierRateLimits[carrierCode] = perMinute
	}
	return p
}

// Trigger форсирует немедленный цикл (best-effort, без блокировки).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalClaimed:   p.totalClaimed.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalErrors:    p.totalErrors.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())

	items, err := p.repo.ClaimDueDeliveries(ctx, now, p.batchSize, p.lease)
	if err != nil {
		slog.Error("claim due deliveries", "error", err.Error())
		p.setLastError(err)
		return
	}
	p.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, d := range items {
		sem <- struct{}{}
		wg.Add(1)
		dCopy := d
		p.inFlight.Add(1)
		go func() {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := p.processOne(ctx, dCopy); err != nil {
				p.totalErrors.Add(1)
				p.setLastError(err)
				slog.Error("process delivery",
					"deliveryId", dCopy.ID, "awb", dCopy.AWB, "error", err.Error())
			}
			p.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (p *Poller) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}

func (p *Poller) processOne(ctx context.Context, d *models.Delivery) error {
	now := time.Now().UTC()
	started := time.Now()
	defer func() {
		pollDuration.WithLabelValues(d.CarrierCode).Observe(time.Since(started).Seconds())
	}()

	if p.rl != nil && p.rateLimitPerMinute > 0 {
		limit := p.rateLimitPerMinute
		if custom, ok := p.carrierRateLimits[d.CarrierCode]; ok {
			limit = custom
		}
		minuteKey := fmt.Sprintf("%s:%s", rediscache.CarrierRateKey(d.CarrierCode), now.Format("200601021504"))
		allowed, n, err := p.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			// Лимит минуты выбран: притормаживаем, лиз вернёт строку в выборку.
			slog.Warn("carrier rate limit exceeded", "carrier", d.CarrierCode, "count", n)
			time.Sleep(500 * time.Millisecond)
		}
	}

	msg := messages.TrackingChecked{
		DeliveryID:  d.ID,
		CarrierCode: d.CarrierCode,
		AWB:         d.AWB,
		CheckedAt:   now,
	}

	adapter, err := p.adapters.Adapter(d.CarrierCode)
	if err != nil {
		e := err.Error()
		msg.Error = &e
		msg.NextCheckAt = now.Add(p.planner.BackoffDelay(d.CheckFailCount + 1))
		pollsTotal.WithLabelValues(d.CarrierCode, "error").Inc()
		return p.publish(ctx, d, msg)
	}

	res, err := adapter.TrackShipment(ctx, d.AWB)
	switch {
	case err != nil:
		e := err.Error()
		msg.Error = &e
		msg.NextCheckAt = now.Add(p.planner.BackoffDelay(d.CheckFailCount + 1))
		pollsTotal.WithLabelValues(d.CarrierCode, "error").Inc()
	case !res.Success:
		msg.Error = &res.Error
		msg.NextCheckAt = now.Add(p.planner.BackoffDelay(d.CheckFailCount + 1))
		pollsTotal.WithLabelValues(d.CarrierCode, "failure").Inc()
	default:
		msg.Status = res.CurrentStatus
		msg.StatusRaw = res.CurrentStatusRaw
		msg.EDD = res.EDD
		msg.NextCheckAt = now.Add(p.planner.NextCheckDelay(res.CurrentStatus))
		for _, e := range res.Events {
			msg.Events = append(msg.Events, messages.TrackingCheckedEvent{
				Status:    e.Status,
				StatusRaw: e.StatusRaw,
				EventTime: e.Timestamp,
				Location:  optional(e.Location),
				Remark:    optional(e.Remark),
				IsNDR:     e.IsNDR,
				NDRReason: e.NDRReason,
			})
		}
		pollsTotal.WithLabelValues(d.CarrierCode, "ok").Inc()
	}

	return p.publish(ctx, d, msg)
}

func (p *Poller) publish(ctx context.Context, d *models.Delivery, msg messages.TrackingChecked) error {
	// Kafka может быть не готова сразу после старта docker compose,
	// поэтому короткий retry.
	var pubErr error
	for i := 0; i < 10; i++ {
		if pubErr = p.producer.PublishJSON(ctx, p.topic, fmt.Sprintf("%d", d.ID), msg); pubErr == nil {
			return nil
		}
		time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
	}
	return pubErr
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
