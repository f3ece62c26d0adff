// Package syncer — оркестрация синхронизаций с маркетплейсами: пул
// заказов страницами и пуш остатков батчами, с учётом политики
// аллокации канала и наблюдаемостью через журнал джобов.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/services/orderpipe"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

type Repository interface {
	CreateJob(ctx context.Context, companyID, connectionID uint64, jobType string) (*models.MarketplaceSyncJob, error)
	StartJob(ctx context.Context, jobID string) error
	BumpJobProgress(ctx context.Context, jobID string, processed, succeeded, failed, skipped int32) error
	FinishJob(ctx context.Context, jobID, status string, errorLog []string) error
	GetJob(ctx context.Context, jobID string) (*models.MarketplaceSyncJob, error)

	ListMappedSkus(ctx context.Context, companyID uint64, channel string) ([]*models.MarketplaceSkuMapping, error)
	GetAvailable(ctx context.Context, companyID uint64, skuIDs []uint64) (map[uint64]int32, error)

	MarkConnectionSynced(ctx context.Context, id uint64) error
	MarkConnectionError(ctx context.Context, id uint64, reason string) error
}

type OrderProcessor interface {
	ProcessOrder(ctx context.Context, companyID uint64, conn *models.MarketplaceConnection, mo marketplaces.Order) (*orderpipe.Result, error)
}

var (
	syncJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipbridge_sync_jobs_total",
		Help: "Marketplace sync jobs by type and final status.",
	}, []string{"type", "status"})
	ordersPulledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipbridge_orders_pulled_total",
		Help: "Marketplace orders pulled by channel and outcome.",
	}, []string{"channel", "outcome"})
	inventoryPushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipbridge_inventory_pushed_total",
		Help: "Inventory updates pushed by channel and outcome.",
	}, []string{"channel", "outcome"})
)

// AllocationPolicy — сколько остатка канал может увидеть. Сырые
// складские цифры наружу не уходят никогда.
type AllocationPolicy struct {
	// Доля доступного остатка в процентах; 0 трактуется как 100.
	Percent int
	// Жёсткий потолок на SKU; 0 — без потолка.
	MaxQuantity int32
	// Страховой запас, вычитается после процентов и потолка.
	SafetyBuffer int32
}

// Pushable применяет политику к доступному остатку.
func (p AllocationPolicy) Pushable(available int32) int32 {
	q := available
	if p.Percent > 0 && p.Percent < 100 {
		q = int32(int64(q) * int64(p.Percent) / 100)
	}
	if p.MaxQuantity > 0 && q > p.MaxQuantity {
		q = p.MaxQuantity
	}
	q -= p.SafetyBuffer
	if q < 0 {
		q = 0
	}
	return q
}

type Coordinator struct {
	repo   Repository
	orders OrderProcessor

	// Пейсинг обращений к вендору; дополняет рекомендательный
	// ShouldThrottle адаптера.
	limiter *rate.Limiter

	batchSize int
	pageLimit int
	policies  map[string]AllocationPolicy
	throttle  time.Duration
}

func New(repo Repository, orders OrderProcessor) *Coordinator {
	return &Coordinator{
		repo:      repo,
		orders:    orders,
		limiter:   rate.NewLimiter(rate.Limit(2), 4),
		batchSize: 50,
		pageLimit: 50,
		policies:  map[string]AllocationPolicy{},
		throttle:  2 * time.Second,
	}
}

func (c *Coordinator) WithRate(rps float64, burst int) *Coordinator {
	if rps > 0 && burst > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

func (c *Coordinator) WithBatchSize(n int) *Coordinator {
	if n > 0 {
		c.batchSize = n
	}
	return c
}

// WithPolicy задаёт политику аллокации канала.
func (c *Coordinator) WithPolicy(channel string, p AllocationPolicy) *Coordinator {
	c.policies[channel] = p
	return c
}

// SyncOrders тянет заказы подключения страницами и скармливает каждую
// строку пайплайну. Прогресс джоба обновляется после каждой страницы,
// долгий пул наблюдаем в середине полёта.
func (c *Coordinator) SyncOrders(ctx context.Context, conn *models.MarketplaceConnection, adapter marketplaces.Adapter, from, to time.Time) (*models.MarketplaceSyncJob, error) {
	job, err := c.repo.CreateJob(ctx, conn.CompanyID, conn.ID, models.JobTypeOrderPull)
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	if err := c.repo.StartJob(ctx, job.ID); err != nil {
		return nil, errors.Wrap(err, "start job")
	}

	var (
		succeeded, failed, skipped int32
		errorLog                   []string
		cursor                     string
		pages                      int
	)
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			errorLog = append(errorLog, "cancelled: "+err.Error())
			break
		}

		orders, next, err := adapter.FetchOrders(ctx, marketplaces.FetchOrdersRequest{
			From: from, To: to, Cursor: cursor, Limit: c.pageLimit,
		})
		if err != nil {
			errorLog = append(errorLog, fmt.Sprintf("fetch page %d: %v", pages+1, err))
			if pages == 0 && succeeded == 0 {
				// Не получили ни одной страницы: подключение нездорово.
				if mErr := c.repo.MarkConnectionError(ctx, conn.ID, err.Error()); mErr != nil {
					slog.Error("connection error not recorded", "connectionId", conn.ID, "error", mErr)
				}
			}
			break
		}
		pages++

		var pageOK, pageFail, pageSkip int32
		for _, mo := range orders {
			res, err := c.processOne(ctx, conn, mo)
			switch {
			case err != nil:
				pageFail++
				errorLog = append(errorLog, fmt.Sprintf("order %s: %v", mo.ExternalOrderID, err))
				ordersPulledTotal.WithLabelValues(conn.Channel, "error").Inc()
			case res.Status == orderpipe.StatusFailed:
				pageFail++
				errorLog = append(errorLog, fmt.Sprintf("order %s: %s", mo.ExternalOrderID, firstOf(res.Errors)))
				ordersPulledTotal.WithLabelValues(conn.Channel, "failed").Inc()
			case res.Status == orderpipe.StatusSkipped:
				pageSkip++
				ordersPulledTotal.WithLabelValues(conn.Channel, "skipped").Inc()
			default:
				pageOK++
				ordersPulledTotal.WithLabelValues(conn.Channel, "created").Inc()
			}
		}
		succeeded += pageOK
		failed += pageFail
		skipped += pageSkip

		if err := c.repo.BumpJobProgress(ctx, job.ID, int32(len(orders)), pageOK, pageFail, pageSkip); err != nil {
			slog.Error("job progress not recorded", "jobId", job.ID, "error", err)
		}

		if next == "" {
			break
		}
		cursor = next

		if adapter.ShouldThrottle() {
			slog.Info("adapter asks to slow down", "channel", conn.Channel)
			select {
			case <-ctx.Done():
			case <-time.After(c.throttle):
			}
		}
	}

	return c.finishJob(ctx, conn, job.ID, models.JobTypeOrderPull, succeeded, failed, errorLog)
}

// processOne изолирует панику одного заказа: сбой строки не валит джоб.
func (c *Coordinator) processOne(ctx context.Context, conn *models.MarketplaceConnection, mo marketplaces.Order) (res *orderpipe.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return c.orders.ProcessOrder(ctx, conn.CompanyID, conn, mo)
}

// PushInventory считает выталкиваемый остаток каждого сопоставленного
// SKU по политике канала и пушит батчами. Результат атрибутируется
// по-SKU, частичный провал батча не теряется.
func (c *Coordinator) PushInventory(ctx context.Context, conn *models.MarketplaceConnection, adapter marketplaces.Adapter) (*models.MarketplaceSyncJob, error) {
	job, err := c.repo.CreateJob(ctx, conn.CompanyID, conn.ID, models.JobTypeInventoryPush)
	if err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	if err := c.repo.StartJob(ctx, job.ID); err != nil {
		return nil, errors.Wrap(err, "start job")
	}

	mappings, err := c.repo.ListMappedSkus(ctx, conn.CompanyID, conn.Channel)
	if err != nil {
		_ = c.repo.FinishJob(ctx, job.ID, models.JobStatusFailed, []string{err.Error()})
		syncJobsTotal.WithLabelValues(models.JobTypeInventoryPush, models.JobStatusFailed).Inc()
		return c.repo.GetJob(ctx, job.ID)
	}

	skuIDs := make([]uint64, 0, len(mappings))
	for _, m := range mappings {
		skuIDs = append(skuIDs, m.SkuID)
	}
	avail, err := c.repo.GetAvailable(ctx, conn.CompanyID, skuIDs)
	if err != nil {
		_ = c.repo.FinishJob(ctx, job.ID, models.JobStatusFailed, []string{err.Error()})
		syncJobsTotal.WithLabelValues(models.JobTypeInventoryPush, models.JobStatusFailed).Inc()
		return c.repo.GetJob(ctx, job.ID)
	}

	policy := c.policies[conn.Channel]
	updates := make([]marketplaces.InventoryUpdate, 0, len(mappings))
	for _, m := range mappings {
		updates = append(updates, marketplaces.InventoryUpdate{
			ChannelSku: m.ChannelSku,
			Quantity:   policy.Pushable(avail[m.SkuID]),
		})
	}

	var (
		succeeded, failed int32
		errorLog          []string
	)
	for start := 0; start < len(updates); start += c.batchSize {
		end := start + c.batchSize
		if end > len(updates) {
			end = len(updates)
		}
		batch := updates[start:end]

		if err := c.limiter.Wait(ctx); err != nil {
			errorLog = append(errorLog, "cancelled: "+err.Error())
			break
		}

		var batchOK, batchFail int32
		results, err := adapter.PushInventory(ctx, batch)
		if err != nil {
			// Транспортный сбой целого батча: каждый SKU в нём — отказ.
			batchFail = int32(len(batch))
			errorLog = append(errorLog, fmt.Sprintf("batch %d-%d: %v", start, end, err))
			inventoryPushedTotal.WithLabelValues(conn.Channel, "error").Add(float64(len(batch)))
		} else {
			for _, r := range results {
				if r.Success {
					batchOK++
					inventoryPushedTotal.WithLabelValues(conn.Channel, "ok").Inc()
				} else {
					batchFail++
					errorLog = append(errorLog, fmt.Sprintf("sku %s: %s", r.ChannelSku, r.Error))
					inventoryPushedTotal.WithLabelValues(conn.Channel, "failed").Inc()
				}
			}
		}
		succeeded += batchOK
		failed += batchFail

		if err := c.repo.BumpJobProgress(ctx, job.ID, int32(len(batch)), batchOK, batchFail, 0); err != nil {
			slog.Error("job progress not recorded", "jobId", job.ID, "error", err)
		}

		if adapter.ShouldThrottle() {
			select {
			case <-ctx.Done():
			case <-time.After(c.throttle):
			}
		}
	}

	return c.finishJob(ctx, conn, job.ID, models.JobTypeInventoryPush, succeeded, failed, errorLog)
}

// finishJob классифицирует исход: полностью хорошо, хорошо с оговорками
// или полностью сломано. Вызывающий различает эти три случая.
func (c *Coordinator) finishJob(ctx context.Context, conn *models.MarketplaceConnection, jobID, jobType string, succeeded, failed int32, errorLog []string) (*models.MarketplaceSyncJob, error) {
	status := models.JobStatusCompleted
	switch {
	case failed > 0 && succeeded > 0:
		status = models.JobStatusPartial
	case (failed > 0 || len(errorLog) > 0) && succeeded == 0:
		status = models.JobStatusFailed
	}

	if err := c.repo.FinishJob(ctx, jobID, status, errorLog); err != nil {
		return nil, errors.Wrap(err, "finish job")
	}
	syncJobsTotal.WithLabelValues(jobType, status).Inc()

	if status != models.JobStatusFailed {
		if err := c.repo.MarkConnectionSynced(ctx, conn.ID); err != nil {
			slog.Error("connection sync mark failed", "connectionId", conn.ID, "error", err)
		}
	}
	return c.repo.GetJob(ctx, jobID)
}

func firstOf(ss []string) string {
	if len(ss) == 0 {
		return "unknown error"
	}
	return ss[0]
}
