// Package orderpipe принимает нормализованные заказы маркетплейсов:
// дедупликация по реестру, сопоставление SKU, мягкая валидация,
// нумерация и атомарная запись заказа с резервами.
package orderpipe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/BearBump/ShipBridge/internal/storage/pgstore"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Repository interface {
	GetOrderSync(ctx context.Context, companyID, connectionID uint64, externalOrderID string) (*models.MarketplaceOrderSync, error)
	MapSkus(ctx context.Context, companyID uint64, channel string, channelSkus []string) (map[string]models.MarketplaceSkuMapping, error)
	NextOrderSeq(ctx context.Context) (uint64, error)
	IngestOrder(ctx context.Context, in pgstore.OrderIngestInput) (*pgstore.OrderIngestResult, error)
	MarkOrderSyncFailed(ctx context.Context, companyID, connectionID uint64, externalOrderID, reason string) error
	GetAvailable(ctx context.Context, companyID uint64, skuIDs []uint64) (map[uint64]int32, error)
}

// Исход обработки одного заказа. Это не ошибки Go: failed описывает
// заказ, который нельзя принять, и фиксируется в реестре.
const (
	StatusCreated = "created"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

type Result struct {
	Status  string
	OrderID uint64
	OrderNo string
	// Строка на каждую мягкую проблему: нехватка остатка, пустой
	// адрес, несопоставленный SKU.
	Warnings []string
	Errors   []string

	DeliveryID uint64
}

type Pipeline struct {
	repo Repository
}

func New(repo Repository) *Pipeline {
	return &Pipeline{repo: repo}
}

// ProcessOrder идемпотентен: повторный вызов с тем же внешним id отдаёт
// skipped и не создаёт побочных эффектов.
func (p *Pipeline) ProcessOrder(ctx context.Context, companyID uint64, conn *models.MarketplaceConnection, mo marketplaces.Order) (*Result, error) {
	if mo.ExternalOrderID == "" {
		return nil, errors.New("externalOrderId is required")
	}
	channel := mo.Channel
	if channel == "" {
		channel = conn.Channel
	}

	// Быстрая проверка реестра до какой-либо работы. Транзакция внутри
	// IngestOrder всё равно прикрыта от гонки двух поставок.
	sync, err := p.repo.GetOrderSync(ctx, companyID, conn.ID, mo.ExternalOrderID)
	if err != nil {
		return nil, errors.Wrap(err, "check sync ledger")
	}
	if sync != nil && sync.Status == models.SyncStatusCompleted {
		res := &Result{Status: StatusSkipped}
		if sync.OrderID != nil {
			res.OrderID = *sync.OrderID
		}
		if sync.OrderNo != nil {
			res.OrderNo = *sync.OrderNo
		}
		return res, nil
	}

	items, warnings, unmapped, err := p.mapLines(ctx, companyID, channel, mo.Lines)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		reason := "no resolvable lines: unmapped skus " + strings.Join(unmapped, ", ")
		if len(mo.Lines) == 0 {
			reason = "order has no line items"
		}
		if err := p.repo.MarkOrderSyncFailed(ctx, companyID, conn.ID, mo.ExternalOrderID, reason); err != nil {
			return nil, errors.Wrap(err, "record ingest failure")
		}
		slog.Warn("marketplace order rejected",
			"company", companyID, "channel", channel, "externalOrderId", mo.ExternalOrderID, "reason", reason)
		return &Result{Status: StatusFailed, Warnings: warnings, Errors: []string{reason}}, nil
	}

	warnings = append(warnings, p.validate(ctx, companyID, mo, items)...)

	orderNo, err := p.nextOrderNo(ctx, channel)
	if err != nil {
		return nil, err
	}

	order := buildOrder(companyID, mo, channel, orderNo)
	ingested, err := p.repo.IngestOrder(ctx, pgstore.OrderIngestInput{
		CompanyID:       companyID,
		ConnectionID:    conn.ID,
		ExternalOrderID: mo.ExternalOrderID,
		Order:           order,
		Items:           items,
		Reserve:         true,
	})
	if err != nil {
		reason := err.Error()
		if mErr := p.repo.MarkOrderSyncFailed(ctx, companyID, conn.ID, mo.ExternalOrderID, reason); mErr != nil {
			slog.Error("ingest failure not recorded",
				"externalOrderId", mo.ExternalOrderID, "error", mErr)
		}
		return &Result{Status: StatusFailed, Warnings: warnings, Errors: []string{reason}}, nil
	}

	if ingested.AlreadySynced {
		res := &Result{Status: StatusSkipped, Warnings: warnings}
		if ingested.ExistingOrderNo != nil {
			res.OrderNo = *ingested.ExistingOrderNo
		}
		return res, nil
	}

	warnings = append(warnings, ingested.ReservationWarnings...)
	return &Result{
		Status:     StatusCreated,
		OrderID:    ingested.Order.ID,
		OrderNo:    ingested.Order.OrderNo,
		Warnings:   warnings,
		DeliveryID: ingested.DeliveryID,
	}, nil
}

// mapLines сопоставляет SKU канала с внутренними. Несопоставленная
// строка — предупреждение, а не отказ; отказ наступает, только когда не
// осталось ни одной строки.
func (p *Pipeline) mapLines(ctx context.Context, companyID uint64, channel string, lines []marketplaces.OrderLine) ([]models.OrderItem, []string, []string, error) {
	if len(lines) == 0 {
		return nil, nil, nil, nil
	}

	skus := make([]string, 0, len(lines))
	for _, l := range lines {
		skus = append(skus, l.ChannelSku)
	}
	mapped, err := p.repo.MapSkus(ctx, companyID, channel, skus)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "map skus")
	}

	var (
		items    []models.OrderItem
		warnings []string
		unmapped []string
	)
	for _, l := range lines {
		m, ok := mapped[l.ChannelSku]
		if !ok {
			unmapped = append(unmapped, l.ChannelSku)
			warnings = append(warnings, fmt.Sprintf("sku %s is not mapped for channel %s", l.ChannelSku, channel))
			continue
		}
		items = append(items, models.OrderItem{
			SkuID:      m.SkuID,
			SkuCode:    m.SkuCode,
			ChannelSku: l.ChannelSku,
			Quantity:   l.Quantity,
			UnitPrice:  l.UnitPrice,
			Tax:        l.Tax,
			Discount:   l.Discount,
		})
	}
	return items, warnings, unmapped, nil
}

// validate — мягкие проверки. Заказ с проблемами всё равно принимается:
// живые деньги важнее чистоты данных, разбор остаётся оператору.
func (p *Pipeline) validate(ctx context.Context, companyID uint64, mo marketplaces.Order, items []models.OrderItem) []string {
	var w []string
	if mo.CustomerName == "" {
		w = append(w, "customer name is missing")
	}
	if mo.CustomerPhone == "" && mo.CustomerEmail == "" {
		w = append(w, "customer contact is missing")
	}
	if mo.ShippingAddress == "" || mo.ShippingPincode == "" {
		w = append(w, "shipping address is incomplete")
	}
	if !mo.GrandTotal.IsPositive() {
		w = append(w, "order total is not positive")
	}

	skuIDs := make([]uint64, 0, len(items))
	for _, it := range items {
		skuIDs = append(skuIDs, it.SkuID)
	}
	avail, err := p.repo.GetAvailable(ctx, companyID, skuIDs)
	if err != nil {
		// Проверка остатка информационная; не мешаем приёму заказа.
		slog.Warn("availability check failed", "company", companyID, "error", err)
		return w
	}
	for _, it := range items {
		if avail[it.SkuID] < it.Quantity {
			w = append(w, fmt.Sprintf("sku %s: available %d of %d", it.SkuCode, avail[it.SkuID], it.Quantity))
		}
	}
	return w
}

func (p *Pipeline) nextOrderNo(ctx context.Context, channel string) (string, error) {
	seq, err := p.repo.NextOrderSeq(ctx)
	if err != nil {
		return "", errors.Wrap(err, "next order seq")
	}
	return fmt.Sprintf("%s-%05d", models.OrderNumberPrefix(channel), seq), nil
}

func buildOrder(companyID uint64, mo marketplaces.Order, channel, orderNo string) models.Order {
	ext := mo.ExternalOrderID
	cod := decimal.Zero
	if mo.PaymentMode == models.PaymentModeCOD {
		cod = mo.GrandTotal
	}
	return models.Order{
		CompanyID:       companyID,
		ExternalOrderID: &ext,
		OrderNo:         orderNo,
		Channel:         channel,
		PaymentMode:     mo.PaymentMode,
		Status:          models.OrderStatusCreated,
		Subtotal:        mo.Subtotal,
		TaxTotal:        mo.TaxTotal,
		Discount:        mo.Discount,
		GrandTotal:      mo.GrandTotal,
		CODAmount:       cod,
		CustomerName:    mo.CustomerName,
		CustomerPhone:   mo.CustomerPhone,
		CustomerEmail:   mo.CustomerEmail,
		ShippingAddress: mo.ShippingAddress,
		ShippingCity:    mo.ShippingCity,
		ShippingState:   mo.ShippingState,
		ShippingPincode: mo.ShippingPincode,
		OrderDate:       mo.OrderDate,
	}
}
