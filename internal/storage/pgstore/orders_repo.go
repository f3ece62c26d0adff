package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const orderColumns = `
  id, company_id, external_order_id, order_no, channel, payment_mode, status,
  subtotal, tax_total, discount, grand_total, cod_amount,
  customer_name, customer_phone, customer_email,
  shipping_address, shipping_city, shipping_state, shipping_pincode,
  order_date, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	if err := row.Scan(
		&o.ID, &o.CompanyID, &o.ExternalOrderID, &o.OrderNo, &o.Channel, &o.PaymentMode, &o.Status,
		&o.Subtotal, &o.TaxTotal, &o.Discount, &o.GrandTotal, &o.CODAmount,
		&o.CustomerName, &o.CustomerPhone, &o.CustomerEmail,
		&o.ShippingAddress, &o.ShippingCity, &o.ShippingState, &o.ShippingPincode,
		&o.OrderDate, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Storage) GetOrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}
	return o, nil
}

func (s *Storage) GetOrderByNo(ctx context.Context, companyID uint64, orderNo string) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx,
		`SELECT`+orderColumns+` FROM orders WHERE company_id = $1 AND order_no = $2`, companyID, orderNo))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order by no")
	}
	return o, nil
}

func (s *Storage) GetOrderItems(ctx context.Context, orderID uint64) ([]*models.OrderItem, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, order_id, sku_id, sku_code, channel_sku,
  quantity, alloced_qty, picked_qty, packed_qty, shipped_qty,
  unit_price, tax, discount, created_at
FROM order_items WHERE order_id = $1 ORDER BY id
`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select order items")
	}
	defer rows.Close()

	var out []*models.OrderItem
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(
			&it.ID, &it.OrderID, &it.SkuID, &it.SkuCode, &it.ChannelSku,
			&it.Quantity, &it.AllocedQty, &it.PickedQty, &it.PackedQty, &it.ShippedQty,
			&it.UnitPrice, &it.Tax, &it.Discount, &it.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan order item")
		}
		out = append(out, &it)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ApplyOrderStatus — оптимистичная запись статуса заказа, по аналогии с
// отправлениями: false значит строка уже не в prevStatus.
func (s *Storage) ApplyOrderStatus(ctx context.Context, orderID uint64, prevStatus, newStatus string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`,
		orderID, prevStatus, newStatus)
	if err != nil {
		return false, errors.Wrap(err, "apply order status")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) SetOrderStatus(ctx context.Context, orderID uint64, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`, orderID, status)
	return errors.Wrap(err, "set order status")
}

// OrderIngestInput — весь материал одного внешнего заказа: шапка, строки
// и ключ идемпотентности (company, connection, external id).
type OrderIngestInput struct {
	CompanyID    uint64
	ConnectionID uint64

	ExternalOrderID string

	Order models.Order
	Items []models.OrderItem

	// Резервировать остатки по строкам с известным SKU.
	Reserve bool
}

type OrderIngestResult struct {
	Order *models.Order
	// Заготовка отправления под будущую бронь отгрузки.
	DeliveryID    uint64
	AlreadySynced bool
	// Номер заказа из реестра, если заказ был принят раньше.
	ExistingOrderNo *string
	// Строки, по которым остатка не хватило (заказ всё равно принят).
	ReservationWarnings []string
}

// IngestOrder атомарно принимает внешний заказ: запись в реестр
// синхронизации, шапка, строки и FIFO-резервы в одной транзакции.
// Повторный вызов с тем же внешним id — no-op с AlreadySynced=true.
func (s *Storage) IngestOrder(ctx context.Context, in OrderIngestInput) (*OrderIngestResult, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Реестр — источник истины для дедупликации. FOR UPDATE, чтобы два
	// конкурентных пула одного заказа не прошли дальше одновременно.
	var (
		syncID     uint64
		syncStatus string
		syncNo     *string
	)
	err = tx.QueryRow(ctx, `
SELECT id, status, order_no FROM marketplace_order_sync
WHERE company_id = $1 AND connection_id = $2 AND external_order_id = $3
FOR UPDATE
`, in.CompanyID, in.ConnectionID, in.ExternalOrderID).Scan(&syncID, &syncStatus, &syncNo)
	switch {
	case err == pgx.ErrNoRows:
		err = tx.QueryRow(ctx, `
INSERT INTO marketplace_order_sync (company_id, connection_id, external_order_id, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
RETURNING id
`, in.CompanyID, in.ConnectionID, in.ExternalOrderID, models.SyncStatusPending, now).Scan(&syncID)
		if err != nil {
			return nil, errors.Wrap(err, "insert sync entry")
		}
	case err != nil:
		return nil, errors.Wrap(err, "select sync entry")
	case syncStatus == models.SyncStatusCompleted:
		return &OrderIngestResult{AlreadySynced: true, ExistingOrderNo: syncNo}, nil
	}

	o := in.Order
	var orderID uint64
	err = tx.QueryRow(ctx, `
INSERT INTO orders (
  company_id, external_order_id, order_no, channel, payment_mode, status,
  subtotal, tax_total, discount, grand_total, cod_amount,
  customer_name, customer_phone, customer_email,
  shipping_address, shipping_city, shipping_state, shipping_pincode,
  order_date, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$20)
RETURNING id
`, o.CompanyID, o.ExternalOrderID, o.OrderNo, o.Channel, o.PaymentMode, o.Status,
		o.Subtotal, o.TaxTotal, o.Discount, o.GrandTotal, o.CODAmount,
		o.CustomerName, o.CustomerPhone, o.CustomerEmail,
		o.ShippingAddress, o.ShippingCity, o.ShippingState, o.ShippingPincode,
		o.OrderDate.UTC(), now).Scan(&orderID)
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	var warnings []string
	for i := range in.Items {
		it := &in.Items[i]
		alloced := int32(0)
		if in.Reserve && it.SkuID != 0 {
			alloced, err = reserveFIFOTx(ctx, tx, in.CompanyID, it.SkuID, it.Quantity)
			if err != nil {
				return nil, err
			}
			if alloced < it.Quantity {
				warnings = append(warnings, fmt.Sprintf(
					"sku %s: short by %d of %d", it.SkuCode, it.Quantity-alloced, it.Quantity))
			}
		}
		_, err = tx.Exec(ctx, `
INSERT INTO order_items (
  order_id, sku_id, sku_code, channel_sku,
  quantity, alloced_qty, unit_price, tax, discount, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, orderID, it.SkuID, it.SkuCode, it.ChannelSku,
			it.Quantity, alloced, it.UnitPrice, it.Tax, it.Discount, now)
		if err != nil {
			return nil, errors.Wrap(err, "insert order item")
		}
	}

	// Заготовка отправления: AWB появится при брони отгрузки, до тех пор
	// строка не попадает в выборку поллера.
	var deliveryID uint64
	err = tx.QueryRow(ctx, `
INSERT INTO deliveries (company_id, order_id, awb, carrier_code, status, next_check_at, created_at, updated_at)
VALUES ($1,$2,'','',$3,$4,$4,$4)
RETURNING id
`, in.CompanyID, orderID, models.DeliveryStatusPending, now).Scan(&deliveryID)
	if err != nil {
		return nil, errors.Wrap(err, "insert delivery stub")
	}

	_, err = tx.Exec(ctx, `
UPDATE marketplace_order_sync SET status = $2, order_id = $3, order_no = $4, error = NULL, updated_at = now()
WHERE id = $1
`, syncID, models.SyncStatusCompleted, orderID, o.OrderNo)
	if err != nil {
		return nil, errors.Wrap(err, "complete sync entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	created, err := s.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderIngestResult{Order: created, DeliveryID: deliveryID, ReservationWarnings: warnings}, nil
}

// MarkOrderSyncFailed фиксирует причину отказа в реестре; статус FAILED
// не мешает повторной попытке при следующем пуле.
func (s *Storage) MarkOrderSyncFailed(ctx context.Context, companyID, connectionID uint64, externalOrderID, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
INSERT INTO marketplace_order_sync (company_id, connection_id, external_order_id, status, error, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)
ON CONFLICT (company_id, connection_id, external_order_id)
DO UPDATE SET status = $4, error = $5, updated_at = now()
WHERE marketplace_order_sync.status <> 'COMPLETED'
`, companyID, connectionID, externalOrderID, models.SyncStatusFailed, reason, now)
	return errors.Wrap(err, "mark sync failed")
}

func (s *Storage) GetOrderSync(ctx context.Context, companyID, connectionID uint64, externalOrderID string) (*models.MarketplaceOrderSync, error) {
	var m models.MarketplaceOrderSync
	err := s.db.QueryRow(ctx, `
SELECT id, company_id, connection_id, external_order_id, status, order_id, order_no, error, created_at, updated_at
FROM marketplace_order_sync
WHERE company_id = $1 AND connection_id = $2 AND external_order_id = $3
`, companyID, connectionID, externalOrderID).Scan(
		&m.ID, &m.CompanyID, &m.ConnectionID, &m.ExternalOrderID,
		&m.Status, &m.OrderID, &m.OrderNo, &m.Error, &m.CreatedAt, &m.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select sync entry")
	}
	return &m, nil
}

// NextOrderSeq — канальная нумерация заказов из общей последовательности.
func (s *Storage) NextOrderSeq(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRow(ctx, `SELECT nextval('order_no_seq')`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "next order seq")
	}
	return n, nil
}
