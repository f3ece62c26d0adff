package pgstore

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// reserveFIFOTx резервирует qty по строкам остатка в порядке fifo_sequence,
// блокируя их FOR UPDATE. Возвращает фактически зарезервированное
// количество; нехватка остатка ошибкой не считается.
func reserveFIFOTx(ctx context.Context, tx pgx.Tx, companyID, skuID uint64, qty int32) (int32, error) {
	if qty <= 0 {
		return 0, nil
	}

	rows, err := tx.Query(ctx, `
SELECT id, quantity, reserved_qty
FROM inventory
WHERE company_id = $1 AND sku_id = $2 AND quantity > reserved_qty
ORDER BY fifo_sequence ASC
FOR UPDATE
`, companyID, skuID)
	if err != nil {
		return 0, errors.Wrap(err, "select inventory for reserve")
	}

	type slot struct {
		id        uint64
		available int32
	}
	var slots []slot
	for rows.Next() {
		var id uint64
		var quantity, reserved int32
		if err := rows.Scan(&id, &quantity, &reserved); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan inventory")
		}
		slots = append(slots, slot{id: id, available: quantity - reserved})
	}
	if rows.Err() != nil {
		rows.Close()
		return 0, errors.Wrap(rows.Err(), "rows")
	}
	rows.Close()

	var reserved int32
	for _, sl := range slots {
		if reserved >= qty {
			break
		}
		take := qty - reserved
		if take > sl.available {
			take = sl.available
		}
		_, err := tx.Exec(ctx,
			`UPDATE inventory SET reserved_qty = reserved_qty + $2, updated_at = now() WHERE id = $1`,
			sl.id, take)
		if err != nil {
			return 0, errors.Wrap(err, "reserve inventory")
		}
		reserved += take
	}
	return reserved, nil
}

// ReserveStock — резерв вне пайплайна приёма заказа (ручная аллокация).
func (s *Storage) ReserveStock(ctx context.Context, companyID, skuID uint64, qty int32) (int32, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	reserved, err := reserveFIFOTx(ctx, tx, companyID, skuID, qty)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return reserved, nil
}

// ReleaseReservation снимает резерв в обратном FIFO-порядке (последний
// занятый слот освобождается первым).
func (s *Storage) ReleaseReservation(ctx context.Context, companyID, skuID uint64, qty int32) error {
	if qty <= 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, reserved_qty
FROM inventory
WHERE company_id = $1 AND sku_id = $2 AND reserved_qty > 0
ORDER BY fifo_sequence DESC
FOR UPDATE
`, companyID, skuID)
	if err != nil {
		return errors.Wrap(err, "select inventory for release")
	}

	type slot struct {
		id       uint64
		reserved int32
	}
	var slots []slot
	for rows.Next() {
		var sl slot
		if err := rows.Scan(&sl.id, &sl.reserved); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan inventory")
		}
		slots = append(slots, sl)
	}
	if rows.Err() != nil {
		rows.Close()
		return errors.Wrap(rows.Err(), "rows")
	}
	rows.Close()

	remaining := qty
	for _, sl := range slots {
		if remaining <= 0 {
			break
		}
		give := remaining
		if give > sl.reserved {
			give = sl.reserved
		}
		_, err := tx.Exec(ctx,
			`UPDATE inventory SET reserved_qty = reserved_qty - $2, updated_at = now() WHERE id = $1`,
			sl.id, give)
		if err != nil {
			return errors.Wrap(err, "release inventory")
		}
		remaining -= give
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// CommitShipment списывает отгруженное: и количество, и резерв уменьшаются
// в FIFO-порядке.
func (s *Storage) CommitShipment(ctx context.Context, companyID, skuID uint64, qty int32) error {
	if qty <= 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, quantity, reserved_qty
FROM inventory
WHERE company_id = $1 AND sku_id = $2 AND reserved_qty > 0
ORDER BY fifo_sequence ASC
FOR UPDATE
`, companyID, skuID)
	if err != nil {
		return errors.Wrap(err, "select inventory for shipment")
	}

	type slot struct {
		id       uint64
		reserved int32
	}
	var slots []slot
	for rows.Next() {
		var sl slot
		var quantity int32
		if err := rows.Scan(&sl.id, &quantity, &sl.reserved); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan inventory")
		}
		slots = append(slots, sl)
	}
	if rows.Err() != nil {
		rows.Close()
		return errors.Wrap(rows.Err(), "rows")
	}
	rows.Close()

	remaining := qty
	for _, sl := range slots {
		if remaining <= 0 {
			break
		}
		take := remaining
		if take > sl.reserved {
			take = sl.reserved
		}
		_, err := tx.Exec(ctx, `
UPDATE inventory SET quantity = quantity - $2, reserved_qty = reserved_qty - $2, updated_at = now()
WHERE id = $1
`, sl.id, take)
		if err != nil {
			return errors.Wrap(err, "commit inventory shipment")
		}
		remaining -= take
	}
	if remaining > 0 {
		return errors.Errorf("shipment exceeds reservation by %d for sku %d", remaining, skuID)
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// GetAvailable — свободный остаток (quantity - reserved) по набору SKU.
func (s *Storage) GetAvailable(ctx context.Context, companyID uint64, skuIDs []uint64) (map[uint64]int32, error) {
	if len(skuIDs) == 0 {
		return map[uint64]int32{}, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT sku_id, COALESCE(SUM(quantity - reserved_qty), 0)
FROM inventory
WHERE company_id = $1 AND sku_id = ANY($2)
GROUP BY sku_id
`, companyID, skuIDs)
	if err != nil {
		return nil, errors.Wrap(err, "select available")
	}
	defer rows.Close()

	out := make(map[uint64]int32, len(skuIDs))
	for rows.Next() {
		var skuID uint64
		var available int32
		if err := rows.Scan(&skuID, &available); err != nil {
			return nil, errors.Wrap(err, "scan available")
		}
		out[skuID] = available
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpsertInventory добавляет приход; новая строка получает следующий
// fifo_sequence.
func (s *Storage) UpsertInventory(ctx context.Context, inv models.Inventory) (uint64, error) {
	now := time.Now().UTC()
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO inventory (company_id, sku_id, location_id, bin_id, quantity, reserved_qty, fifo_sequence, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,0,
  (SELECT COALESCE(MAX(fifo_sequence), 0) + 1 FROM inventory WHERE company_id = $1 AND sku_id = $2),
  $6,$6)
RETURNING id
`, inv.CompanyID, inv.SkuID, inv.LocationID, inv.BinID, inv.Quantity, now).Scan(&id)
	return id, errors.Wrap(err, "upsert inventory")
}
