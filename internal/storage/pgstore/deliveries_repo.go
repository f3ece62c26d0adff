package pgstore

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const deliveryColumns = `
  id, company_id, order_id, awb, carrier_code,
  status, status_raw,
  ship_date, delivery_date, edd,
  remarks, manifest_no,
  declared_weight, charged_weight,
  last_checked_at, next_check_at, check_fail_count, last_error,
  created_at, updated_at`

func scanDelivery(row pgx.Row) (*models.Delivery, error) {
	var d models.Delivery
	if err := row.Scan(
		&d.ID, &d.CompanyID, &d.OrderID, &d.AWB, &d.CarrierCode,
		&d.Status, &d.StatusRaw,
		&d.ShipDate, &d.DeliveryDate, &d.EDD,
		&d.Remarks, &d.ManifestNo,
		&d.DeclaredWeight, &d.ChargedWeight,
		&d.LastCheckedAt, &d.NextCheckAt, &d.CheckFailCount, &d.LastError,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateOrGetDeliveries идемпотентна по (carrier_code, awb): повторная
// постановка того же AWB возвращает существующую строку без изменений.
func (s *Storage) CreateOrGetDeliveries(ctx context.Context, items []models.DeliveryCreateInput) ([]*models.Delivery, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uint64, 0, len(items))
	for _, it := range items {
		var id uint64
		err := tx.QueryRow(ctx, `
INSERT INTO deliveries (
  company_id, order_id, awb, carrier_code, status, status_raw, manifest_no,
  next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,'',$6,$7,$8,$8)
ON CONFLICT (carrier_code, awb) WHERE awb <> ''
DO UPDATE SET updated_at = deliveries.updated_at
RETURNING id
`, it.CompanyID, it.OrderID, it.AWB, it.CarrierCode, models.DeliveryStatusPending, it.ManifestNo, now, now).Scan(&id)
		if err != nil {
			return nil, errors.Wrap(err, "insert delivery")
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	return s.GetDeliveriesByIDs(ctx, ids)
}

func (s *Storage) GetDeliveriesByIDs(ctx context.Context, ids []uint64) ([]*models.Delivery, error) {
	if len(ids) == 0 {
		return []*models.Delivery{}, nil
	}

	rows, err := s.db.Query(ctx, `SELECT`+deliveryColumns+` FROM deliveries WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "select deliveries")
	}
	defer rows.Close()

	out := make([]*models.Delivery, 0, len(ids))
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan delivery")
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetDeliveryByAWB(ctx context.Context, carrierCode, awb string) (*models.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries WHERE carrier_code = $1 AND awb = $2`, carrierCode, awb))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select delivery by awb")
	}
	return d, nil
}

func (s *Storage) GetDeliveryByOrderID(ctx context.Context, orderID uint64) (*models.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx,
		`SELECT`+deliveryColumns+` FROM deliveries WHERE order_id = $1 ORDER BY id DESC LIMIT 1`, orderID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select delivery by order")
	}
	return d, nil
}

// DeliveryStatusPatch — что меняется вместе со статусом.
type DeliveryStatusPatch struct {
	Status       string
	StatusRaw    string
	ShipDate     *time.Time
	DeliveryDate *time.Time
	EDD          *time.Time
	Remarks      *string
}

// ApplyDeliveryStatus — оптимистичная запись: статус меняется только если
// строка всё ещё в prevStatus. false без ошибки значит "проиграли гонку",
// вызывающий перечитывает и решает заново.
func (s *Storage) ApplyDeliveryStatus(ctx context.Context, deliveryID uint64, prevStatus string, patch DeliveryStatusPatch) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE deliveries SET
  status = $3,
  status_raw = $4,
  ship_date = COALESCE($5, ship_date),
  delivery_date = COALESCE($6, delivery_date),
  edd = COALESCE($7, edd),
  remarks = COALESCE($8, remarks),
  updated_at = now()
WHERE id = $1 AND status = $2
`, deliveryID, prevStatus, patch.Status, patch.StatusRaw, patch.ShipDate, patch.DeliveryDate, patch.EDD, patch.Remarks)
	if err != nil {
		return false, errors.Wrap(err, "apply delivery status")
	}
	return tag.RowsAffected() == 1, nil
}

// AddDeliveryEvents пишет скан-историю; дубликаты по (awb, raw, время,
// место, текст) молча отбрасываются уникальным индексом.
func (s *Storage) AddDeliveryEvents(ctx context.Context, deliveryID uint64, events []models.DeliveryEvent) (int, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, e := range events {
		location := ""
		if e.Location != nil {
			location = *e.Location
		}
		remark := ""
		if e.Remark != nil {
			remark = *e.Remark
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO delivery_events (delivery_id, status, status_raw, event_time, location, remark, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (delivery_id, status_raw, event_time, location, remark) DO NOTHING
`, deliveryID, e.Status, e.StatusRaw, e.EventTime.UTC(), location, remark, now)
		if err != nil {
			return 0, errors.Wrap(err, "insert delivery event")
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return inserted, nil
}

func (s *Storage) GetDeliveryEvents(ctx context.Context, deliveryID uint64) ([]*models.DeliveryEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, delivery_id, status, status_raw, event_time, location, remark, created_at
FROM delivery_events
WHERE delivery_id = $1
ORDER BY event_time DESC, id DESC
`, deliveryID)
	if err != nil {
		return nil, errors.Wrap(err, "select delivery events")
	}
	defer rows.Close()

	var out []*models.DeliveryEvent
	for rows.Next() {
		var e models.DeliveryEvent
		var location, remark string
		if err := rows.Scan(&e.ID, &e.DeliveryID, &e.Status, &e.StatusRaw, &e.EventTime, &location, &remark, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan delivery event")
		}
		e.Location = &location
		e.Remark = &remark
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ClaimDueDeliveries выбирает пачку отправлений, готовых к проверке, и
// "бронирует" их лизом, чтобы параллельный воркер не взял те же строки.
// Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+deliveryColumns+`
FROM deliveries
WHERE next_check_at <= $1
  AND awb <> ''
  AND status NOT IN ($2, $3, $4)
ORDER BY next_check_at ASC
LIMIT $5
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.DeliveryStatusDelivered, models.DeliveryStatusRTODelivered, models.DeliveryStatusCancelled, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due deliveries")
	}
	defer rows.Close()

	var picked []*models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due delivery")
		}
		picked = append(picked, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	rows.Close()

	leaseUntil := now.UTC().Add(lease)
	for _, d := range picked {
		_, err := tx.Exec(ctx, `UPDATE deliveries SET next_check_at = $2, updated_at = now() WHERE id = $1`, d.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease delivery")
		}
		d.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// MarkCheckResult фиксирует исход одного опроса перевозчика и назначает
// время следующей проверки.
func (s *Storage) MarkCheckResult(ctx context.Context, deliveryID uint64, checkErr *string, nextCheckAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE deliveries SET
  last_checked_at = now(),
  next_check_at = $2,
  check_fail_count = CASE WHEN $3::text IS NULL THEN 0 ELSE check_fail_count + 1 END,
  last_error = $3,
  updated_at = now()
WHERE id = $1
`, deliveryID, nextCheckAt.UTC(), checkErr)
	return errors.Wrap(err, "mark check result")
}

func (s *Storage) RefreshDelivery(ctx context.Context, deliveryID uint64) error {
	_, err := s.db.Exec(ctx, `UPDATE deliveries SET next_check_at = now(), updated_at = now() WHERE id = $1`, deliveryID)
	return errors.Wrap(err, "refresh delivery")
}

// AssignAWB привязывает забронированную у перевозчика отгрузку к
// заготовке отправления и ставит её на трекинг.
func (s *Storage) AssignAWB(ctx context.Context, deliveryID uint64, carrierCode, awb string, manifestNo *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE deliveries SET
  carrier_code = $2,
  awb = $3,
  manifest_no = COALESCE($4, manifest_no),
  status = $5,
  next_check_at = now(),
  updated_at = now()
WHERE id = $1 AND awb = ''
`, deliveryID, carrierCode, awb, manifestNo, models.DeliveryStatusManifested)
	if err != nil {
		return false, errors.Wrap(err, "assign awb")
	}
	return tag.RowsAffected() == 1, nil
}
