package pgstore

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const ndrColumns = `
  id, company_id, delivery_id, order_id,
  attempt_number, reason, priority, risk_score,
  carrier_remark, status, resolved_at, created_at, updated_at`

func scanNDR(row pgx.Row) (*models.NDR, error) {
	var n models.NDR
	if err := row.Scan(
		&n.ID, &n.CompanyID, &n.DeliveryID, &n.OrderID,
		&n.AttemptNumber, &n.Reason, &n.Priority, &n.RiskScore,
		&n.CarrierRemark, &n.Status, &n.ResolvedAt, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Storage) GetOpenNDRByDelivery(ctx context.Context, deliveryID uint64) (*models.NDR, error) {
	n, err := scanNDR(s.db.QueryRow(ctx, `
SELECT`+ndrColumns+` FROM ndrs
WHERE delivery_id = $1 AND status NOT IN ('RESOLVED','RTO','CLOSED')
`, deliveryID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select open ndr")
	}
	return n, nil
}

// OpenOrEscalateNDR: первый недовоз открывает NDR, повторный по тому же
// отправлению инкрементирует attempt_number в открытой записи. Частичный
// уникальный индекс гарантирует не больше одной открытой на отправление.
func (s *Storage) OpenOrEscalateNDR(ctx context.Context, in models.NDR) (*models.NDR, bool, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := scanNDR(tx.QueryRow(ctx, `
SELECT`+ndrColumns+` FROM ndrs
WHERE delivery_id = $1 AND status NOT IN ('RESOLVED','RTO','CLOSED')
FOR UPDATE
`, in.DeliveryID))
	if err != nil && err != pgx.ErrNoRows {
		return nil, false, errors.Wrap(err, "select open ndr")
	}

	var out *models.NDR
	created := false
	if err == pgx.ErrNoRows {
		out, err = scanNDR(tx.QueryRow(ctx, `
INSERT INTO ndrs (company_id, delivery_id, order_id, attempt_number, reason, priority, risk_score, carrier_remark, status, created_at, updated_at)
VALUES ($1,$2,$3,1,$4,$5,$6,$7,$8,$9,$9)
RETURNING`+ndrColumns+`
`, in.CompanyID, in.DeliveryID, in.OrderID, in.Reason, in.Priority, in.RiskScore, in.CarrierRemark, models.NDRStatusOpen, now))
		if err != nil {
			return nil, false, errors.Wrap(err, "insert ndr")
		}
		created = true
	} else {
		out, err = scanNDR(tx.QueryRow(ctx, `
UPDATE ndrs SET
  attempt_number = attempt_number + 1,
  reason = $2,
  priority = $3,
  risk_score = $4,
  carrier_remark = COALESCE($5, carrier_remark),
  updated_at = now()
WHERE id = $1
RETURNING`+ndrColumns+`
`, existing.ID, in.Reason, in.Priority, in.RiskScore, in.CarrierRemark))
		if err != nil {
			return nil, false, errors.Wrap(err, "escalate ndr")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit tx")
	}
	return out, created, nil
}

// ResolveOpenNDR закрывает открытую запись по отправлению терминальным
// статусом. false значит открытой записи не было.
func (s *Storage) ResolveOpenNDR(ctx context.Context, deliveryID uint64, terminalStatus string) (*models.NDR, error) {
	if !models.IsNDRTerminalStatus(terminalStatus) {
		return nil, errors.Errorf("status %q is not terminal for ndr", terminalStatus)
	}
	n, err := scanNDR(s.db.QueryRow(ctx, `
UPDATE ndrs SET status = $2, resolved_at = now(), updated_at = now()
WHERE delivery_id = $1 AND status NOT IN ('RESOLVED','RTO','CLOSED')
RETURNING`+ndrColumns+`
`, deliveryID, terminalStatus))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve ndr")
	}
	return n, nil
}

// SetNDRStatus — нетерминальные переходы (запрошено действие, назначен
// перевоз). Терминальные идут через ResolveOpenNDR.
func (s *Storage) SetNDRStatus(ctx context.Context, ndrID uint64, status string) (bool, error) {
	if models.IsNDRTerminalStatus(status) {
		return false, errors.Errorf("terminal status %q must go through resolve", status)
	}
	tag, err := s.db.Exec(ctx, `
UPDATE ndrs SET status = $2, updated_at = now()
WHERE id = $1 AND status NOT IN ('RESOLVED','RTO','CLOSED')
`, ndrID, status)
	if err != nil {
		return false, errors.Wrap(err, "set ndr status")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) GetNDRByID(ctx context.Context, ndrID uint64) (*models.NDR, error) {
	n, err := scanNDR(s.db.QueryRow(ctx, `SELECT`+ndrColumns+` FROM ndrs WHERE id = $1`, ndrID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select ndr")
	}
	return n, nil
}

func (s *Storage) ListOpenNDRs(ctx context.Context, companyID uint64, limit int) ([]*models.NDR, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+ndrColumns+` FROM ndrs
WHERE company_id = $1 AND status NOT IN ('RESOLVED','RTO','CLOSED')
ORDER BY risk_score DESC, updated_at ASC
LIMIT $2
`, companyID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select open ndrs")
	}
	defer rows.Close()

	var out []*models.NDR
	for rows.Next() {
		n, err := scanNDR(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ndr")
		}
		out = append(out, n)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
