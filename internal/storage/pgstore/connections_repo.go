package pgstore

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const connectionColumns = `
  id, company_id, channel, credentials, access_token, refresh_token,
  status, last_sync_at, last_error, last_error_at, created_at, updated_at`

func scanConnection(row pgx.Row) (*models.MarketplaceConnection, error) {
	var c models.MarketplaceConnection
	if err := row.Scan(
		&c.ID, &c.CompanyID, &c.Channel, &c.Credentials, &c.AccessToken, &c.RefreshToken,
		&c.Status, &c.LastSyncAt, &c.LastError, &c.LastErrorAt, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Storage) CreateConnection(ctx context.Context, c models.MarketplaceConnection) (*models.MarketplaceConnection, error) {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = models.ConnectionStatusPending
	}
	out, err := scanConnection(s.db.QueryRow(ctx, `
INSERT INTO marketplace_connections (company_id, channel, credentials, access_token, refresh_token, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
RETURNING`+connectionColumns+`
`, c.CompanyID, c.Channel, c.Credentials, c.AccessToken, c.RefreshToken, c.Status, now))
	return out, errors.Wrap(err, "insert connection")
}

func (s *Storage) GetConnection(ctx context.Context, id uint64) (*models.MarketplaceConnection, error) {
	c, err := scanConnection(s.db.QueryRow(ctx,
		`SELECT`+connectionColumns+` FROM marketplace_connections WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select connection")
	}
	return c, nil
}

func (s *Storage) ListConnections(ctx context.Context, companyID uint64) ([]*models.MarketplaceConnection, error) {
	rows, err := s.db.Query(ctx,
		`SELECT`+connectionColumns+` FROM marketplace_connections WHERE company_id = $1 ORDER BY id`, companyID)
	if err != nil {
		return nil, errors.Wrap(err, "select connections")
	}
	defer rows.Close()

	var out []*models.MarketplaceConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan connection")
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListActiveConnections — подключения, которые имеет смысл синхронизировать.
func (s *Storage) ListActiveConnections(ctx context.Context) ([]*models.MarketplaceConnection, error) {
	rows, err := s.db.Query(ctx,
		`SELECT`+connectionColumns+` FROM marketplace_connections WHERE status = $1 ORDER BY id`,
		models.ConnectionStatusConnected)
	if err != nil {
		return nil, errors.Wrap(err, "select active connections")
	}
	defer rows.Close()

	var out []*models.MarketplaceConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan connection")
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) SetConnectionStatus(ctx context.Context, id uint64, status string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE marketplace_connections SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return errors.Wrap(err, "set connection status")
}

func (s *Storage) MarkConnectionSynced(ctx context.Context, id uint64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE marketplace_connections SET last_sync_at = now(), last_error = NULL, updated_at = now() WHERE id = $1`, id)
	return errors.Wrap(err, "mark connection synced")
}

func (s *Storage) MarkConnectionError(ctx context.Context, id uint64, reason string) error {
	_, err := s.db.Exec(ctx, `
UPDATE marketplace_connections SET last_error = $2, last_error_at = now(), updated_at = now()
WHERE id = $1
`, id, reason)
	return errors.Wrap(err, "mark connection error")
}
