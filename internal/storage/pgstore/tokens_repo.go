package pgstore

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const tokenColumns = `
  id, connection_id, access_token, refresh_token, token_type, expires_at,
  is_valid, refresh_count, created_at, updated_at`

func scanToken(row pgx.Row) (*models.MarketplaceOAuthToken, error) {
	var t models.MarketplaceOAuthToken
	if err := row.Scan(
		&t.ID, &t.ConnectionID, &t.AccessToken, &t.RefreshToken, &t.TokenType, &t.ExpiresAt,
		&t.IsValid, &t.RefreshCount, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Storage) GetValidToken(ctx context.Context, connectionID uint64) (*models.MarketplaceOAuthToken, error) {
	t, err := scanToken(s.db.QueryRow(ctx,
		`SELECT`+tokenColumns+` FROM marketplace_oauth_tokens WHERE connection_id = $1 AND is_valid`, connectionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select valid token")
	}
	return t, nil
}

// StoreToken атомарно сменяет токен подключения: все прежние строки
// теряют is_valid, новая наследует счётчик обновлений, access/refresh
// зеркалируются в строку подключения.
func (s *Storage) StoreToken(ctx context.Context, connectionID uint64, accessToken string, refreshToken *string, tokenType string, expiresAt *time.Time) (*models.MarketplaceOAuthToken, error) {
	now := time.Now().UTC()
	if tokenType == "" {
		tokenType = "bearer"
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Первый токен подключения несёт refresh_count=0, каждая смена
	// наследует счётчик прежнего валидного и прибавляет единицу.
	var newCount int32
	var prevCount int32
	err = tx.QueryRow(ctx, `
UPDATE marketplace_oauth_tokens SET is_valid = FALSE, updated_at = now()
WHERE connection_id = $1 AND is_valid
RETURNING refresh_count
`, connectionID).Scan(&prevCount)
	switch {
	case err == pgx.ErrNoRows:
		newCount = 0
	case err != nil:
		return nil, errors.Wrap(err, "invalidate tokens")
	default:
		newCount = prevCount + 1
	}

	t, err := scanToken(tx.QueryRow(ctx, `
INSERT INTO marketplace_oauth_tokens (connection_id, access_token, refresh_token, token_type, expires_at, is_valid, refresh_count, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,TRUE,$6,$7,$7)
RETURNING`+tokenColumns+`
`, connectionID, accessToken, refreshToken, tokenType, expiresAt, newCount, now))
	if err != nil {
		return nil, errors.Wrap(err, "insert token")
	}

	// Успешная выдача токена возвращает подключение в строй: EXPIRED
	// после отзыва снимается здесь же, вместе с прежней ошибкой.
	_, err = tx.Exec(ctx, `
UPDATE marketplace_connections
SET access_token = $2, refresh_token = COALESCE($3, refresh_token),
    status = $4, last_error = NULL, last_error_at = NULL, updated_at = now()
WHERE id = $1
`, connectionID, accessToken, refreshToken, models.ConnectionStatusConnected)
	if err != nil {
		return nil, errors.Wrap(err, "mirror token to connection")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return t, nil
}

// InvalidateTokens используется при отзыве доступа: валидного токена не
// остаётся, подключение переводится в EXPIRED.
func (s *Storage) InvalidateTokens(ctx context.Context, connectionID uint64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
UPDATE marketplace_oauth_tokens SET is_valid = FALSE, updated_at = now()
WHERE connection_id = $1 AND is_valid
`, connectionID); err != nil {
		return errors.Wrap(err, "invalidate tokens")
	}
	if _, err := tx.Exec(ctx, `
UPDATE marketplace_connections SET status = $2, access_token = NULL, updated_at = now()
WHERE id = $1
`, connectionID, models.ConnectionStatusExpired); err != nil {
		return errors.Wrap(err, "expire connection")
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}
