// Package tokens — жизненный цикл OAuth-токенов подключений: выдача
// действующего токена с прозрачным обновлением до истечения срока.
package tokens

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	GetValidToken(ctx context.Context, connectionID uint64) (*models.MarketplaceOAuthToken, error)
	StoreToken(ctx context.Context, connectionID uint64, accessToken string, refreshToken *string, tokenType string, expiresAt *time.Time) (*models.MarketplaceOAuthToken, error)
	InvalidateTokens(ctx context.Context, connectionID uint64) error
	MarkConnectionError(ctx context.Context, id uint64, reason string) error
}

// Refresher — минимальный срез адаптера, который нужен менеджеру.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (marketplaces.Token, error)
}

// Manager — единственный владелец ответа на вопрос "какой токен сейчас
// действует у подключения X". Обновление сериализовано per-connection,
// чтобы параллельные вызовы не обесценивали токены друг друга у вендора.
type Manager struct {
	repo Repository

	// Буфер до истечения, внутри которого токен считается "почти
	// просроченным" и обновляется заранее.
	refreshBuffer time.Duration

	mu    sync.Mutex
	locks map[uint64]*sync.Mutex

	now func() time.Time
}

func NewManager(repo Repository) *Manager {
	return &Manager{
		repo:          repo,
		refreshBuffer: 10 * time.Minute,
		locks:         map[uint64]*sync.Mutex{},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) WithRefreshBuffer(d time.Duration) *Manager {
	if d > 0 {
		m.refreshBuffer = d
	}
	return m
}

// connLock — ленивый лок на подключение. Локи не собираются обратно:
// их столько же, сколько подключений, цена приемлемая.
func (m *Manager) connLock(connectionID uint64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[connectionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[connectionID] = l
	}
	return l
}

// GetValidToken отдаёт действующий токен подключения, обновив его через
// адаптер, если до истечения осталось меньше буфера. nil без ошибки
// значит "валидного токена нет, подключение надо авторизовать заново".
func (m *Manager) GetValidToken(ctx context.Context, connectionID uint64, adapter Refresher) (*models.MarketplaceOAuthToken, error) {
	t, err := m.repo.GetValidToken(ctx, connectionID)
	if err != nil {
		return nil, errors.Wrap(err, "load token")
	}
	if t == nil {
		return nil, nil
	}
	if !m.nearExpiry(t) {
		return t, nil
	}

	lock := m.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	// Пока ждали лок, сосед мог уже обновить.
	t, err = m.repo.GetValidToken(ctx, connectionID)
	if err != nil {
		return nil, errors.Wrap(err, "reload token")
	}
	if t == nil {
		return nil, nil
	}
	if !m.nearExpiry(t) {
		return t, nil
	}

	return m.refresh(ctx, connectionID, adapter, t)
}

func (m *Manager) nearExpiry(t *models.MarketplaceOAuthToken) bool {
	if t.ExpiresAt == nil {
		// Бессрочный токен (Shopify и статические ключи).
		return false
	}
	return m.now().Add(m.refreshBuffer).After(*t.ExpiresAt)
}

// refresh вызывается под локом подключения.
func (m *Manager) refresh(ctx context.Context, connectionID uint64, adapter Refresher, cur *models.MarketplaceOAuthToken) (*models.MarketplaceOAuthToken, error) {
	if cur.RefreshToken == nil || *cur.RefreshToken == "" {
		return nil, m.expire(ctx, connectionID, errors.New("token expired and no refresh token stored"))
	}

	fresh, err := adapter.RefreshToken(ctx, *cur.RefreshToken)
	if err != nil {
		return nil, m.expire(ctx, connectionID, errors.Wrap(err, "vendor refresh"))
	}

	var refreshToken *string
	if fresh.RefreshToken != "" {
		refreshToken = &fresh.RefreshToken
	}
	stored, err := m.repo.StoreToken(ctx, connectionID, fresh.AccessToken, refreshToken, fresh.TokenType, fresh.ExpiresAt)
	if err != nil {
		return nil, errors.Wrap(err, "store refreshed token")
	}
	slog.Info("oauth token refreshed", "connectionId", connectionID, "refreshCount", stored.RefreshCount)
	return stored, nil
}

// expire гасит подключение после неудачного обновления: токены
// инвалидированы, статус EXPIRED, причина записана. Без тихих ретраев —
// подключение инертно до повторной авторизации.
func (m *Manager) expire(ctx context.Context, connectionID uint64, cause error) error {
	slog.Error("oauth refresh failed, connection expired", "connectionId", connectionID, "error", cause)
	if err := m.repo.InvalidateTokens(ctx, connectionID); err != nil {
		return errors.Wrap(err, "invalidate tokens after failed refresh")
	}
	if err := m.repo.MarkConnectionError(ctx, connectionID, cause.Error()); err != nil {
		return errors.Wrap(err, "record refresh error")
	}
	return cause
}

// StoreInitial сохраняет токен, полученный при первичной авторизации
// (обмен OAuth-кода либо ручной ввод ключей).
func (m *Manager) StoreInitial(ctx context.Context, connectionID uint64, t marketplaces.Token) (*models.MarketplaceOAuthToken, error) {
	lock := m.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	var refreshToken *string
	if t.RefreshToken != "" {
		refreshToken = &t.RefreshToken
	}
	stored, err := m.repo.StoreToken(ctx, connectionID, t.AccessToken, refreshToken, t.TokenType, t.ExpiresAt)
	return stored, errors.Wrap(err, "store token")
}
