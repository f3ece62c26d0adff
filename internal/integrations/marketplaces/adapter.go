package marketplaces

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Credentials map[string]string

func (c Credentials) Require(keys ...string) error {
	for _, k := range keys {
		if c[k] == "" {
			return errors.Errorf("missing credential key %q", k)
		}
	}
	return nil
}

// Adapter — зеркало carriers.Adapter для исходящего направления: заказы,
// остатки, выплаты и возвраты маркетплейса за одним контрактом.
type Adapter interface {
	Channel() string

	Authenticate(ctx context.Context) (bool, error)
	RefreshToken(ctx context.Context, refreshToken string) (Token, error)

	// FetchOrders возвращает страницу заказов и курсор следующей;
	// пустой курсор означает конец выборки.
	FetchOrders(ctx context.Context, req FetchOrdersRequest) ([]Order, string, error)
	GetOrder(ctx context.Context, externalOrderID string) (*Order, error)
	UpdateOrderStatus(ctx context.Context, externalOrderID, status string, meta map[string]string) (bool, error)
	CancelOrder(ctx context.Context, externalOrderID, reason string) (bool, error)

	// PushInventory обрабатывает батч, который нарезает вызывающий;
	// возвращает результат на каждый запрошенный SKU.
	PushInventory(ctx context.Context, updates []InventoryUpdate) ([]InventoryUpdateResult, error)
	GetInventory(ctx context.Context, channelSkus []string) (map[string]int32, error)

	FetchSettlements(ctx context.Context, from, to time.Time) ([]Settlement, error)
	FetchReturns(ctx context.Context, from, to time.Time) ([]Return, error)
	UpdateReturnStatus(ctx context.Context, returnID, status string) (bool, error)

	// ShouldThrottle — рекомендательный сигнал: лимит вызовов на исходе,
	// вызывающему стоит притормозить. Адаптер сам ничего не блокирует.
	ShouldThrottle() bool
}

// OAuthAdapter — маркетплейсы с полным OAuth-циклом авторизации.
type OAuthAdapter interface {
	Adapter

	GetOAuthAuthorizeURL(state, redirectURI string) string
	ExchangeCodeForToken(ctx context.Context, code, redirectURI string) (Token, error)
}

// RateTracker — учёт остатка вызовов из заголовков вендора.
// Потокобезопасен; нулевое значение пригодно к использованию.
type RateTracker struct {
	mu        sync.Mutex
	remaining int
	resetAt   time.Time
	known     bool
}

func (r *RateTracker) Update(remaining int, resetAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = remaining
	r.resetAt = resetAt
	r.known = true
}

func (r *RateTracker) ShouldThrottle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known {
		return false
	}
	if time.Now().After(r.resetAt) {
		return false
	}
	return r.remaining <= 2
}
