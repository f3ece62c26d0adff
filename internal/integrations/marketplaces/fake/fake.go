// Package fake — детерминированный маркетплейс для тестов и локальной
// разработки: заказы генерируются из seed, сеть не нужна.
package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const Channel = "FAKE"

type Adapter struct {
	seed string

	mu       sync.Mutex
	pushed   map[string]int32
	statuses map[string]string
	failSkus map[string]bool
}

func New(creds marketplaces.Credentials) (marketplaces.Adapter, error) {
	seed := creds["seed"]
	if seed == "" {
		seed = "fake"
	}
	a := &Adapter{
		seed:     seed,
		pushed:   make(map[string]int32),
		statuses: make(map[string]string),
		failSkus: make(map[string]bool),
	}
	// sku через запятую, по которым PushInventory вернёт отказ
	for _, sku := range strings.Split(creds["fail_skus"], ",") {
		if sku = strings.TrimSpace(sku); sku != "" {
			a.failSkus[sku] = true
		}
	}
	return a, nil
}

func (a *Adapter) Channel() string { return Channel }

func (a *Adapter) Authenticate(ctx context.Context) (bool, error) { return true, nil }

func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (marketplaces.Token, error) {
	if refreshToken == "expired" {
		return marketplaces.Token{}, errors.New("refresh token revoked")
	}
	exp := time.Now().Add(time.Hour)
	return marketplaces.Token{
		AccessToken:  "fake-access-" + a.seed,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresAt:    &exp,
	}, nil
}

func (a *Adapter) hash(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(a.seed + ":" + s))
	return h.Sum32()
}

func (a *Adapter) makeOrder(n int) marketplaces.Order {
	id := fmt.Sprintf("FAKE-%s-%04d", a.seed, n)
	h := a.hash(id)
	pay := models.PaymentModePrepaid
	if h%3 == 0 {
		pay = models.PaymentModeCOD
	}
	qty := int32(h%3 + 1)
	unit := decimal.NewFromInt(int64(h%900 + 100))
	sub := unit.Mul(decimal.NewFromInt32(qty))
	tax := sub.Mul(decimal.NewFromFloat(0.18)).Round(2)
	return marketplaces.Order{
		ExternalOrderID: id,
		Channel:         Channel,
		OrderDate:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Hour),
		PaymentMode:     pay,
		CustomerName:    fmt.Sprintf("Customer %d", n),
		CustomerPhone:   fmt.Sprintf("98%08d", h%100000000),
		ShippingAddress: fmt.Sprintf("%d MG Road", n),
		ShippingCity:    "Bengaluru",
		ShippingState:   "Karnataka",
		ShippingPincode: "560001",
		Subtotal:        sub,
		TaxTotal:        tax,
		GrandTotal:      sub.Add(tax),
		Lines: []marketplaces.OrderLine{{
			ChannelSku: fmt.Sprintf("SKU-%d", h%5+1),
			Name:       fmt.Sprintf("Item %d", h%5+1),
			Quantity:   qty,
			UnitPrice:  unit,
		}},
	}
}

// Две страницы по 3 заказа, курсор "page2" между ними.
func (a *Adapter) FetchOrders(ctx context.Context, req marketplaces.FetchOrdersRequest) ([]marketplaces.Order, string, error) {
	start, next := 0, "page2"
	if req.Cursor == "page2" {
		start, next = 3, ""
	} else if req.Cursor != "" {
		return nil, "", errors.Errorf("unknown cursor %q", req.Cursor)
	}
	out := make([]marketplaces.Order, 0, 3)
	for i := start; i < start+3; i++ {
		out = append(out, a.makeOrder(i))
	}
	return out, next, nil
}

func (a *Adapter) GetOrder(ctx context.Context, externalOrderID string) (*marketplaces.Order, error) {
	if !strings.HasPrefix(externalOrderID, "FAKE-") {
		return nil, nil
	}
	var n int
	fmt.Sscanf(externalOrderID, "FAKE-"+a.seed+"-%04d", &n)
	o := a.makeOrder(n)
	o.ExternalOrderID = externalOrderID
	return &o, nil
}

func (a *Adapter) UpdateOrderStatus(ctx context.Context, externalOrderID, status string, meta map[string]string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[externalOrderID] = status
	return true, nil
}

// LastStatus — для проверок в тестах.
func (a *Adapter) LastStatus(externalOrderID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statuses[externalOrderID]
}

func (a *Adapter) CancelOrder(ctx context.Context, externalOrderID, reason string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[externalOrderID] = models.OrderStatusCancelled
	return true, nil
}

func (a *Adapter) PushInventory(ctx context.Context, updates []marketplaces.InventoryUpdate) ([]marketplaces.InventoryUpdateResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	results := make([]marketplaces.InventoryUpdateResult, 0, len(updates))
	for _, u := range updates {
		if a.failSkus[u.ChannelSku] {
			results = append(results, marketplaces.InventoryUpdateResult{
				ChannelSku: u.ChannelSku,
				Error:      "listing is locked",
			})
			continue
		}
		a.pushed[u.ChannelSku] = u.Quantity
		results = append(results, marketplaces.InventoryUpdateResult{
			ChannelSku: u.ChannelSku,
			Success:    true,
		})
	}
	return results, nil
}

// Pushed — последнее запушенное значение, для проверок в тестах.
func (a *Adapter) Pushed(sku string) (int32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.pushed[sku]
	return v, ok
}

func (a *Adapter) GetInventory(ctx context.Context, channelSkus []string) (map[string]int32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int32, len(channelSkus))
	for _, sku := range channelSkus {
		out[sku] = a.pushed[sku]
	}
	return out, nil
}

func (a *Adapter) FetchSettlements(ctx context.Context, from, to time.Time) ([]marketplaces.Settlement, error) {
	return []marketplaces.Settlement{{
		SettlementID: "FAKE-SETTLE-1",
		Date:         from,
		Amount:       decimal.NewFromInt(10000),
		Currency:     "INR",
		OrderIDs:     []string{a.makeOrder(0).ExternalOrderID},
	}}, nil
}

func (a *Adapter) FetchReturns(ctx context.Context, from, to time.Time) ([]marketplaces.Return, error) {
	return nil, nil
}

func (a *Adapter) UpdateReturnStatus(ctx context.Context, returnID, status string) (bool, error) {
	return true, nil
}

func (a *Adapter) ShouldThrottle() bool { return false }
