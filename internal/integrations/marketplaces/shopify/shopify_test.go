package shopify

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/models"
)

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(marketplaces.Credentials{"shop_domain": "mystore.myshopify.com"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "access_token")
}

func TestNormalizeOrder(t *testing.T) {
	var src shopifyOrder
	require.NoError(t, json.Unmarshal([]byte(`{
  "id": 450789469,
  "name": "#1001",
  "created_at": "2025-04-01T10:30:00+05:30",
  "email": "asha@example.in",
  "total_price": "1180.00",
  "subtotal_price": "1000.00",
  "total_tax": "180.00",
  "total_discounts": "0.00",
  "gateway": "Cash on Delivery (COD)",
  "financial_status": "pending",
  "customer": {"first_name": "Asha", "last_name": "Rao"},
  "shipping_address": {
    "address1": "12 MG Road",
    "address2": "Flat 4",
    "city": "Bengaluru",
    "province": "Karnataka",
    "zip": "560001",
    "phone": "9876543210"
  },
  "line_items": [
    {"sku": "TSHIRT-M", "title": "T-Shirt M", "quantity": 2, "price": "500.00"},
    {"sku": "CAP-1", "title": "Cap", "quantity": 0, "price": "0.00"}
  ]
}`), &src))

	o := normalizeOrder(src)
	require.Equal(t, "450789469", o.ExternalOrderID)
	require.Equal(t, models.ChannelShopify, o.Channel)
	require.Equal(t, models.PaymentModeCOD, o.PaymentMode)
	require.Equal(t, "Asha Rao", o.CustomerName)
	// Телефон заказа пустой, берётся из адреса доставки.
	require.Equal(t, "9876543210", o.CustomerPhone)
	require.Equal(t, "12 MG Road, Flat 4", o.ShippingAddress)
	require.Equal(t, "560001", o.ShippingPincode)
	require.True(t, o.GrandTotal.Equal(mustAmount("1180.00")))
	require.True(t, o.TaxTotal.Equal(mustAmount("180.00")))
	require.Equal(t, time.Date(2025, 4, 1, 5, 0, 0, 0, time.UTC), o.OrderDate.UTC())

	require.Len(t, o.Lines, 2)
	require.Equal(t, "TSHIRT-M", o.Lines[0].ChannelSku)
	require.Equal(t, int32(2), o.Lines[0].Quantity)
	// Нулевое количество поднимается до единицы.
	require.Equal(t, int32(1), o.Lines[1].Quantity)
	require.NotEmpty(t, o.Raw)
}

func TestNormalizeOrder_PrepaidDefault(t *testing.T) {
	o := normalizeOrder(shopifyOrder{ID: 1, Gateway: "razorpay", FinancialStatus: "paid"})
	require.Equal(t, models.PaymentModePrepaid, o.PaymentMode)
}

func TestPageCursorFromLinkHeader(t *testing.T) {
	a := &Adapter{}

	a.rememberPageCursor(`<https://mystore.myshopify.com/admin/api/2024-01/orders.json?limit=50&page_info=abcDEF123>; rel="next"`)
	require.Equal(t, "abcDEF123", a.takePageCursor())
	// Курсор одноразовый.
	require.Empty(t, a.takePageCursor())

	a.rememberPageCursor(`<https://mystore.myshopify.com/admin/api/2024-01/orders.json?page_info=prev1>; rel="previous"`)
	require.Empty(t, a.takePageCursor())

	a.rememberPageCursor(`<https://x/orders.json?page_info=p1>; rel="previous", <https://x/orders.json?page_info=n2>; rel="next"`)
	require.Equal(t, "n2", a.takePageCursor())
}

func TestParseAmount(t *testing.T) {
	require.True(t, parseAmount("123.45").Equal(mustAmount("123.45")))
	require.True(t, parseAmount("garbage").IsZero())
	require.True(t, parseAmount("").IsZero())
}

func mustAmount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
