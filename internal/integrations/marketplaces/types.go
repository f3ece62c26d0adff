package marketplaces

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderLine struct {
	ChannelSku string
	Name       string
	Quantity   int32
	UnitPrice  decimal.Decimal
	Tax        decimal.Decimal
	Discount   decimal.Decimal
}

// Order — нормализованный заказ маркетплейса; адаптер сводит к этой форме
// сырой ответ вендора. Дальше заказ обрабатывает OrderPipeline.
type Order struct {
	ExternalOrderID string
	Channel         string
	OrderDate       time.Time
	PaymentMode     string // COD | PREPAID

	CustomerName  string
	CustomerPhone string
	CustomerEmail string

	ShippingAddress string
	ShippingCity    string
	ShippingState   string
	ShippingPincode string

	Subtotal   decimal.Decimal
	TaxTotal   decimal.Decimal
	Discount   decimal.Decimal
	GrandTotal decimal.Decimal

	Lines []OrderLine

	Raw json.RawMessage
}

// FetchOrdersRequest — курсорная пагинация: вызывающий крутит цикл, пока
// nextCursor непустой.
type FetchOrdersRequest struct {
	From   time.Time
	To     time.Time
	Status string
	Cursor string
	Limit  int
}

type InventoryUpdate struct {
	ChannelSku string
	Quantity   int32
}

// InventoryUpdateResult — ровно один результат на каждый запрошенный SKU;
// частичный провал батча атрибутируется по-SKU.
type InventoryUpdateResult struct {
	ChannelSku string
	Success    bool
	Error      string
}

type Settlement struct {
	SettlementID string
	Date         time.Time
	Amount       decimal.Decimal
	Currency     string
	OrderIDs     []string
}

type Return struct {
	ReturnID        string
	ExternalOrderID string
	Reason          string
	Status          string
	RequestedAt     time.Time
}

type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
}
