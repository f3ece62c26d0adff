package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID        uint64
	CompanyID uint64

	// Внешний id заказа на маркетплейсе; уникален в рамках подключения.
	ExternalOrderID *string
	OrderNo         string
	Channel         string
	PaymentMode     string
	Status          string

	Subtotal   decimal.Decimal
	TaxTotal   decimal.Decimal
	Discount   decimal.Decimal
	GrandTotal decimal.Decimal
	CODAmount  decimal.Decimal

	CustomerName    string
	CustomerPhone   string
	CustomerEmail   string
	ShippingAddress string
	ShippingCity    string
	ShippingState   string
	ShippingPincode string

	OrderDate time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type OrderItem struct {
	ID      uint64
	OrderID uint64
	SkuID   uint64
	SkuCode string
	// SKU канала, из которого строка была сопоставлена.
	ChannelSku string

	Quantity   int32
	AllocedQty int32
	PickedQty  int32
	PackedQty  int32
	ShippedQty int32

	UnitPrice decimal.Decimal
	Tax       decimal.Decimal
	Discount  decimal.Decimal

	CreatedAt time.Time
}
