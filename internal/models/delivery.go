package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Delivery struct {
	ID        uint64
	CompanyID uint64
	OrderID   *uint64

	AWB         string
	CarrierCode string

	Status    string
	StatusRaw string

	ShipDate     *time.Time
	DeliveryDate *time.Time
	EDD          *time.Time

	Remarks    *string
	ManifestNo *string

	DeclaredWeight *decimal.Decimal
	ChargedWeight  *decimal.Decimal

	LastCheckedAt  *time.Time
	NextCheckAt    time.Time
	CheckFailCount int32
	LastError      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryCreateInput — минимум для постановки отправления на трекинг.
type DeliveryCreateInput struct {
	CompanyID   uint64
	OrderID     *uint64
	AWB         string
	CarrierCode string
	ManifestNo  *string
}

type DeliveryEvent struct {
	ID         uint64
	DeliveryID uint64
	Status     string
	StatusRaw  string
	EventTime  time.Time
	Location   *string
	Remark     *string
	CreatedAt  time.Time
}
