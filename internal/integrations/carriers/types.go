package carriers

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Address struct {
	Name    string
	Phone   string
	Email   string
	Line1   string
	Line2   string
	City    string
	State   string
	Pincode string
	Country string
}

type ShipmentItem struct {
	SkuCode   string
	Name      string
	Quantity  int32
	UnitPrice decimal.Decimal
}

// ShipmentRequest — нормализованная заявка на отгрузку; адаптер сам
// собирает из неё вендорский payload.
type ShipmentRequest struct {
	OrderNo       string
	PaymentMode   string // COD | PREPAID
	CODAmount     decimal.Decimal
	DeclaredValue decimal.Decimal

	WeightKg decimal.Decimal
	LengthCm int32
	WidthCm  int32
	HeightCm int32

	Pickup Address
	Drop   Address

	Items []ShipmentItem
}

// ShipmentResponse — единая форма ответа на создание отгрузки.
// Ожидаемый отказ вендора (неserviceable pincode и т.п.) — это
// Success=false + Error, не ошибка Go.
type ShipmentResponse struct {
	Success        bool
	AWB            string
	CarrierOrderID string
	TrackingURL    string
	LabelURL       string
	Error          string
	Raw            json.RawMessage
}

type TrackingEvent struct {
	Timestamp   time.Time
	StatusRaw   string
	Description string
	Location    string
	Remark      string

	// Внутренний статус, уже сведённый через statusmap.
	Status    string
	IsNDR     bool
	NDRReason string
}

type TrackingResponse struct {
	Success          bool
	AWB              string
	CurrentStatus    string
	CurrentStatusRaw string
	EDD              *time.Time
	Events           []TrackingEvent
	Error            string
}

type RateRequest struct {
	PickupPincode string
	DropPincode   string
	WeightKg      decimal.Decimal
	PaymentMode   string
	CODAmount     decimal.Decimal
}

type RateOption struct {
	CourierName   string
	CourierID     string
	Total         decimal.Decimal
	CODCharge     decimal.Decimal
	EstimatedDays int32
}

type RateResponse struct {
	Success bool
	Rates   []RateOption
	Error   string
}

type ServiceabilityRequest struct {
	PickupPincode string
	DropPincode   string
	PaymentMode   string
}

type ServiceabilityResponse struct {
	Success      bool
	Serviceable  bool
	CODAvailable bool
	Error        string
}

const (
	NDRActionReattempt     = "REATTEMPT"
	NDRActionRTO           = "RTO"
	NDRActionUpdateAddress = "UPDATE_ADDRESS"
	NDRActionUpdatePhone   = "UPDATE_PHONE"
)

type NDRActionRequest struct {
	Action        string
	Remark        string
	ScheduledDate *time.Time
	Address       *Address
	Phone         string
}

type NDRActionResponse struct {
	Success bool
	Message string
	Error   string
}
