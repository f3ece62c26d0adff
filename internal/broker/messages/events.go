// Package messages — контракты сообщений между воркером, пайплайном
// статусов и внешними потребителями.
package messages

import "time"

const (
	// Сырые результаты опроса перевозчиков: воркер -> пайплайн статусов.
	TopicTrackingChecked = "shipbridge.tracking.checked"
	// Доменные события по отправлениям для внешних потребителей.
	TopicDeliveryEvents = "shipbridge.delivery.events"
	// События жизненного цикла NDR.
	TopicNDREvents = "shipbridge.ndr.events"
)

// Типы доменных событий. Имя события фиксирует сам факт, контекст — в теле.
const (
	EventDeliveryShipped      = "delivery.shipped"
	EventDeliveryDelivered    = "delivery.delivered"
	EventDeliveryRTODelivered = "delivery.rto_delivered"
	EventDeliveryCancelled    = "delivery.cancelled"

	EventNDRCreated    = "ndr.created"
	EventNDREscalated  = "ndr.escalated"
	EventNDRResolved   = "ndr.resolved"
	EventNDRRTODecided = "ndr.rto_decided"
)

// TrackingChecked — итог одного опроса перевозчика по одному AWB.
type TrackingChecked struct {
	DeliveryID  uint64    `json:"delivery_id"`
	CarrierCode string    `json:"carrier_code"`
	AWB         string    `json:"awb"`
	CheckedAt   time.Time `json:"checked_at"`

	Status    string     `json:"status,omitempty"`
	StatusRaw string     `json:"status_raw,omitempty"`
	EDD       *time.Time `json:"edd,omitempty"`

	// Когда отправление стоит проверить снова; решает воркер.
	NextCheckAt time.Time `json:"next_check_at"`

	Events []TrackingCheckedEvent `json:"events,omitempty"`

	Error *string `json:"error,omitempty"`
}

type TrackingCheckedEvent struct {
	Status    string    `json:"status"`
	StatusRaw string    `json:"status_raw"`
	EventTime time.Time `json:"event_time"`
	Location  *string   `json:"location,omitempty"`
	Remark    *string   `json:"remark,omitempty"`
	IsNDR     bool      `json:"is_ndr,omitempty"`
	NDRReason string    `json:"ndr_reason,omitempty"`
}

// DeliveryEvent — переход отправления, прошедший через state machine.
type DeliveryEvent struct {
	Type string `json:"type"`

	CompanyID  uint64  `json:"company_id"`
	DeliveryID uint64  `json:"delivery_id"`
	OrderID    *uint64 `json:"order_id,omitempty"`

	AWB         string `json:"awb"`
	CarrierCode string `json:"carrier_code"`

	Status     string `json:"status"`
	PrevStatus string `json:"prev_status"`

	OccurredAt time.Time `json:"occurred_at"`
}

type NDREvent struct {
	Type string `json:"type"`

	CompanyID  uint64  `json:"company_id"`
	NDRID      uint64  `json:"ndr_id"`
	DeliveryID uint64  `json:"delivery_id"`
	OrderID    *uint64 `json:"order_id,omitempty"`

	AttemptNumber int32  `json:"attempt_number"`
	Reason        string `json:"reason"`
	Priority      string `json:"priority"`
	RiskScore     int32  `json:"risk_score"`

	OccurredAt time.Time `json:"occurred_at"`
}
