package models

import "time"

// Статусы NDR. Терминальные: RESOLVED, RTO, CLOSED.
const (
	NDRStatusOpen               = "OPEN"
	NDRStatusActionRequested    = "ACTION_REQUESTED"
	NDRStatusReattemptScheduled = "REATTEMPT_SCHEDULED"
	NDRStatusRTO                = "RTO"
	NDRStatusResolved           = "RESOLVED"
	NDRStatusClosed             = "CLOSED"
)

const (
	NDRPriorityLow      = "LOW"
	NDRPriorityMedium   = "MEDIUM"
	NDRPriorityHigh     = "HIGH"
	NDRPriorityCritical = "CRITICAL"
)

// Закрытый набор причин недоставки, в который сводятся тексты перевозчиков.
const (
	NDRReasonCustomerNotAvailable = "CUSTOMER_NOT_AVAILABLE"
	NDRReasonAddressIssue         = "ADDRESS_ISSUE"
	NDRReasonCustomerRefused      = "CUSTOMER_REFUSED"
	NDRReasonCODNotReady          = "COD_NOT_READY"
	NDRReasonPhoneUnreachable     = "PHONE_UNREACHABLE"
	NDRReasonOutOfDeliveryArea    = "OUT_OF_DELIVERY_AREA"
	NDRReasonFutureDelivery       = "FUTURE_DELIVERY_REQUESTED"
	NDRReasonOther                = "OTHER"
)

func IsNDRTerminalStatus(status string) bool {
	switch status {
	case NDRStatusResolved, NDRStatusRTO, NDRStatusClosed:
		return true
	}
	return false
}

type NDR struct {
	ID         uint64
	CompanyID  uint64
	DeliveryID uint64
	OrderID    *uint64

	AttemptNumber int32
	Reason        string
	Priority      string
	RiskScore     int32

	CarrierRemark *string
	Status        string

	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
