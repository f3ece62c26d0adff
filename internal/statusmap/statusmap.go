package statusmap

import (
	"strings"

	"github.com/BearBump/ShipBridge/internal/models"
)

// Чистые таблицы соответствия: сырой статус перевозчика -> внутренний статус.
// Никаких побочных эффектов и I/O. Неизвестный статус всегда сводится к
// IN_TRANSIT: частичное покрытие словаря вендора не должно ронять пайплайн.

var shiprocketStatuses = map[string]string{
	"NEW":                        models.DeliveryStatusPending,
	"AWB ASSIGNED":               models.DeliveryStatusManifested,
	"PICKUP SCHEDULED":           models.DeliveryStatusManifested,
	"PICKUP GENERATED":           models.DeliveryStatusManifested,
	"PICKED UP":                  models.DeliveryStatusShipped,
	"SHIPPED":                    models.DeliveryStatusShipped,
	"IN TRANSIT":                 models.DeliveryStatusInTransit,
	"IN TRANSIT-EN-ROUTE":        models.DeliveryStatusInTransit,
	"REACHED AT DESTINATION HUB": models.DeliveryStatusInTransit,
	"OUT FOR DELIVERY":           models.DeliveryStatusOutForDelivery,
	"DELIVERED":                  models.DeliveryStatusDelivered,
	"UNDELIVERED":                models.DeliveryStatusNDR,
	"DELIVERY DELAYED":           models.DeliveryStatusNDR,
	"RTO INITIATED":              models.DeliveryStatusRTOInitiated,
	"RTO IN TRANSIT":             models.DeliveryStatusRTOInTransit,
	"RTO DELIVERED":              models.DeliveryStatusRTODelivered,
	"RTO ACKNOWLEDGED":           models.DeliveryStatusRTODelivered,
	"CANCELED":                   models.DeliveryStatusCancelled,
	"CANCELLED":                  models.DeliveryStatusCancelled,
}

var delhiveryStatuses = map[string]string{
	"MANIFESTED":  models.DeliveryStatusManifested,
	"NOT PICKED":  models.DeliveryStatusPending,
	"PICKED UP":   models.DeliveryStatusShipped,
	"DISPATCHED":  models.DeliveryStatusOutForDelivery,
	"IN TRANSIT":  models.DeliveryStatusInTransit,
	"PENDING":     models.DeliveryStatusInTransit,
	"DELIVERED":   models.DeliveryStatusDelivered,
	"UNDELIVERED": models.DeliveryStatusNDR,
	"DTO":         models.DeliveryStatusRTOInitiated,
	"RTO":         models.DeliveryStatusRTOInTransit,
	"RETURNED":    models.DeliveryStatusRTODelivered,
	"LOST":        models.DeliveryStatusNDR,
	"CANCELLED":   models.DeliveryStatusCancelled,
}

// BlueDart отдаёт короткие коды операций.
var blueDartStatuses = map[string]string{
	"DL":  models.DeliveryStatusDelivered,
	"UD":  models.DeliveryStatusNDR,
	"IT":  models.DeliveryStatusInTransit,
	"OD":  models.DeliveryStatusOutForDelivery,
	"PU":  models.DeliveryStatusShipped,
	"RD":  models.DeliveryStatusRTODelivered,
	"RT":  models.DeliveryStatusRTOInTransit,
	"CAN": models.DeliveryStatusCancelled,
}

var dtdcStatuses = map[string]string{
	"BOOKED":           models.DeliveryStatusManifested,
	"PICKED UP":        models.DeliveryStatusShipped,
	"IN TRANSIT":       models.DeliveryStatusInTransit,
	"REACHED HUB":      models.DeliveryStatusInTransit,
	"OUT FOR DELIVERY": models.DeliveryStatusOutForDelivery,
	"DELIVERED":        models.DeliveryStatusDelivered,
	"NOT DELIVERED":    models.DeliveryStatusNDR,
	"RTO INITIATED":    models.DeliveryStatusRTOInitiated,
	"RTO IN TRANSIT":   models.DeliveryStatusRTOInTransit,
	"RTO DELIVERED":    models.DeliveryStatusRTODelivered,
	"CANCELLED":        models.DeliveryStatusCancelled,
}

var ecomExpressStatuses = map[string]string{
	"SOFT DATA UPLOADED": models.DeliveryStatusManifested,
	"SHIPMENT PICKED UP": models.DeliveryStatusShipped,
	"IN TRANSIT":         models.DeliveryStatusInTransit,
	"BAG ADDED":          models.DeliveryStatusInTransit,
	"OUT FOR DELIVERY":   models.DeliveryStatusOutForDelivery,
	"DELIVERED":          models.DeliveryStatusDelivered,
	"UNDELIVERED":        models.DeliveryStatusNDR,
	"RTO INITIATED":      models.DeliveryStatusRTOInitiated,
	"RTO IN TRANSIT":     models.DeliveryStatusRTOInTransit,
	"RTO DELIVERED":      models.DeliveryStatusRTODelivered,
	"CANCELLED":          models.DeliveryStatusCancelled,
}

// Словари Xpressbees/Shadowfax/Ekart сопоставляются без учёта регистра,
// ключи храним в нижнем регистре.
var xpressbeesStatuses = map[string]string{
	"pending":          models.DeliveryStatusPending,
	"manifested":       models.DeliveryStatusManifested,
	"picked":           models.DeliveryStatusShipped,
	"intransit":        models.DeliveryStatusInTransit,
	"in transit":       models.DeliveryStatusInTransit,
	"out for delivery": models.DeliveryStatusOutForDelivery,
	"ofd":              models.DeliveryStatusOutForDelivery,
	"delivered":        models.DeliveryStatusDelivered,
	"undelivered":      models.DeliveryStatusNDR,
	"rto":              models.DeliveryStatusRTOInitiated,
	"rto-it":           models.DeliveryStatusRTOInTransit,
	"rto delivered":    models.DeliveryStatusRTODelivered,
	"cancelled":        models.DeliveryStatusCancelled,
}

var shadowfaxStatuses = map[string]string{
	"order_placed":     models.DeliveryStatusPending,
	"accepted":         models.DeliveryStatusManifested,
	"picked":           models.DeliveryStatusShipped,
	"in_transit":       models.DeliveryStatusInTransit,
	"out_for_delivery": models.DeliveryStatusOutForDelivery,
	"delivered":        models.DeliveryStatusDelivered,
	"undelivered":      models.DeliveryStatusNDR,
	"delivery_failed":  models.DeliveryStatusNDR,
	"rto_initiated":    models.DeliveryStatusRTOInitiated,
	"rto_in_transit":   models.DeliveryStatusRTOInTransit,
	"rto_delivered":    models.DeliveryStatusRTODelivered,
	"cancelled":        models.DeliveryStatusCancelled,
}

var ekartStatuses = map[string]string{
	"shipment_created":        models.DeliveryStatusManifested,
	"pickup_complete":         models.DeliveryStatusShipped,
	"in_transit":              models.DeliveryStatusInTransit,
	"received_at_dest_hub":    models.DeliveryStatusInTransit,
	"out_for_delivery":        models.DeliveryStatusOutForDelivery,
	"delivered":               models.DeliveryStatusDelivered,
	"undelivered":             models.DeliveryStatusNDR,
	"delivery_attempt_failed": models.DeliveryStatusNDR,
	"rto_initiated":           models.DeliveryStatusRTOInitiated,
	"rto_in_transit":          models.DeliveryStatusRTOInTransit,
	"rto_delivered":           models.DeliveryStatusRTODelivered,
	"cancelled":               models.DeliveryStatusCancelled,
}

var carrierTables = map[string]map[string]string{
	models.CarrierShiprocket:  shiprocketStatuses,
	models.CarrierDelhivery:   delhiveryStatuses,
	models.CarrierBlueDart:    blueDartStatuses,
	models.CarrierDTDC:        dtdcStatuses,
	models.CarrierEcomExpress: ecomExpressStatuses,
	models.CarrierXpressbees:  xpressbeesStatuses,
	models.CarrierShadowfax:   shadowfaxStatuses,
	models.CarrierEkart:       ekartStatuses,
}

// Перевозчики, у которых ключи таблицы в нижнем регистре.
var lowercaseCarriers = map[string]bool{
	models.CarrierXpressbees: true,
	models.CarrierShadowfax:  true,
	models.CarrierEkart:      true,
}

// MapStatus сводит сырой статус перевозчика к внутреннему.
// Неизвестная строка -> IN_TRANSIT ("остаёмся в пути", без регресса).
func MapStatus(carrierCode, raw string) string {
	table, ok := carrierTables[carrierCode]
	if !ok {
		return models.DeliveryStatusInTransit
	}

	key := strings.TrimSpace(raw)
	if lowercaseCarriers[carrierCode] {
		key = strings.ToLower(key)
	} else {
		key = strings.ToUpper(key)
	}

	if st, ok := table[key]; ok {
		return st
	}
	return models.DeliveryStatusInTransit
}

// IsTerminal: только DELIVERED, RTO_DELIVERED и CANCELLED терминальны.
func IsTerminal(status string) bool {
	switch status {
	case models.DeliveryStatusDelivered,
		models.DeliveryStatusRTODelivered,
		models.DeliveryStatusCancelled:
		return true
	}
	return false
}

func IsNDR(status string) bool {
	return status == models.DeliveryStatusNDR
}
