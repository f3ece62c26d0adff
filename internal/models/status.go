package models

// Закрытый набор внутренних статусов доставки.
const (
	DeliveryStatusPending        = "PENDING"
	DeliveryStatusPacked         = "PACKED"
	DeliveryStatusManifested     = "MANIFESTED"
	DeliveryStatusShipped        = "SHIPPED"
	DeliveryStatusInTransit      = "IN_TRANSIT"
	DeliveryStatusOutForDelivery = "OUT_FOR_DELIVERY"
	DeliveryStatusDelivered      = "DELIVERED"
	DeliveryStatusNDR            = "NDR"
	DeliveryStatusRTOInitiated   = "RTO_INITIATED"
	DeliveryStatusRTOInTransit   = "RTO_IN_TRANSIT"
	DeliveryStatusRTODelivered   = "RTO_DELIVERED"
	DeliveryStatusCancelled      = "CANCELLED"
)

// Статусы заказа, в том числе каскадируемые из статусов доставки.
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusPacked    = "PACKED"
	OrderStatusShipped   = "SHIPPED"
	OrderStatusDelivered = "DELIVERED"
	OrderStatusReturned  = "RETURNED"
	OrderStatusCancelled = "CANCELLED"
)

const (
	PaymentModeCOD     = "COD"
	PaymentModePrepaid = "PREPAID"
)

// Терминальные статусы заказа меняются только корректирующими процессами
// (возвраты), не каскадом статусов доставки.
func IsOrderTerminalStatus(status string) bool {
	switch status {
	case OrderStatusDelivered, OrderStatusReturned, OrderStatusCancelled:
		return true
	}
	return false
}

// Коды перевозчиков. Ключи для фабрики адаптеров и таблиц statusmap.
const (
	CarrierShiprocket  = "SHIPROCKET"
	CarrierDelhivery   = "DELHIVERY"
	CarrierBlueDart    = "BLUEDART"
	CarrierDTDC        = "DTDC"
	CarrierEcomExpress = "ECOM_EXPRESS"
	CarrierXpressbees  = "XPRESSBEES"
	CarrierShadowfax   = "SHADOWFAX"
	CarrierEkart       = "EKART"
)

// Каналы продаж (маркетплейсы).
const (
	ChannelAmazon   = "AMAZON"
	ChannelFlipkart = "FLIPKART"
	ChannelShopify  = "SHOPIFY"
	ChannelManual   = "MANUAL"
)

// OrderNumberPrefixes — префиксы нумерации заказов по каналам.
// Неизвестный канал получает префикс ORD.
var OrderNumberPrefixes = map[string]string{
	ChannelAmazon:   "AMZ",
	ChannelFlipkart: "FLP",
	ChannelShopify:  "SHP",
	ChannelManual:   "ORD",
}

func OrderNumberPrefix(channel string) string {
	if p, ok := OrderNumberPrefixes[channel]; ok {
		return p
	}
	return "ORD"
}
