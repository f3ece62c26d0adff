package statusmap

import (
	"strings"

	"github.com/BearBump/ShipBridge/internal/models"
)

type reasonRule struct {
	substrings []string
	reason     string
}

// Порядок правил важен: первое совпадение выигрывает.
// Подстроки сравниваются по нижнему регистру сырого текста.
var ndrReasonRules = []reasonRule{
	{[]string{"refus", "reject", "denied acceptance"}, models.NDRReasonCustomerRefused},
	{[]string{"cod not ready", "cash not ready", "cod amount"}, models.NDRReasonCODNotReady},
	{[]string{"address", "premises closed", "door lock", "incomplete add"}, models.NDRReasonAddressIssue},
	{[]string{"not reachable", "unreachable", "phone switched off", "no response", "not responding"}, models.NDRReasonPhoneUnreachable},
	{[]string{"not available", "unavailable", "consignee absent", "customer absent"}, models.NDRReasonCustomerNotAvailable},
	{[]string{"out of delivery area", "oda", "non service", "not serviceable"}, models.NDRReasonOutOfDeliveryArea},
	{[]string{"future", "reschedul", "requested later", "next day"}, models.NDRReasonFutureDelivery},
}

// MapNDRReason выводит причину недоставки из сырого текста/кода перевозчика.
// Неизвестный текст -> OTHER.
func MapNDRReason(carrierCode, raw string) string {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return models.NDRReasonOther
	}

	if r, ok := carrierNDRCodes[carrierCode][strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return r
	}

	for _, rule := range ndrReasonRules {
		for _, sub := range rule.substrings {
			if strings.Contains(text, sub) {
				return rule.reason
			}
		}
	}
	return models.NDRReasonOther
}

// Точные коды причин, которые отдают некоторые перевозчики вместо текста.
var carrierNDRCodes = map[string]map[string]string{
	models.CarrierBlueDart: {
		"CNA": models.NDRReasonCustomerNotAvailable,
		"ADD": models.NDRReasonAddressIssue,
		"REF": models.NDRReasonCustomerRefused,
		"COD": models.NDRReasonCODNotReady,
		"ODA": models.NDRReasonOutOfDeliveryArea,
	},
	models.CarrierEcomExpress: {
		"R-001": models.NDRReasonCustomerNotAvailable,
		"R-002": models.NDRReasonAddressIssue,
		"R-003": models.NDRReasonCustomerRefused,
		"R-004": models.NDRReasonCODNotReady,
		"R-005": models.NDRReasonPhoneUnreachable,
	},
}
