package statusmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipBridge/internal/models"
)

// Каждое значение из словаря перевозчика должно сводиться к валидному
// внутреннему статусу. Проверяем все таблицы целиком, а не выборочно.
func TestMapStatus_TablesAreTotal(t *testing.T) {
	valid := map[string]bool{
		models.DeliveryStatusPending:        true,
		models.DeliveryStatusManifested:     true,
		models.DeliveryStatusShipped:        true,
		models.DeliveryStatusInTransit:      true,
		models.DeliveryStatusOutForDelivery: true,
		models.DeliveryStatusDelivered:      true,
		models.DeliveryStatusNDR:            true,
		models.DeliveryStatusRTOInitiated:   true,
		models.DeliveryStatusRTOInTransit:   true,
		models.DeliveryStatusRTODelivered:   true,
		models.DeliveryStatusCancelled:      true,
	}

	for carrier, table := range carrierTables {
		for raw, want := range table {
			require.Truef(t, valid[want], "%s: %q -> %q не является внутренним статусом", carrier, raw, want)
			assert.Equalf(t, want, MapStatus(carrier, raw), "%s: %q", carrier, raw)
		}
	}
}

func TestMapStatus_CaseAndWhitespace(t *testing.T) {
	cases := []struct {
		carrier string
		raw     string
		want    string
	}{
		{models.CarrierShiprocket, "  delivered ", models.DeliveryStatusDelivered},
		{models.CarrierShiprocket, "Out For Delivery", models.DeliveryStatusOutForDelivery},
		{models.CarrierDelhivery, "undelivered", models.DeliveryStatusNDR},
		{models.CarrierBlueDart, "dl", models.DeliveryStatusDelivered},
		{models.CarrierXpressbees, "OFD", models.DeliveryStatusOutForDelivery},
		{models.CarrierShadowfax, "DELIVERY_FAILED", models.DeliveryStatusNDR},
		{models.CarrierEkart, "Pickup_Complete", models.DeliveryStatusShipped},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.want, MapStatus(tc.carrier, tc.raw), "%s: %q", tc.carrier, tc.raw)
	}
}

// Неизвестный сырой статус и неизвестный перевозчик не роняют пайплайн,
// а трактуются как «в пути».
func TestMapStatus_UnknownFallsBackToInTransit(t *testing.T) {
	assert.Equal(t, models.DeliveryStatusInTransit, MapStatus(models.CarrierShiprocket, "SOMETHING NEW"))
	assert.Equal(t, models.DeliveryStatusInTransit, MapStatus(models.CarrierBlueDart, "ZZ"))
	assert.Equal(t, models.DeliveryStatusInTransit, MapStatus("no_such_carrier", "DELIVERED"))
	assert.Equal(t, models.DeliveryStatusInTransit, MapStatus(models.CarrierDelhivery, ""))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(models.DeliveryStatusDelivered))
	assert.True(t, IsTerminal(models.DeliveryStatusRTODelivered))
	assert.True(t, IsTerminal(models.DeliveryStatusCancelled))

	assert.False(t, IsTerminal(models.DeliveryStatusPending))
	assert.False(t, IsTerminal(models.DeliveryStatusNDR))
	assert.False(t, IsTerminal(models.DeliveryStatusRTOInitiated))
	assert.False(t, IsTerminal(models.DeliveryStatusRTOInTransit))
	assert.False(t, IsTerminal(""))
}

func TestIsNDR(t *testing.T) {
	assert.True(t, IsNDR(models.DeliveryStatusNDR))
	assert.False(t, IsNDR(models.DeliveryStatusInTransit))
	assert.False(t, IsNDR(models.DeliveryStatusRTOInitiated))
}

func TestMapNDRReason_CarrierCodesWinOverSubstrings(t *testing.T) {
	// Точный код перевозчика срабатывает раньше общих подстрочных правил.
	assert.Equal(t, models.NDRReasonCustomerNotAvailable, MapNDRReason(models.CarrierBlueDart, "CNA"))
	assert.Equal(t, models.NDRReasonCODNotReady, MapNDRReason(models.CarrierBlueDart, "cod"))
	assert.Equal(t, models.NDRReasonAddressIssue, MapNDRReason(models.CarrierEcomExpress, "R-002"))
	assert.Equal(t, models.NDRReasonPhoneUnreachable, MapNDRReason(models.CarrierEcomExpress, "r-005"))
}

func TestMapNDRReason_Substrings(t *testing.T) {
	assert.Equal(t, models.NDRReasonCustomerRefused, MapNDRReason(models.CarrierShiprocket, "Consignee refused to accept"))
	assert.Equal(t, models.NDRReasonCODNotReady, MapNDRReason(models.CarrierShiprocket, "COD not ready with customer"))
	assert.Equal(t, models.NDRReasonAddressIssue, MapNDRReason(models.CarrierDelhivery, "Incomplete address"))
	assert.Equal(t, models.NDRReasonPhoneUnreachable, MapNDRReason(models.CarrierDelhivery, "Customer phone switched off"))
	assert.Equal(t, models.NDRReasonCustomerNotAvailable, MapNDRReason(models.CarrierDTDC, "Consignee absent at location"))
	assert.Equal(t, models.NDRReasonOutOfDeliveryArea, MapNDRReason(models.CarrierDTDC, "Pincode not serviceable"))
	assert.Equal(t, models.NDRReasonFutureDelivery, MapNDRReason(models.CarrierEkart, "Delivery rescheduled by customer"))
}

// Регистр ремарки не влияет: подстрочные правила сравниваются в нижнем
// регистре для всех перевозчиков.
func TestMapNDRReason_CaseInsensitive(t *testing.T) {
	assert.Equal(t, models.NDRReasonCustomerRefused, MapNDRReason(models.CarrierShiprocket, "CONSIGNEE REFUSED TO ACCEPT"))
	assert.Equal(t, models.NDRReasonCustomerRefused, MapNDRReason(models.CarrierShiprocket, "consignee Refused to accept"))
	assert.Equal(t, models.NDRReasonAddressIssue, MapNDRReason(models.CarrierDelhivery, "INCOMPLETE ADDRESS"))
}

// Порядок правил: запрос «refused, asked to reschedule» относится к отказу,
// потому что правило отказа стоит раньше правила переноса.
func TestMapNDRReason_FirstRuleWins(t *testing.T) {
	assert.Equal(t, models.NDRReasonCustomerRefused, MapNDRReason(models.CarrierShiprocket, "Refused, asked to reschedule"))
	assert.Equal(t, models.NDRReasonCODNotReady, MapNDRReason(models.CarrierShiprocket, "COD amount not available"))
}

func TestMapNDRReason_UnknownIsOther(t *testing.T) {
	assert.Equal(t, models.NDRReasonOther, MapNDRReason(models.CarrierShiprocket, "misc operational issue"))
	assert.Equal(t, models.NDRReasonOther, MapNDRReason(models.CarrierShiprocket, ""))
	assert.Equal(t, models.NDRReasonOther, MapNDRReason("no_such_carrier", "weird"))
}
