// Package registry собирает фабрику адаптеров перевозчиков со всеми
// поддерживаемыми конструкторами. Вызывается один раз на старте процесса.
package registry

import (
	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/bluedart"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/delhivery"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/dtdc"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/ecomexpress"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/ekart"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/fake"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/shadowfax"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/shiprocket"
	"github.com/BearBump/ShipBridge/internal/integrations/carriers/xpressbees"
	"github.com/BearBump/ShipBridge/internal/models"
)

func DefaultFactory() *carriers.Factory {
	f := carriers.NewFactory()
	f.Register(models.CarrierShiprocket, shiprocket.New)
	f.Register(models.CarrierDelhivery, delhivery.New)
	f.Register(models.CarrierBlueDart, bluedart.New)
	f.Register(models.CarrierDTDC, dtdc.New)
	f.Register(models.CarrierEcomExpress, ecomexpress.New)
	f.Register(models.CarrierXpressbees, xpressbees.New)
	f.Register(models.CarrierShadowfax, shadowfax.New)
	f.Register(models.CarrierEkart, ekart.New)
	f.Register("FAKE", fake.New)
	return f
}
