// Package registry собирает фабрику адаптеров маркетплейсов со всеми
// поддерживаемыми конструкторами.
package registry

import (
	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces"
	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces/amazon"
	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces/fake"
	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces/flipkart"
	"github.com/BearBump/ShipBridge/internal/integrations/marketplaces/shopify"
	"github.com/BearBump/ShipBridge/internal/models"
)

func DefaultFactory() *marketplaces.Factory {
	f := marketplaces.NewFactory()
	f.Register(models.ChannelAmazon, amazon.New)
	f.Register(models.ChannelFlipkart, flipkart.New)
	f.Register(models.ChannelShopify, shopify.New)
	f.Register(fake.Channel, fake.New)
	return f
}
