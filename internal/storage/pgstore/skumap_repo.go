package pgstore

import (
	"context"
	"time"

	"github.com/BearBump/ShipBridge/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) UpsertSkuMapping(ctx context.Context, m models.MarketplaceSkuMapping) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
INSERT INTO marketplace_sku_mappings (company_id, channel, channel_sku, sku_id, sku_code, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (company_id, channel, channel_sku)
DO UPDATE SET sku_id = $4, sku_code = $5
`, m.CompanyID, m.Channel, m.ChannelSku, m.SkuID, m.SkuCode, now)
	return errors.Wrap(err, "upsert sku mapping")
}

// MapSkus разрешает набор SKU канала во внутренние; неизвестные ключи в
// результат не попадают, решает по ним вызывающий.
func (s *Storage) MapSkus(ctx context.Context, companyID uint64, channel string, channelSkus []string) (map[string]models.MarketplaceSkuMapping, error) {
	if len(channelSkus) == 0 {
		return map[string]models.MarketplaceSkuMapping{}, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT id, company_id, channel, channel_sku, sku_id, sku_code, created_at
FROM marketplace_sku_mappings
WHERE company_id = $1 AND channel = $2 AND channel_sku = ANY($3)
`, companyID, channel, channelSkus)
	if err != nil {
		return nil, errors.Wrap(err, "select sku mappings")
	}
	defer rows.Close()

	out := make(map[string]models.MarketplaceSkuMapping, len(channelSkus))
	for rows.Next() {
		var m models.MarketplaceSkuMapping
		if err := rows.Scan(&m.ID, &m.CompanyID, &m.Channel, &m.ChannelSku, &m.SkuID, &m.SkuCode, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan sku mapping")
		}
		out[m.ChannelSku] = m
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ListMappedSkus — все маппинги канала, основа для пуша остатков.
func (s *Storage) ListMappedSkus(ctx context.Context, companyID uint64, channel string) ([]*models.MarketplaceSkuMapping, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, company_id, channel, channel_sku, sku_id, sku_code, created_at
FROM marketplace_sku_mappings
WHERE company_id = $1 AND channel = $2
ORDER BY channel_sku
`, companyID, channel)
	if err != nil {
		return nil, errors.Wrap(err, "select channel sku mappings")
	}
	defer rows.Close()

	var out []*models.MarketplaceSkuMapping
	for rows.Next() {
		var m models.MarketplaceSkuMapping
		if err := rows.Scan(&m.ID, &m.CompanyID, &m.Channel, &m.ChannelSku, &m.SkuID, &m.SkuCode, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan sku mapping")
		}
		out = append(out, &m)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
