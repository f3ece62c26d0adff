package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  tracking_checked_topic_name: "shipbridge.tracking.checked"
redis:
  host: "localhost"
  port: 6379
shipbridge:
  http_addr: ":8080"
  kafka_consumer_group: "ship-api"
  snapshot_ttl_seconds: 1800
  worker_rate_limit_per_minute: 120
  worker_carrier_rate_limits_per_minute:
    bluedart: 30
    delhivery: 60
  sync_rate_per_second: 2.5
  sync_rate_burst: 4
  inventory_policies:
    amazon_in:
      percent: 50
      max_quantity: 40
      safety_buffer: 2
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "shipbridge.tracking.checked", cfg.Kafka.TrackingCheckedTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, ":8080", cfg.ShipBridge.HTTPAddr)
	require.Equal(t, 30, cfg.ShipBridge.WorkerCarrierRateLimitsPerMinute["bluedart"])
	require.Equal(t, 2.5, cfg.ShipBridge.SyncRatePerSecond)

	pol, ok := cfg.ShipBridge.InventoryPolicies["amazon_in"]
	require.True(t, ok)
	require.Equal(t, int32(50), pol.Percent)
	require.Equal(t, int32(40), pol.MaxQuantity)
	require.Equal(t, int32(2), pol.SafetyBuffer)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
