package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	ShipBridge ShipBridgeConfig `yaml:"shipbridge"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	TrackingCheckedTopicName string `yaml:"tracking_checked_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ShipBridgeConfig struct {
	HTTPAddr            string `yaml:"http_addr"`
	KafkaConsumerGroup  string `yaml:"kafka_consumer_group"`
	SnapshotTTLSeconds  int    `yaml:"snapshot_ttl_seconds"`
	WebhookSharedSecret string `yaml:"webhook_shared_secret"`

	WorkerHTTPAddr            string `yaml:"worker_http_addr"`
	WorkerPollIntervalSeconds int    `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int    `yaml:"worker_batch_size"`
	WorkerConcurrency         int    `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int    `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int    `yaml:"worker_rate_limit_per_minute"`

	// Индивидуальные лимиты опроса по коду перевозчика; остальные ходят
	// под общим worker_rate_limit_per_minute.
	WorkerCarrierRateLimitsPerMinute map[string]int `yaml:"worker_carrier_rate_limits_per_minute"`

	// Расписание повторных проверок (опционально). Нули заменяются
	// прод-умолчаниями планировщика: IN_TRANSIT 30..120 минут,
	// OUT_FOR_DELIVERY 15 минут, NDR 4 часа, бэкофф 5/15/30/60 минут.
	WorkerNextCheckInTransitMinSeconds int `yaml:"worker_next_check_in_transit_min_seconds"`
	WorkerNextCheckInTransitMaxSeconds int `yaml:"worker_next_check_in_transit_max_seconds"`
	WorkerNextCheckOFDSeconds          int `yaml:"worker_next_check_ofd_seconds"`
	WorkerNextCheckNDRSeconds          int `yaml:"worker_next_check_ndr_seconds"`
	WorkerNextCheckPendingSeconds      int `yaml:"worker_next_check_pending_seconds"`
	WorkerBackoff1Seconds              int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds              int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds              int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds              int `yaml:"worker_backoff_4_seconds"`

	SyncIntervalSeconds       int     `yaml:"sync_interval_seconds"`
	SyncOrderLookbackHours    int     `yaml:"sync_order_lookback_hours"`
	SyncRatePerSecond         float64 `yaml:"sync_rate_per_second"`
	SyncRateBurst             int     `yaml:"sync_rate_burst"`
	SyncInventoryBatchSize    int     `yaml:"sync_inventory_batch_size"`
	TokenRefreshBufferSeconds int     `yaml:"token_refresh_buffer_seconds"`

	// Политики выгрузки остатков по каналам; отсутствующий канал
	// выгружается целиком (100% без ограничений).
	InventoryPolicies map[string]InventoryPolicyConfig `yaml:"inventory_policies"`

	// Учётные данные перевозчиков по коду; передаются адаптерам как есть
	// и никогда не логируются.
	CarrierCredentials map[string]map[string]string `yaml:"carrier_credentials"`
}

type InventoryPolicyConfig struct {
	Percent      int32 `yaml:"percent"`
	MaxQuantity  int32 `yaml:"max_quantity"`
	SafetyBuffer int32 `yaml:"safety_buffer"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
