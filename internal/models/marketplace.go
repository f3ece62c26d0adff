package models

import "time"

const (
	ConnectionStatusPending      = "PENDING"
	ConnectionStatusConnected    = "CONNECTED"
	ConnectionStatusDisconnected = "DISCONNECTED"
	ConnectionStatusError        = "ERROR"
	ConnectionStatusExpired      = "EXPIRED"
)

const (
	SyncStatusPending   = "PENDING"
	SyncStatusCompleted = "COMPLETED"
	SyncStatusFailed    = "FAILED"
	SyncStatusPartial   = "PARTIAL"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusInProgress = "IN_PROGRESS"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusPartial    = "PARTIAL"
)

const (
	JobTypeOrderPull     = "ORDER_PULL"
	JobTypeInventoryPush = "INVENTORY_PUSH"
)

// MarketplaceConnection — авторизованная связка компании с аккаунтом
// маркетплейса или перевозчика. Credentials — непрозрачный набор ключей,
// никогда не попадает в логи.
type MarketplaceConnection struct {
	ID        uint64
	CompanyID uint64
	Channel   string

	Credentials map[string]string

	AccessToken  *string
	RefreshToken *string

	Status     string
	LastSyncAt *time.Time

	LastError   *string
	LastErrorAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarketplaceOAuthToken — материал токена одного подключения.
// Инвариант: на подключение не более одной строки с IsValid=true.
type MarketplaceOAuthToken struct {
	ID           uint64
	ConnectionID uint64

	AccessToken  string
	RefreshToken *string
	TokenType    string
	ExpiresAt    *time.Time

	IsValid      bool
	RefreshCount int32

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarketplaceOrderSync — идемпотентный реестр обработки внешних заказов.
// Единственный источник истины для "этот заказ уже принят".
type MarketplaceOrderSync struct {
	ID           uint64
	CompanyID    uint64
	ConnectionID uint64

	ExternalOrderID string

	Status  string
	OrderID *uint64
	OrderNo *string
	Error   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MarketplaceSkuMapping — (компания, канал, SKU канала) -> внутренний SKU.
type MarketplaceSkuMapping struct {
	ID         uint64
	CompanyID  uint64
	Channel    string
	ChannelSku string
	SkuID      uint64
	SkuCode    string
	CreatedAt  time.Time
}

// MarketplaceSyncJob — одно отслеживаемое выполнение пула заказов или
// пуша остатков.
type MarketplaceSyncJob struct {
	ID           string // uuid
	CompanyID    uint64
	ConnectionID uint64
	JobType      string
	Status       string

	Processed int32
	Succeeded int32
	Failed    int32
	Skipped   int32

	ErrorLog []string

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
