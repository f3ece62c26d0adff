package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/BearBump/ShipBridge/internal/models"
)

func startTestStorage(t *testing.T, ctx context.Context) *Storage {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "shipbridge_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/shipbridge_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGStore_OrderDeliveryFlow(t *testing.T) {
	ctx := context.Background()
	st := startTestStorage(t, ctx)

	const companyID = 1
	const connectionID = 7
	const skuID = 101

	// Два прихода по одному SKU: 3 штуки, потом 5. Резерв должен идти
	// в порядке поступления.
	firstLot, err := st.UpsertInventory(ctx, models.Inventory{CompanyID: companyID, SkuID: skuID, LocationID: 1, Quantity: 3})
	require.NoError(t, err)
	_, err = st.UpsertInventory(ctx, models.Inventory{CompanyID: companyID, SkuID: skuID, LocationID: 1, Quantity: 5})
	require.NoError(t, err)

	avail, err := st.GetAvailable(ctx, companyID, []uint64{skuID})
	require.NoError(t, err)
	require.Equal(t, int32(8), avail[skuID])

	ext1 := "AMZ-1"
	in := OrderIngestInput{
		CompanyID:       companyID,
		ConnectionID:    connectionID,
		ExternalOrderID: ext1,
		Order: models.Order{
			CompanyID:       companyID,
			ExternalOrderID: &ext1,
			OrderNo:         "ORD-1001",
			Channel:         models.ChannelAmazon,
			PaymentMode:     "PREPAID",
			Status:          "NEW",
			GrandTotal:      decimal.NewFromInt(1499),
			OrderDate:       time.Now().UTC(),
		},
		Items: []models.OrderItem{
			{SkuID: skuID, SkuCode: "TSHIRT-M", ChannelSku: "amz-tshirt-m", Quantity: 5, UnitPrice: decimal.NewFromInt(299)},
			// Несопоставленная строка: принимается без резерва.
			{SkuID: 0, SkuCode: "", ChannelSku: "amz-mystery", Quantity: 1},
		},
		Reserve: true,
	}
	res, err := st.IngestOrder(ctx, in)
	require.NoError(t, err)
	require.False(t, res.AlreadySynced)
	require.NotNil(t, res.Order)
	require.NotZero(t, res.Order.ID)
	require.NotZero(t, res.DeliveryID)
	require.Empty(t, res.ReservationWarnings)

	avail, err = st.GetAvailable(ctx, companyID, []uint64{skuID})
	require.NoError(t, err)
	require.Equal(t, int32(3), avail[skuID])

	// FIFO: первый приход выбран целиком, остаток резерва во втором.
	var firstReserved int32
	require.NoError(t, st.db.QueryRow(ctx, `SELECT reserved_qty FROM inventory WHERE id = $1`, firstLot).Scan(&firstReserved))
	require.Equal(t, int32(3), firstReserved)

	items, err := st.GetOrderItems(ctx, res.Order.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, int32(5), items[0].AllocedQty)
	require.Equal(t, int32(0), items[1].AllocedQty)

	// Повторный пул того же внешнего заказа — no-op.
	dup, err := st.IngestOrder(ctx, in)
	require.NoError(t, err)
	require.True(t, dup.AlreadySynced)
	require.NotNil(t, dup.ExistingOrderNo)
	require.Equal(t, "ORD-1001", *dup.ExistingOrderNo)

	sync, err := st.GetOrderSync(ctx, companyID, connectionID, ext1)
	require.NoError(t, err)
	require.NotNil(t, sync)
	require.Equal(t, models.SyncStatusCompleted, sync.Status)

	// Второй заказ просит больше, чем осталось: принимается с предупреждением.
	ext2 := "AMZ-2"
	res2, err := st.IngestOrder(ctx, OrderIngestInput{
		CompanyID:       companyID,
		ConnectionID:    connectionID,
		ExternalOrderID: ext2,
		Order: models.Order{
			CompanyID:       companyID,
			ExternalOrderID: &ext2,
			OrderNo:         "ORD-1002",
			Channel:         models.ChannelAmazon,
			PaymentMode:     "COD",
			Status:          "NEW",
			CODAmount:       decimal.NewFromInt(999),
			OrderDate:       time.Now().UTC(),
		},
		Items:   []models.OrderItem{{SkuID: skuID, SkuCode: "TSHIRT-M", ChannelSku: "amz-tshirt-m", Quantity: 5}},
		Reserve: true,
	})
	require.NoError(t, err)
	require.Len(t, res2.ReservationWarnings, 1)
	require.Contains(t, res2.ReservationWarnings[0], "short by 2 of 5")

	avail, err = st.GetAvailable(ctx, companyID, []uint64{skuID})
	require.NoError(t, err)
	require.Equal(t, int32(0), avail[skuID])

	// Заготовка отправления без AWB в опрос не попадает, даже если due.
	stub, err := st.GetDeliveryByOrderID(ctx, res.Order.ID)
	require.NoError(t, err)
	require.NotNil(t, stub)
	require.Equal(t, "", stub.AWB)

	due, err := st.ClaimDueDeliveries(ctx, time.Now().UTC().Add(time.Hour), 10, 10*time.Second)
	require.NoError(t, err)
	require.Empty(t, due)

	ok, err := st.AssignAWB(ctx, res.DeliveryID, models.CarrierShiprocket, "SR100", nil)
	require.NoError(t, err)
	require.True(t, ok)

	// AWB уже привязан, повторная бронь не проходит.
	ok, err = st.AssignAWB(ctx, res.DeliveryID, models.CarrierDelhivery, "DL200", nil)
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Now().UTC()
	lease := 10 * time.Second
	due, err = st.ClaimDueDeliveries(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, res.DeliveryID, due[0].ID)
	require.Equal(t, models.DeliveryStatusManifested, due[0].Status)
	require.WithinDuration(t, now.Add(lease), due[0].NextCheckAt, 2*time.Second)

	// Пока лиз не истёк, второй воркер ту же строку не получит.
	again, err := st.ClaimDueDeliveries(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Empty(t, again)

	applied, err := st.ApplyDeliveryStatus(ctx, res.DeliveryID, models.DeliveryStatusManifested, DeliveryStatusPatch{
		Status:    models.DeliveryStatusInTransit,
		StatusRaw: "In Transit",
	})
	require.NoError(t, err)
	require.True(t, applied)

	// Проигранная гонка: строка уже не в прежнем статусе.
	applied, err = st.ApplyDeliveryStatus(ctx, res.DeliveryID, models.DeliveryStatusManifested, DeliveryStatusPatch{
		Status:    models.DeliveryStatusOutForDelivery,
		StatusRaw: "OFD",
	})
	require.NoError(t, err)
	require.False(t, applied)

	evTime := time.Now().UTC().Truncate(time.Second)
	loc := "Mumbai Hub"
	inserted, err := st.AddDeliveryEvents(ctx, res.DeliveryID, []models.DeliveryEvent{
		{Status: models.DeliveryStatusInTransit, StatusRaw: "In Transit", EventTime: evTime, Location: &loc},
		{Status: models.DeliveryStatusInTransit, StatusRaw: "In Transit", EventTime: evTime, Location: &loc},
	})
	require.NoError(t, err)
	require.Equal(t, 1, inserted)

	events, err := st.GetDeliveryEvents(ctx, res.DeliveryID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "In Transit", events[0].StatusRaw)

	errText := "carrier timeout"
	require.NoError(t, st.MarkCheckResult(ctx, res.DeliveryID, &errText, now.Add(5*time.Minute)))
	ds, err := st.GetDeliveriesByIDs(ctx, []uint64{res.DeliveryID})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, int32(1), ds[0].CheckFailCount)

	require.NoError(t, st.MarkCheckResult(ctx, res.DeliveryID, nil, now.Add(30*time.Minute)))
	ds, err = st.GetDeliveriesByIDs(ctx, []uint64{res.DeliveryID})
	require.NoError(t, err)
	require.Equal(t, int32(0), ds[0].CheckFailCount)
	require.Nil(t, ds[0].LastError)

	// Недовоз: первая попытка открывает, вторая эскалирует ту же запись.
	orderID := res.Order.ID
	remark := "customer not available"
	ndr, created, err := st.OpenOrEscalateNDR(ctx, models.NDR{
		CompanyID:     companyID,
		DeliveryID:    res.DeliveryID,
		OrderID:       &orderID,
		Reason:        models.NDRReasonCustomerNotAvailable,
		Priority:      models.NDRPriorityMedium,
		RiskScore:     40,
		CarrierRemark: &remark,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int32(1), ndr.AttemptNumber)
	require.Equal(t, models.NDRStatusOpen, ndr.Status)

	ndr2, created, err := st.OpenOrEscalateNDR(ctx, models.NDR{
		CompanyID:  companyID,
		DeliveryID: res.DeliveryID,
		OrderID:    &orderID,
		Reason:     models.NDRReasonAddressIssue,
		Priority:   models.NDRPriorityHigh,
		RiskScore:  70,
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, ndr.ID, ndr2.ID)
	require.Equal(t, int32(2), ndr2.AttemptNumber)
	require.Equal(t, models.NDRReasonAddressIssue, ndr2.Reason)

	open, err := st.GetOpenNDRByDelivery(ctx, res.DeliveryID)
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, ndr.ID, open.ID)

	ok, err = st.SetNDRStatus(ctx, ndr.ID, models.NDRStatusActionRequested)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.SetNDRStatus(ctx, ndr.ID, models.NDRStatusRTO)
	require.Error(t, err)

	resolved, err := st.ResolveOpenNDR(ctx, res.DeliveryID, models.NDRStatusResolved)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	require.Equal(t, models.NDRStatusResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	resolved, err = st.ResolveOpenNDR(ctx, res.DeliveryID, models.NDRStatusResolved)
	require.NoError(t, err)
	require.Nil(t, resolved)

	a, err := st.NextOrderSeq(ctx)
	require.NoError(t, err)
	b, err := st.NextOrderSeq(ctx)
	require.NoError(t, err)
	require.Greater(t, b, a)
}

func TestPGStore_TokenRotation(t *testing.T) {
	ctx := context.Background()
	st := startTestStorage(t, ctx)

	conn, err := st.CreateConnection(ctx, models.MarketplaceConnection{
		CompanyID:   1,
		Channel:     models.ChannelAmazon,
		Credentials: map[string]string{"client_id": "id", "client_secret": "secret"},
	})
	require.NoError(t, err)

	none, err := st.GetValidToken(ctx, conn.ID)
	require.NoError(t, err)
	require.Nil(t, none)

	refresh := "refresh-1"
	exp := time.Now().UTC().Add(time.Hour)
	t1, err := st.StoreToken(ctx, conn.ID, "access-1", &refresh, "bearer", &exp)
	require.NoError(t, err)
	require.True(t, t1.IsValid)
	require.Equal(t, int32(0), t1.RefreshCount)

	t2, err := st.StoreToken(ctx, conn.ID, "access-2", nil, "", &exp)
	require.NoError(t, err)
	require.Equal(t, int32(1), t2.RefreshCount)
	require.Equal(t, "bearer", t2.TokenType)

	// Валидная строка всегда ровно одна.
	var validCount int
	require.NoError(t, st.db.QueryRow(ctx,
		`SELECT count(*) FROM marketplace_oauth_tokens WHERE connection_id = $1 AND is_valid`, conn.ID).Scan(&validCount))
	require.Equal(t, 1, validCount)

	cur, err := st.GetValidToken(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, cur)
	require.Equal(t, "access-2", cur.AccessToken)

	// Access зеркалируется в подключение; refresh без замены сохраняется.
	got, err := st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AccessToken)
	require.Equal(t, "access-2", *got.AccessToken)
	require.NotNil(t, got.RefreshToken)
	require.Equal(t, "refresh-1", *got.RefreshToken)

	require.NoError(t, st.InvalidateTokens(ctx, conn.ID))
	cur, err = st.GetValidToken(ctx, conn.ID)
	require.NoError(t, err)
	require.Nil(t, cur)

	got, err = st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, models.ConnectionStatusExpired, got.Status)
	require.Nil(t, got.AccessToken)

	// Повторная авторизация после отзыва возвращает подключение в строй:
	// статус CONNECTED, ошибка снята, счётчик обновлений начинается заново.
	require.NoError(t, st.MarkConnectionError(ctx, conn.ID, "refresh failed: invalid_grant"))

	refresh2 := "refresh-2"
	t3, err := st.StoreToken(ctx, conn.ID, "access-3", &refresh2, "bearer", &exp)
	require.NoError(t, err)
	require.Equal(t, int32(0), t3.RefreshCount)

	got, err = st.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.Equal(t, models.ConnectionStatusConnected, got.Status)
	require.Nil(t, got.LastError)
	require.Nil(t, got.LastErrorAt)
	require.NotNil(t, got.AccessToken)
	require.Equal(t, "access-3", *got.AccessToken)

	active, err := st.ListActiveConnections(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, conn.ID, active[0].ID)
}
