package fake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipBridge/internal/integrations/carriers"
)

func TestFakeAdapter_TrackShipment(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)

	res, err := a.TrackShipment(context.Background(), "FAKE00000001")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.CurrentStatus)
	require.Len(t, res.Events, 1)

	// Детерминированность: тот же AWB даёт тот же статус.
	again, err := a.TrackShipment(context.Background(), "FAKE00000001")
	require.NoError(t, err)
	require.Equal(t, res.CurrentStatus, again.CurrentStatus)
}

func TestFakeAdapter_CreateShipment(t *testing.T) {
	a, err := New(nil)
	require.NoError(t, err)

	res, err := a.CreateShipment(context.Background(), carriers.ShipmentRequest{OrderNo: "ORD-1"})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.AWB)

	again, err := a.CreateShipment(context.Background(), carriers.ShipmentRequest{OrderNo: "ORD-1"})
	require.NoError(t, err)
	require.Equal(t, res.AWB, again.AWB)
}
