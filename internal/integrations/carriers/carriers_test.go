package carriers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseVendorTime(t *testing.T) {
	ts, ok := ParseVendorTime("X", CommonTimeFormats, "2025-05-09 18:30:00")
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 5, 9, 18, 30, 0, 0, time.UTC), ts)

	ts, ok = ParseVendorTime("X", CommonTimeFormats, " 2025-05-09 ")
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 5, 9, 0, 0, 0, 0, time.UTC), ts)

	ts, ok = ParseVendorTime("X", CommonTimeFormats, "02 Jan, 2025")
	require.True(t, ok)
	require.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), ts)

	// Непарсящийся и пустой таймстемп не роняют обработку.
	ts, ok = ParseVendorTime("X", CommonTimeFormats, "yesterday-ish")
	require.False(t, ok)
	require.WithinDuration(t, time.Now().UTC(), ts, 2*time.Second)

	_, ok = ParseVendorTime("X", CommonTimeFormats, "")
	require.False(t, ok)
}

func TestCredentials_Require(t *testing.T) {
	creds := Credentials{"api_token": "x", "empty": ""}
	require.NoError(t, creds.Require("api_token"))
	require.Error(t, creds.Require("api_token", "empty"))
	require.Error(t, creds.Require("missing"))
}

type nullAdapter struct{ code string }

func (n nullAdapter) Code() string                               { return n.code }
func (n nullAdapter) Authenticate(context.Context) (bool, error) { return true, nil }
func (n nullAdapter) CancelShipment(context.Context, string) (bool, error) {
	return false, nil
}
func (n nullAdapter) CreateShipment(context.Context, ShipmentRequest) (ShipmentResponse, error) {
	return ShipmentResponse{}, nil
}
func (n nullAdapter) TrackShipment(context.Context, string) (TrackingResponse, error) {
	return TrackingResponse{}, nil
}
func (n nullAdapter) GetRates(context.Context, RateRequest) (RateResponse, error) {
	return RateResponse{}, nil
}
func (n nullAdapter) CheckServiceability(context.Context, ServiceabilityRequest) (ServiceabilityResponse, error) {
	return ServiceabilityResponse{}, nil
}
func (n nullAdapter) GetLabel(context.Context, string) (string, error) { return "", nil }
func (n nullAdapter) HandleNDRAction(context.Context, string, NDRActionRequest) (NDRActionResponse, error) {
	return NDRActionResponse{}, nil
}

func TestFactory_New(t *testing.T) {
	f := NewFactory()
	built := 0
	f.Register("NULL", func(creds Credentials) (Adapter, error) {
		built++
		return nullAdapter{code: "NULL"}, nil
	})

	a, err := f.New("NULL", nil)
	require.NoError(t, err)
	require.Equal(t, "NULL", a.Code())
	require.Equal(t, 1, built)

	_, err = f.New("NOPE", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported carrier")
}

func TestSource_CachesAdapters(t *testing.T) {
	f := NewFactory()
	built := 0
	f.Register("NULL", func(creds Credentials) (Adapter, error) {
		built++
		require.Equal(t, "k1", creds["api_token"])
		return nullAdapter{code: "NULL"}, nil
	})

	src := NewSource(f, map[string]Credentials{"NULL": {"api_token": "k1"}})

	a1, err := src.Adapter("NULL")
	require.NoError(t, err)
	a2, err := src.Adapter("NULL")
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	require.Equal(t, 1, built)

	_, err = src.Adapter("UNKNOWN")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no credentials configured")
}
