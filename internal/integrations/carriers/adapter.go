package carriers

import (
	"context"

	"github.com/pkg/errors"
)

// Credentials — непрозрачный набор ключей подключения (api key, логин и т.п.).
// Значения не логируются.
type Credentials map[string]string

func (c Credentials) Require(keys ...string) error {
	for _, k := range keys {
		if c[k] == "" {
			return errors.Errorf("missing credential key %q", k)
		}
	}
	return nil
}

// Adapter — единый контракт поверх несовместимых API перевозчиков.
// Каждый метод объявлен у каждого перевозчика; не поддерживаемая вендором
// операция возвращает структурный отказ (Success=false), а не отсутствует.
//
// Ошибка Go возвращается только для программных сбоев (битые credentials,
// невозможность собрать запрос). Сбои транспорта и бизнес-отказы вендора
// приходят как Success=false + Error.
type Adapter interface {
	Code() string

	// Authenticate проверяет/получает учётные данные.
	// Ожидаемый отказ аутентификации -> (false, nil), с логом.
	Authenticate(ctx context.Context) (bool, error)

	CreateShipment(ctx context.Context, req ShipmentRequest) (ShipmentResponse, error)
	CancelShipment(ctx context.Context, awb string) (bool, error)
	TrackShipment(ctx context.Context, awb string) (TrackingResponse, error)
	GetRates(ctx context.Context, req RateRequest) (RateResponse, error)
	CheckServiceability(ctx context.Context, req ServiceabilityRequest) (ServiceabilityResponse, error)

	// GetLabel возвращает URL этикетки либо пустую строку.
	GetLabel(ctx context.Context, awb string) (string, error)

	HandleNDRAction(ctx context.Context, awb string, req NDRActionRequest) (NDRActionResponse, error)
}
