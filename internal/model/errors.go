package model

import "errors"

// Validation errors are surfaced to callers as string reason codes on
// rejection events; the exact strings are part of the external contract and
// must not be reworded.
var (
	ErrInvalidFillAmount     = errors.New("invalid fillAmount")
	ErrInvalidOrder          = errors.New("invalid order")
	ErrCancelledOrder        = errors.New("cancelled order")
	ErrFilledOrder           = errors.New("filled order")
	ErrOrderAlreadyExists    = errors.New("order already exists")
	ErrNoTradingAuthority    = errors.New("no trading authority")
	ErrInsufficientMargin    = errors.New("insufficient margin")
	ErrCrossingMarket        = errors.New("crossing market")
	ErrOpenOrders            = errors.New("open orders")
	ErrOpenReduceOnlyOrders  = errors.New("open reduce only orders")
	ErrNotMultiple           = errors.New("not multiple of min size")
	ErrOverFill              = errors.New("overfill")
	ErrNotReducingPosition   = errors.New("not reducing pos")
	ErrBaseQuantityZero      = errors.New("baseAssetQuantity is zero")
	ErrReduceOnlyInvalid     = errors.New("reduce only order must reduce position")
	ErrNetReduceOnlyExceeded = errors.New("net reduce only amount exceeded")
	ErrInvalidMarket         = errors.New("invalid market")

	ErrNotLongOrder      = errors.New("OB_order_not_long")
	ErrNotShortOrder     = errors.New("OB_order_not_short")
	ErrNotSameMarket     = errors.New("OB_orders_for_different_amms")
	ErrNoMatch           = errors.New("OB_orders_do_not_match")
	ErrLongPriceTooLow   = errors.New("OB_long_order_price_too_low")
	ErrShortPriceTooHigh = errors.New("OB_short_order_price_too_high")

	ErrNotIOCOrder         = errors.New("not_ioc_order")
	ErrIOCExpired          = errors.New("ioc expired")
	ErrIOCExpirationTooFar = errors.New("ioc expiration too far")

	ErrNotLowMargin       = errors.New("not low margin")
	ErrLiquidatingTooMuch = errors.New("liquidating too much")
)
