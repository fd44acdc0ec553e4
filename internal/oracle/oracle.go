// Package oracle provides the read-only per-market parameter surface the
// matching core validates against: reference price, spread limits and order
// size granularity.
package oracle

import (
	"math/big"
	"sync"

	"go.uber.org/zap"

	"github.com/openclob/perpcore/internal/model"
	"github.com/openclob/perpcore/pkg/fixedpoint"
)

// MarketParams are the risk parameters of a single perpetual market. Prices
// and ratios are 1e6 fixed point, sizes 1e18.
type MarketParams struct {
	Symbol                    string
	UnderlyingPrice           *big.Int
	MaxOracleSpreadRatio      *big.Int
	MaxLiquidationPriceSpread *big.Int
	MinSizeRequirement        *big.Int
	MaxLiquidationRatio       *big.Int
}

// Adapter answers parameter queries per market index. The reference price is
// the only mutable field; everything else is fixed at registration.
type Adapter struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	markets map[int64]*MarketParams
}

func NewAdapter(logger *zap.Logger) *Adapter {
	return &Adapter{
		logger:  logger.Named("oracle"),
		markets: make(map[int64]*MarketParams),
	}
}

// RegisterMarket adds a market. Registering an existing index replaces its
// parameters; the caller is trusted to do this only during setup.
func (a *Adapter) RegisterMarket(market int64, params *MarketParams) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markets[market] = params
	a.logger.Info("market registered",
		zap.Int64("market", market),
		zap.String("symbol", params.Symbol),
		zap.String("underlying_price", fixedpoint.Format6(params.UnderlyingPrice)),
	)
}

// SetUnderlyingPrice updates the reference price for a market, e.g. from a
// price feed tick.
func (a *Adapter) SetUnderlyingPrice(market int64, price *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	params, ok := a.markets[market]
	if !ok {
		return model.ErrInvalidMarket
	}
	params.UnderlyingPrice = new(big.Int).Set(price)
	return nil
}

func (a *Adapter) GetUnderlyingPrice(market int64) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	params, ok := a.markets[market]
	if !ok {
		return nil, model.ErrInvalidMarket
	}
	return new(big.Int).Set(params.UnderlyingPrice), nil
}

func (a *Adapter) GetMinSizeRequirement(market int64) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	params, ok := a.markets[market]
	if !ok {
		return nil, model.ErrInvalidMarket
	}
	return new(big.Int).Set(params.MinSizeRequirement), nil
}

func (a *Adapter) GetMaxLiquidationRatio(market int64) (*big.Int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	params, ok := a.markets[market]
	if !ok {
		return nil, model.ErrInvalidMarket
	}
	return new(big.Int).Set(params.MaxLiquidationRatio), nil
}

// Bounds returns the acceptable [lower, upper] trade price band around the
// oracle price: oracle*(1e6±spread)/1e6 with truncating division. The lower
// bound clamps to zero when the spread is 100% or more.
func (a *Adapter) Bounds(market int64) (upper, lower *big.Int, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	params, ok := a.markets[market]
	if !ok {
		return nil, nil, model.ErrInvalidMarket
	}
	upper, lower = spreadBounds(params.UnderlyingPrice, params.MaxOracleSpreadRatio)
	return upper, lower, nil
}

// LiquidationBounds is Bounds with the wider liquidation spread.
func (a *Adapter) LiquidationBounds(market int64) (upper, lower *big.Int, err error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	params, ok := a.markets[market]
	if !ok {
		return nil, nil, model.ErrInvalidMarket
	}
	upper, lower = spreadBounds(params.UnderlyingPrice, params.MaxLiquidationPriceSpread)
	return upper, lower, nil
}

func spreadBounds(oraclePrice, spreadLimit *big.Int) (upper, lower *big.Int) {
	upper = fixedpoint.Div1e6(new(big.Int).Mul(oraclePrice, new(big.Int).Add(fixedpoint.One6, spreadLimit)))
	lower = big.NewInt(0)
	if spreadLimit.Cmp(fixedpoint.One6) < 0 {
		lower = fixedpoint.Div1e6(new(big.Int).Mul(oraclePrice, new(big.Int).Sub(fixedpoint.One6, spreadLimit)))
	}
	return upper, lower
}
