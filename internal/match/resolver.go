// Package match validates a pair of crossing orders (or a liquidation
// against a resting order) and determines the execution price inside the
// oracle-anchored price band, honoring price-time priority.
package match

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/perpcore/internal/margin"
	"github.com/openclob/perpcore/internal/model"
	"github.com/openclob/perpcore/internal/oracle"
	"github.com/openclob/perpcore/internal/orderstore"
	"github.com/openclob/perpcore/pkg/fixedpoint"
)

// Resolver is stateless beyond its collaborators; all order state is read
// from the store and ledger at resolution time.
type Resolver struct {
	logger *zap.Logger
	oracle *oracle.Adapter
	store  *orderstore.Store
	ledger *margin.Ledger
}

func NewResolver(logger *zap.Logger, ora *oracle.Adapter, store *orderstore.Store, ledger *margin.Ledger) *Resolver {
	return &Resolver{
		logger: logger.Named("match"),
		oracle: ora,
		store:  store,
		ledger: ledger,
	}
}

// Result carries the resolved fill price and, per side, whose limit price
// governed it (the maker side's own price is the one used).
type Result struct {
	FillPrice *big.Int
	LongHash  common.Hash
	ShortHash common.Hash
	LongMode  model.ExecutionMode
	ShortMode model.ExecutionMode
}

// Resolve validates a long and a short order against a positive fillAmount
// and determines the execution price. The order resting since the earlier
// block is the maker and sets the price, clamped into the oracle spread
// band; when both orders arrived in the same block the short order is the
// maker. An IOC order can never be the maker and a post-only order can
// never be the taker. now is the current block timestamp, used only for IOC
// expiry.
func (r *Resolver) Resolve(long, short *model.Order, fillAmount *big.Int, now uint64) (*Result, error) {
	if fillAmount.Sign() <= 0 {
		return nil, model.ErrInvalidFillAmount
	}

	longHash, longRec, err := r.validateExecute(long, model.Long, fillAmount, now)
	if err != nil {
		return nil, err
	}
	shortHash, shortRec, err := r.validateExecute(short, model.Short, fixedpoint.Neg(fillAmount), now)
	if err != nil {
		return nil, err
	}

	if long.Market != short.Market {
		return nil, model.ErrNotSameMarket
	}
	if long.Price.Cmp(short.Price) < 0 {
		return nil, model.ErrNoMatch
	}

	minSize, err := r.oracle.GetMinSizeRequirement(long.Market)
	if err != nil {
		return nil, err
	}
	if new(big.Int).Mod(fillAmount, minSize).Sign() != 0 {
		return nil, model.ErrNotMultiple
	}

	upperBound, lowerBound, err := r.oracle.Bounds(long.Market)
	if err != nil {
		return nil, err
	}
	if long.Price.Cmp(lowerBound) < 0 {
		return nil, model.ErrLongPriceTooLow
	}
	if short.Price.Cmp(upperBound) > 0 {
		return nil, model.ErrShortPriceTooHigh
	}

	res := &Result{LongHash: longHash, ShortHash: shortHash}
	switch {
	case longRec.BlockPlaced < shortRec.BlockPlaced:
		// long order rested first
		if long.OrderType == model.IOC {
			return nil, model.ErrIOCExpired
		}
		if short.OrderType == model.Limit && short.PostOnly {
			return nil, model.ErrCrossingMarket
		}
		res.LongMode, res.ShortMode = model.ModeMaker, model.ModeTaker
	case longRec.BlockPlaced > shortRec.BlockPlaced:
		// short order rested first
		if short.OrderType == model.IOC {
			return nil, model.ErrIOCExpired
		}
		if long.OrderType == model.Limit && long.PostOnly {
			return nil, model.ErrCrossingMarket
		}
		res.LongMode, res.ShortMode = model.ModeTaker, model.ModeMaker
	default:
		// same block: the short order sets the price, unless it is IOC and
		// cannot rest
		if short.OrderType == model.IOC {
			res.LongMode, res.ShortMode = model.ModeMaker, model.ModeTaker
		} else {
			res.LongMode, res.ShortMode = model.ModeTaker, model.ModeMaker
		}
	}

	if res.LongMode == model.ModeMaker {
		res.FillPrice = fixedpoint.Min(long.Price, upperBound)
	} else {
		res.FillPrice = fixedpoint.Max(short.Price, lowerBound)
	}
	return res, nil
}

// ResolveLiquidation prices a liquidation fill against a resting order. The
// liquidation band is wider than the trading band, and clamping only ever
// fails on the side that would hurt the liquidated trader: a long order
// priced below the liquidation lower bound (or a short above the upper) is
// rejected, while a too-generous price is clamped to the oracle-spread
// bound.
func (r *Resolver) ResolveLiquidation(order *model.Order, liquidationAmount *big.Int, now uint64) (fillPrice, fillAmount *big.Int, orderHash common.Hash, err error) {
	if liquidationAmount.Sign() <= 0 {
		return nil, nil, common.Hash{}, model.ErrInvalidFillAmount
	}

	orderHash, _, err = r.validateExecute(order, model.Liquidation, liquidationAmount, now)
	if err != nil {
		return nil, nil, orderHash, err
	}

	fillAmount = new(big.Int).Set(liquidationAmount)
	if order.BaseAssetQuantity.Sign() < 0 {
		fillAmount.Neg(fillAmount)
	}

	minSize, err := r.oracle.GetMinSizeRequirement(order.Market)
	if err != nil {
		return nil, nil, orderHash, err
	}
	if new(big.Int).Mod(fillAmount, minSize).Sign() != 0 {
		return nil, nil, orderHash, model.ErrNotMultiple
	}

	liqUpper, liqLower, err := r.oracle.LiquidationBounds(order.Market)
	if err != nil {
		return nil, nil, orderHash, err
	}
	upperBound, lowerBound, err := r.oracle.Bounds(order.Market)
	if err != nil {
		return nil, nil, orderHash, err
	}

	if order.BaseAssetQuantity.Sign() > 0 {
		// liquidating into a long order
		if order.Price.Cmp(liqLower) < 0 {
			return nil, nil, orderHash, model.ErrLongPriceTooLow
		}
		return fixedpoint.Min(order.Price, upperBound), fillAmount, orderHash, nil
	}
	// liquidating into a short order
	if order.Price.Cmp(liqUpper) > 0 {
		return nil, nil, orderHash, model.ErrShortPriceTooHigh
	}
	return fixedpoint.Max(order.Price, lowerBound), fillAmount, orderHash, nil
}

// validateExecute checks one order of a match: placed status, IOC expiry,
// side/sign sanity, overfill and the reduce-only execution guard. fillAmount
// is signed with the side's convention (negative for shorts).
func (r *Resolver) validateExecute(order *model.Order, side model.Side, fillAmount *big.Int, now uint64) (common.Hash, model.LifecycleRecord, error) {
	hash, err := order.Hash()
	if err != nil {
		return common.Hash{}, model.LifecycleRecord{}, err
	}
	rec := r.store.StatusOf(hash)
	if rec.Status != model.Placed {
		return hash, rec, model.ErrInvalidOrder
	}

	if order.OrderType == model.IOC {
		if order.ExpireAt == nil || order.ExpireAt.Uint64() < now {
			return hash, rec, model.ErrIOCExpired
		}
	}

	// for liquidations the side follows the sign of the resting order
	if side == model.Liquidation {
		if order.BaseAssetQuantity.Sign() > 0 {
			side = model.Long
		} else {
			side = model.Short
			fillAmount = fixedpoint.Neg(fillAmount)
		}
	}

	switch side {
	case model.Long:
		if order.BaseAssetQuantity.Sign() <= 0 {
			return hash, rec, model.ErrNotLongOrder
		}
		if fillAmount.Sign() <= 0 {
			return hash, rec, model.ErrInvalidFillAmount
		}
		if new(big.Int).Add(rec.FilledAmount, fillAmount).Cmp(order.BaseAssetQuantity) > 0 {
			return hash, rec, model.ErrOverFill
		}
		if order.ReduceOnly {
			posSize := r.ledger.GetSize(order.Trader, order.Market)
			// the short position must survive the fill
			if new(big.Int).Add(posSize, fillAmount).Sign() > 0 {
				return hash, rec, model.ErrNotReducingPosition
			}
		}
	case model.Short:
		if order.BaseAssetQuantity.Sign() >= 0 {
			return hash, rec, model.ErrNotShortOrder
		}
		if fillAmount.Sign() >= 0 {
			return hash, rec, model.ErrInvalidFillAmount
		}
		// all quantities are negative
		if new(big.Int).Add(rec.FilledAmount, fillAmount).Cmp(order.BaseAssetQuantity) < 0 {
			return hash, rec, model.ErrOverFill
		}
		if order.ReduceOnly {
			posSize := r.ledger.GetSize(order.Trader, order.Market)
			// the long position must survive the fill
			if new(big.Int).Add(posSize, fillAmount).Sign() < 0 {
				return hash, rec, model.ErrNotReducingPosition
			}
		}
	}
	return hash, rec, nil
}
