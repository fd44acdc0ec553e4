// Package book hosts the order-book core: head-of-book state per market and
// the validate-then-commit state machine for placements, cancellations,
// matches and liquidations. Validation pipelines short-circuit at the first
// failure and commit no side effects on rejection.
package book

import (
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/perpcore/internal/events"
	"github.com/openclob/perpcore/internal/margin"
	"github.com/openclob/perpcore/internal/match"
	"github.com/openclob/perpcore/internal/model"
	"github.com/openclob/perpcore/internal/oracle"
	"github.com/openclob/perpcore/internal/orderstore"
	"github.com/openclob/perpcore/internal/signer"
	"github.com/openclob/perpcore/pkg/fixedpoint"
	"github.com/openclob/perpcore/pkg/metrics"
)

// LowMarginPolicy decides whether a trader qualifies for the
// margin-maintenance cancel path (assertLowMargin). The exact product rule
// is still open; the default admits traders whose available margin has gone
// negative.
type LowMarginPolicy func(trader common.Address) bool

type marketState struct {
	mu   sync.Mutex
	book *MarketBook
}

// Core wires the order store, margin ledger, oracle, resolver and event bus
// into the matching state machine. Operations on the same market serialize
// on that market's lock; different markets proceed in parallel.
type Core struct {
	logger   *zap.Logger
	oracle   *oracle.Adapter
	ledger   *margin.Ledger
	store    *orderstore.Store
	resolver *match.Resolver
	signers  *signer.Registry
	bus      *events.Bus

	iocExpirationCap uint64
	lowMargin        LowMarginPolicy

	mu          sync.RWMutex
	markets     map[int64]*marketState
	blockNumber uint64
	timestamp   uint64
}

func NewCore(logger *zap.Logger, ora *oracle.Adapter, ledger *margin.Ledger, store *orderstore.Store, resolver *match.Resolver, signers *signer.Registry, bus *events.Bus, iocExpirationCap uint64) *Core {
	c := &Core{
		logger:           logger.Named("book"),
		oracle:           ora,
		ledger:           ledger,
		store:            store,
		resolver:         resolver,
		signers:          signers,
		bus:              bus,
		iocExpirationCap: iocExpirationCap,
		markets:          make(map[int64]*marketState),
	}
	c.lowMargin = func(trader common.Address) bool {
		return ledger.GetAvailableMargin(trader).Sign() < 0
	}
	return c
}

// SetLowMarginPolicy swaps the margin-maintenance cancel rule.
func (c *Core) SetLowMarginPolicy(policy LowMarginPolicy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lowMargin = policy
}

// SetBlock advances the sequential block context all operations stamp and
// validate against.
func (c *Core) SetBlock(number, timestamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockNumber = number
	c.timestamp = timestamp
}

func (c *Core) blockContext() (number, timestamp uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blockNumber, c.timestamp
}

func (c *Core) market(id int64) *marketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms, ok := c.markets[id]
	if !ok {
		ms = &marketState{book: NewMarketBook()}
		c.markets[id] = ms
	}
	return ms
}

// Book exposes a market's head-of-book state for queries.
func (c *Core) Book(market int64) *MarketBook {
	return c.market(market).book
}

// OrderStatus answers the query surface for a fingerprint; unknown hashes
// yield the zero (Invalid) record.
func (c *Core) OrderStatus(hash common.Hash) model.LifecycleRecord {
	return c.store.StatusOf(hash)
}

// PlaceOrder runs the placement validation pipeline and, on success, creates
// the lifecycle record, reserves margin and rests the order on the book.
// The signature is carried through to the OrderPlaced event for downstream
// verification; a rejection publishes OrderRejected with the reason code and
// leaves no state behind.
func (c *Core) PlaceOrder(sender common.Address, order *model.Order, sig []byte) error {
	ms := c.market(order.Market)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	hash, err := order.Hash()
	if err != nil {
		return err
	}
	if err := c.validateAndCommitPlace(ms, order, hash, sender); err != nil {
		metrics.OrdersRejected.WithLabelValues(err.Error()).Inc()
		c.bus.Publish(events.TopicOrder, events.TypeOrderRejected, events.OrderRejected{
			Trader:    order.Trader,
			OrderHash: hash,
			Err:       err.Error(),
		})
		return err
	}
	metrics.OrdersPlaced.WithLabelValues(strconv.FormatInt(order.Market, 10)).Inc()
	c.bus.Publish(events.TopicOrder, events.TypeOrderPlaced, events.OrderPlaced{
		Trader:    order.Trader,
		OrderHash: hash,
		Signature: sig,
	})
	return nil
}

// validateAndCommitPlace is the §placement pipeline. Order of checks is part
// of the external contract: authorization, existence, quantity sanity,
// reduce-only consistency, the open-reduce-only guard, post-only crossing,
// then the margin reserve. Reserve is the only side effect taken before the
// store commit and is rolled forward atomically with it under the market
// lock.
func (c *Core) validateAndCommitPlace(ms *marketState, order *model.Order, hash common.Hash, sender common.Address) error {
	if !c.signers.Authorized(order.Trader, sender) {
		return model.ErrNoTradingAuthority
	}
	if c.store.StatusOf(hash).Status != model.Invalid {
		return model.ErrOrderAlreadyExists
	}
	if order.BaseAssetQuantity.Sign() == 0 {
		return model.ErrBaseQuantityZero
	}
	minSize, err := c.oracle.GetMinSizeRequirement(order.Market)
	if err != nil {
		return err
	}
	if new(big.Int).Mod(order.BaseAssetQuantity, minSize).Sign() != 0 {
		return model.ErrNotMultiple
	}

	posSize := c.ledger.GetSize(order.Trader, order.Market)
	reduceOnlyAmount := c.store.ReduceOnlyAmount(order.Trader, order.Market)
	reserveAmount := big.NewInt(0)

	if order.ReduceOnly {
		if !reducesPosition(posSize, order.BaseAssetQuantity) {
			return model.ErrReduceOnlyInvalid
		}
		sameSideOpen := c.store.LongOpenAmount(order.Trader, order.Market)
		if order.Side() == model.Short {
			sameSideOpen = c.store.ShortOpenAmount(order.Trader, order.Market)
		}
		if sameSideOpen.Sign() != 0 {
			return model.ErrOpenOrders
		}
		net := new(big.Int).Add(reduceOnlyAmount, order.BaseAssetQuantity)
		if fixedpoint.Abs(net).Cmp(fixedpoint.Abs(posSize)) > 0 {
			return model.ErrNetReduceOnlyExceeded
		}
	} else {
		if reduceOnlyAmount.Sign() != 0 && order.BaseAssetQuantity.Sign() != posSize.Sign() {
			return model.ErrOpenReduceOnlyOrders
		}
	}

	if order.PostOnly {
		bidsHead, _ := ms.book.BidsHead()
		asksHead, _ := ms.book.AsksHead()
		longCrosses := order.Side() == model.Long && asksHead.Sign() != 0 && order.Price.Cmp(asksHead) >= 0
		shortCrosses := order.Side() == model.Short && bidsHead.Sign() != 0 && order.Price.Cmp(bidsHead) <= 0
		if longCrosses || shortCrosses {
			return model.ErrCrossingMarket
		}
	}

	if !order.ReduceOnly {
		reserveAmount, err = c.ledger.RequiredMargin(order)
		if err != nil {
			return err
		}
		if err := c.ledger.Reserve(order.Trader, reserveAmount); err != nil {
			return err
		}
	}

	blockNumber, _ := c.blockContext()
	if err := c.store.Create(order, hash, blockNumber, reserveAmount); err != nil {
		// unreachable after the existence check above; undo the reserve
		c.ledger.Release(order.Trader, reserveAmount)
		return err
	}
	ms.book.Add(order.Side() == model.Long, order.Price, fixedpoint.Abs(order.BaseAssetQuantity))
	c.logger.Info("order placed",
		zap.String("order_hash", hash.Hex()),
		zap.Int64("market", order.Market),
		zap.String("price", fixedpoint.Format6(order.Price)),
		zap.String("base_asset_quantity", fixedpoint.Format18(order.BaseAssetQuantity)),
	)
	return nil
}

// PlaceIOCOrder validates an immediate-or-cancel order. IOC orders never
// rest: no margin is reserved and the book heads are untouched; the record
// exists so the matching path can fill it within its expiry window.
func (c *Core) PlaceIOCOrder(sender common.Address, order *model.Order, sig []byte) error {
	ms := c.market(order.Market)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	hash, err := order.Hash()
	if err != nil {
		return err
	}
	if err := c.validateAndCommitIOC(order, hash, sender); err != nil {
		metrics.OrdersRejected.WithLabelValues(err.Error()).Inc()
		c.bus.Publish(events.TopicOrder, events.TypeOrderRejected, events.OrderRejected{
			Trader:    order.Trader,
			OrderHash: hash,
			Err:       err.Error(),
		})
		return err
	}
	metrics.OrdersPlaced.WithLabelValues(strconv.FormatInt(order.Market, 10)).Inc()
	c.bus.Publish(events.TopicOrder, events.TypeOrderPlaced, events.OrderPlaced{
		Trader:    order.Trader,
		OrderHash: hash,
		Signature: sig,
	})
	return nil
}

func (c *Core) validateAndCommitIOC(order *model.Order, hash common.Hash, sender common.Address) error {
	if !c.signers.Authorized(order.Trader, sender) {
		return model.ErrNoTradingAuthority
	}
	if order.OrderType != model.IOC {
		return model.ErrNotIOCOrder
	}
	if order.BaseAssetQuantity.Sign() == 0 {
		return model.ErrBaseQuantityZero
	}
	blockNumber, timestamp := c.blockContext()
	if order.ExpireAt == nil || order.ExpireAt.Uint64() < timestamp {
		return model.ErrIOCExpired
	}
	if order.ExpireAt.Uint64() > timestamp+c.iocExpirationCap {
		return model.ErrIOCExpirationTooFar
	}
	minSize, err := c.oracle.GetMinSizeRequirement(order.Market)
	if err != nil {
		return err
	}
	if new(big.Int).Mod(order.BaseAssetQuantity, minSize).Sign() != 0 {
		return model.ErrNotMultiple
	}
	if c.store.StatusOf(hash).Status != model.Invalid {
		return model.ErrOrderAlreadyExists
	}
	return c.store.Create(order, hash, blockNumber, big.NewInt(0))
}

// CancelOrder validates and commits a cancellation. assertLowMargin gates
// the liquidation-adjacent path: the cancel is only admitted when the
// low-margin policy matches the trader. On success the remaining hold is
// released in full and the unfilled amount leaves the book.
func (c *Core) CancelOrder(sender common.Address, order *model.Order, assertLowMargin bool) error {
	ms := c.market(order.Market)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	hash, err := order.Hash()
	if err != nil {
		return err
	}
	if err := c.validateAndCommitCancel(ms, order, hash, sender, assertLowMargin); err != nil {
		c.bus.Publish(events.TopicOrder, events.TypeOrderCancelRejected, events.OrderCancelRejected{
			Trader:    order.Trader,
			OrderHash: hash,
			Err:       err.Error(),
		})
		return err
	}
	metrics.OrdersCancelled.Inc()
	c.bus.Publish(events.TopicOrder, events.TypeOrderCancelled, events.OrderCancelled{
		Trader:    order.Trader,
		OrderHash: hash,
	})
	return nil
}

func (c *Core) validateAndCommitCancel(ms *marketState, order *model.Order, hash common.Hash, sender common.Address, assertLowMargin bool) error {
	if !c.signers.Authorized(order.Trader, sender) {
		return model.ErrNoTradingAuthority
	}
	switch c.store.StatusOf(hash).Status {
	case model.Invalid:
		return model.ErrInvalidOrder
	case model.Cancelled:
		return model.ErrCancelledOrder
	case model.Filled:
		return model.ErrFilledOrder
	}
	if assertLowMargin && !c.lowMargin(order.Trader) {
		return model.ErrNotLowMargin
	}

	hold := c.store.StatusOf(hash).ReservedMargin
	unfilled, _, err := c.store.Cancel(hash)
	if err != nil {
		return err
	}
	c.ledger.Release(order.Trader, hold)
	if order.OrderType == model.Limit {
		ms.book.Remove(order.Side() == model.Long, order.Price, fixedpoint.Abs(unfilled))
	}
	c.logger.Info("order cancelled",
		zap.String("order_hash", hash.Hex()),
		zap.String("unfilled", fixedpoint.Format18(unfilled)),
	)
	return nil
}

// ExecuteMatchedOrders resolves a long/short pair for fillAmount and commits
// the fill: proportional hold release, lifecycle transitions, fee and
// position settlement, book head updates and the OrdersMatched event. On
// rejection an OrderMatchingError event carries the reason code and nothing
// is committed.
func (c *Core) ExecuteMatchedOrders(relayer common.Address, long, short *model.Order, fillAmount *big.Int) error {
	start := time.Now()
	ms := c.market(long.Market)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	_, timestamp := c.blockContext()
	res, err := c.resolver.Resolve(long, short, fillAmount, timestamp)
	if err != nil {
		metrics.MatchingErrors.WithLabelValues(err.Error()).Inc()
		hash, _ := long.Hash()
		c.bus.Publish(events.TopicMatching, events.TypeOrderMatchingError, events.OrderMatchingError{
			OrderHash: hash,
			Err:       err.Error(),
		})
		return err
	}

	longRelease := c.fillRelease(res.LongHash, long, fillAmount)
	shortRelease := c.fillRelease(res.ShortHash, short, fillAmount)
	if _, err := c.store.TransitionToFilled(res.LongHash, fillAmount, longRelease); err != nil {
		return err
	}
	if _, err := c.store.TransitionToFilled(res.ShortHash, fixedpoint.Neg(fillAmount), shortRelease); err != nil {
		return err
	}
	c.ledger.Release(long.Trader, longRelease)
	c.ledger.Release(short.Trader, shortRelease)

	openInterestNotional := c.ledger.SettleFill(long.Trader, short.Trader, long.Market, fillAmount, res.FillPrice, res.LongMode, res.ShortMode)

	if long.OrderType == model.Limit {
		ms.book.Remove(true, long.Price, fillAmount)
	}
	if short.OrderType == model.Limit {
		ms.book.Remove(false, short.Price, fillAmount)
	}

	metrics.OrdersMatched.WithLabelValues(strconv.FormatInt(long.Market, 10)).Inc()
	metrics.MatchLatency.Observe(time.Since(start).Seconds())
	c.bus.Publish(events.TopicMatching, events.TypeOrdersMatched, events.OrdersMatched{
		OrderHash0:           res.LongHash,
		OrderHash1:           res.ShortHash,
		FillAmount:           new(big.Int).Set(fillAmount),
		Price:                res.FillPrice,
		OpenInterestNotional: openInterestNotional,
		Relayer:              relayer,
	})
	c.logger.Info("orders matched",
		zap.String("long_order_hash", res.LongHash.Hex()),
		zap.String("short_order_hash", res.ShortHash.Hex()),
		zap.String("fill_amount", fixedpoint.Format18(fillAmount)),
		zap.String("fill_price", fixedpoint.Format6(res.FillPrice)),
	)
	return nil
}

// ExecuteLiquidation fills toLiquidate of a trader's position against a
// resting order at the liquidation-resolved price. The amount is capped by
// the market's max liquidation ratio and by the position itself.
func (c *Core) ExecuteLiquidation(relayer common.Address, trader common.Address, order *model.Order, toLiquidate *big.Int) error {
	ms := c.market(order.Market)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	fillPrice, fillAmount, hash, err := c.liquidate(ms, trader, order, toLiquidate)
	if err != nil {
		c.bus.Publish(events.TopicLiquidation, events.TypeLiquidationError, events.LiquidationError{
			Trader:      trader,
			OrderHash:   hash,
			Err:         err.Error(),
			ToLiquidate: new(big.Int).Set(toLiquidate),
		})
		return err
	}

	openInterestNotional := c.settleLiquidation(trader, order, fillAmount, fillPrice)
	if order.OrderType == model.Limit {
		ms.book.Remove(order.Side() == model.Long, order.Price, fixedpoint.Abs(fillAmount))
	}
	metrics.Liquidations.WithLabelValues(strconv.FormatInt(order.Market, 10)).Inc()
	c.bus.Publish(events.TopicLiquidation, events.TypeLiquidationOrderMatched, events.LiquidationOrderMatched{
		Trader:               trader,
		OrderHash:            hash,
		FillAmount:           fixedpoint.Abs(fillAmount),
		Price:                fillPrice,
		OpenInterestNotional: openInterestNotional,
		Relayer:              relayer,
	})
	return nil
}

func (c *Core) liquidate(ms *marketState, trader common.Address, order *model.Order, toLiquidate *big.Int) (fillPrice, fillAmount *big.Int, hash common.Hash, err error) {
	_, timestamp := c.blockContext()
	fillPrice, fillAmount, hash, err = c.resolver.ResolveLiquidation(order, toLiquidate, timestamp)
	if err != nil {
		return nil, nil, hash, err
	}

	// the liquidated position must oppose the order: a long order buys out a
	// long position under liquidation
	posSize := c.ledger.GetSize(trader, order.Market)
	if posSize.Sign() == 0 || posSize.Sign() != order.BaseAssetQuantity.Sign() {
		return nil, nil, hash, model.ErrNotReducingPosition
	}
	maxRatio, err := c.oracle.GetMaxLiquidationRatio(order.Market)
	if err != nil {
		return nil, nil, hash, err
	}
	maxLiquidation := fixedpoint.Div1e6(new(big.Int).Mul(fixedpoint.Abs(posSize), maxRatio))
	if toLiquidate.Cmp(fixedpoint.Abs(posSize)) > 0 || toLiquidate.Cmp(maxLiquidation) > 0 {
		return nil, nil, hash, model.ErrLiquidatingTooMuch
	}

	release := c.fillRelease(hash, order, fixedpoint.Abs(fillAmount))
	if _, err := c.store.TransitionToFilled(hash, fillAmount, release); err != nil {
		return nil, nil, hash, err
	}
	c.ledger.Release(order.Trader, release)
	return fillPrice, fillAmount, hash, nil
}

// settleLiquidation routes the fill to the ledger with the resting order as
// the maker and the liquidated trader as the taker.
func (c *Core) settleLiquidation(trader common.Address, order *model.Order, fillAmount, fillPrice *big.Int) *big.Int {
	amount := fixedpoint.Abs(fillAmount)
	if order.BaseAssetQuantity.Sign() > 0 {
		// order buys, liquidated trader sells off a long position
		return c.ledger.SettleFill(order.Trader, trader, order.Market, amount, fillPrice, model.ModeMaker, model.ModeTaker)
	}
	// order sells, liquidated trader buys back a short position
	return c.ledger.SettleFill(trader, order.Trader, order.Market, amount, fillPrice, model.ModeTaker, model.ModeMaker)
}

// fillRelease computes the hold to return for a fill: the reserved margin
// pro-rated over the order's remaining unfilled amount, with the final fill
// returning the full remainder so rounding dust never sticks to the
// account.
func (c *Core) fillRelease(hash common.Hash, order *model.Order, fillAmount *big.Int) *big.Int {
	rec := c.store.StatusOf(hash)
	if rec.Status != model.Placed || rec.ReservedMargin.Sign() == 0 {
		return big.NewInt(0)
	}
	remaining := new(big.Int).Sub(fixedpoint.Abs(order.BaseAssetQuantity), fixedpoint.Abs(rec.FilledAmount))
	if remaining.Sign() <= 0 || fillAmount.Cmp(remaining) >= 0 {
		return rec.ReservedMargin
	}
	release := new(big.Int).Mul(rec.ReservedMargin, fillAmount)
	return release.Quo(release, remaining)
}

// reducesPosition reports whether adding baseAssetQuantity to positionSize
// strictly shrinks its magnitude without flipping the sign.
func reducesPosition(positionSize, baseAssetQuantity *big.Int) bool {
	if positionSize.Sign() > 0 && baseAssetQuantity.Sign() < 0 {
		return new(big.Int).Add(positionSize, baseAssetQuantity).Sign() >= 0
	}
	if positionSize.Sign() < 0 && baseAssetQuantity.Sign() > 0 {
		return new(big.Int).Add(positionSize, baseAssetQuantity).Sign() <= 0
	}
	return false
}
