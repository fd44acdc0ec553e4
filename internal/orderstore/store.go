// Package orderstore owns the lifecycle record of every order fingerprint:
// status transitions, cumulative fills and the margin held against the
// order. It also maintains the per-trader open-order aggregates that
// placement validation consults.
package orderstore

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/perpcore/internal/model"
	"github.com/openclob/perpcore/pkg/fixedpoint"
)

type record struct {
	order          model.Order
	status         model.OrderStatus
	blockPlaced    uint64
	filledAmount   *big.Int
	reservedMargin *big.Int
}

type traderMarket struct {
	trader common.Address
	market int64
}

// Store maps order fingerprints to lifecycle records. Records are never
// deleted; terminal statuses keep the fingerprint burned for idempotence.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	records map[common.Hash]*record

	// unfilled magnitudes of open non-reduce-only orders per side
	longOpen  map[traderMarket]*big.Int
	shortOpen map[traderMarket]*big.Int
	// signed sum of unfilled reduce-only order quantities
	reduceOnly map[traderMarket]*big.Int
}

func New(logger *zap.Logger) *Store {
	return &Store{
		logger:     logger.Named("orderstore"),
		records:    make(map[common.Hash]*record),
		longOpen:   make(map[traderMarket]*big.Int),
		shortOpen:  make(map[traderMarket]*big.Int),
		reduceOnly: make(map[traderMarket]*big.Int),
	}
}

// Create transitions a fingerprint from the implicit Invalid state to
// Placed. Any fingerprint that was ever placed, filled or cancelled is
// rejected with ErrOrderAlreadyExists.
func (s *Store) Create(order *model.Order, hash common.Hash, blockPlaced uint64, reservedMargin *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[hash]; ok {
		return model.ErrOrderAlreadyExists
	}
	s.records[hash] = &record{
		order:          *order,
		status:         model.Placed,
		blockPlaced:    blockPlaced,
		filledAmount:   big.NewInt(0),
		reservedMargin: new(big.Int).Set(reservedMargin),
	}
	s.addOpenAmount(order, order.BaseAssetQuantity)
	s.logger.Debug("order created",
		zap.String("order_hash", hash.Hex()),
		zap.Uint64("block_placed", blockPlaced),
		zap.String("reserved_margin", fixedpoint.Format6(reservedMargin)),
	)
	return nil
}

// TransitionToFilled accumulates a signed fill delta (same sign as the
// order's quantity) and releases releasedMargin from the order's hold. When
// the cumulative fill reaches the order quantity the record turns Filled and
// any remaining hold is zeroed. Returns whether the order completed.
func (s *Store) TransitionToFilled(hash common.Hash, fillDelta, releasedMargin *big.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok || rec.status != model.Placed {
		return false, model.ErrInvalidOrder
	}
	newFilled := new(big.Int).Add(rec.filledAmount, fillDelta)
	if fixedpoint.Abs(newFilled).Cmp(fixedpoint.Abs(rec.order.BaseAssetQuantity)) > 0 {
		return false, model.ErrOverFill
	}
	rec.filledAmount = newFilled
	rec.reservedMargin.Sub(rec.reservedMargin, releasedMargin)
	if rec.reservedMargin.Sign() < 0 {
		// releases are derived from the hold itself, so this is unreachable
		// in correct operation
		s.logger.Panic("order hold released below zero", zap.String("order_hash", hash.Hex()))
	}
	s.subOpenAmount(&rec.order, fillDelta)
	if newFilled.CmpAbs(rec.order.BaseAssetQuantity) == 0 {
		rec.status = model.Filled
		rec.reservedMargin = big.NewInt(0)
		return true, nil
	}
	return false, nil
}

// Cancel moves a Placed record to Cancelled and reports the unfilled signed
// amount and market for the caller's book/ledger reaction. Terminal records
// are distinguished in the error: cancelling twice yields ErrCancelledOrder,
// cancelling a filled order ErrFilledOrder, and an unknown fingerprint
// ErrInvalidOrder.
func (s *Store) Cancel(hash common.Hash) (*big.Int, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	if !ok {
		return nil, 0, model.ErrInvalidOrder
	}
	switch rec.status {
	case model.Cancelled:
		return nil, 0, model.ErrCancelledOrder
	case model.Filled:
		return nil, 0, model.ErrFilledOrder
	}
	unfilled := new(big.Int).Sub(rec.order.BaseAssetQuantity, rec.filledAmount)
	s.subOpenAmount(&rec.order, unfilled)
	rec.status = model.Cancelled
	rec.reservedMargin = big.NewInt(0)
	rec.blockPlaced = 0
	s.logger.Debug("order cancelled", zap.String("order_hash", hash.Hex()))
	return unfilled, rec.order.Market, nil
}

// StatusOf is total: unknown fingerprints yield the zero (Invalid) record.
func (s *Store) StatusOf(hash common.Hash) model.LifecycleRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hash]
	if !ok {
		return model.LifecycleRecord{FilledAmount: big.NewInt(0), ReservedMargin: big.NewInt(0)}
	}
	return model.LifecycleRecord{
		Status:         rec.status,
		BlockPlaced:    rec.blockPlaced,
		FilledAmount:   new(big.Int).Set(rec.filledAmount),
		ReservedMargin: new(big.Int).Set(rec.reservedMargin),
	}
}

// Order returns the stored order for a fingerprint, if any.
func (s *Store) Order(hash common.Hash) (model.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hash]
	if !ok {
		return model.Order{}, false
	}
	return rec.order, true
}

// LongOpenAmount is the unfilled magnitude of the trader's open long
// non-reduce-only orders on a market.
func (s *Store) LongOpenAmount(trader common.Address, market int64) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregate(s.longOpen, trader, market)
}

// ShortOpenAmount is the short-side counterpart of LongOpenAmount.
func (s *Store) ShortOpenAmount(trader common.Address, market int64) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregate(s.shortOpen, trader, market)
}

// ReduceOnlyAmount is the signed sum of the trader's unfilled reduce-only
// order quantities on a market.
func (s *Store) ReduceOnlyAmount(trader common.Address, market int64) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aggregate(s.reduceOnly, trader, market)
}

func (s *Store) aggregate(m map[traderMarket]*big.Int, trader common.Address, market int64) *big.Int {
	if v, ok := m[traderMarket{trader, market}]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// addOpenAmount registers the signed unfilled amount of a newly placed
// order; the caller holds s.mu.
func (s *Store) addOpenAmount(order *model.Order, amount *big.Int) {
	key := traderMarket{order.Trader, order.Market}
	if order.ReduceOnly {
		cur, ok := s.reduceOnly[key]
		if !ok {
			cur = big.NewInt(0)
			s.reduceOnly[key] = cur
		}
		cur.Add(cur, amount)
		return
	}
	side := s.longOpen
	if amount.Sign() < 0 {
		side = s.shortOpen
	}
	cur, ok := side[key]
	if !ok {
		cur = big.NewInt(0)
		side[key] = cur
	}
	cur.Add(cur, fixedpoint.Abs(amount))
}

// subOpenAmount retires a signed amount (fill delta or cancelled remainder)
// from the aggregates; the caller holds s.mu.
func (s *Store) subOpenAmount(order *model.Order, amount *big.Int) {
	key := traderMarket{order.Trader, order.Market}
	if order.ReduceOnly {
		if cur, ok := s.reduceOnly[key]; ok {
			cur.Sub(cur, amount)
		}
		return
	}
	side := s.longOpen
	if order.BaseAssetQuantity.Sign() < 0 {
		side = s.shortOpen
	}
	if cur, ok := side[key]; ok {
		cur.Sub(cur, fixedpoint.Abs(amount))
		if cur.Sign() < 0 {
			cur.SetInt64(0)
		}
	}
}
