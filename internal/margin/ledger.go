// Package margin implements the trader margin ledger: deposited collateral,
// per-order reservations and the fee/position bookkeeping applied on fills.
// Cross-margin aggregation with unrealized PnL lives in an external clearing
// collaborator; this ledger exposes the primitives it depends on.
package margin

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openclob/perpcore/internal/model"
	"github.com/openclob/perpcore/internal/oracle"
	"github.com/openclob/perpcore/pkg/fixedpoint"
)

type account struct {
	margin         *big.Int
	reservedMargin *big.Int
	positions      map[int64]*big.Int // signed base size per market
	openNotional   map[int64]*big.Int // realized notional per market
}

func newAccount() *account {
	return &account{
		margin:         big.NewInt(0),
		reservedMargin: big.NewInt(0),
		positions:      make(map[int64]*big.Int),
		openNotional:   make(map[int64]*big.Int),
	}
}

func (a *account) position(market int64) *big.Int {
	if p, ok := a.positions[market]; ok {
		return p
	}
	p := big.NewInt(0)
	a.positions[market] = p
	return p
}

// Params are the ledger's fee and margin-ratio parameters, 1e6 fixed point.
type Params struct {
	MinAllowableMargin *big.Int
	TakerFee           *big.Int
	MakerFee           *big.Int
}

// Ledger tracks margin per trader. All mutating operations take the ledger
// lock, giving the per-trader-account critical section the validation
// pipeline requires.
type Ledger struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	oracle   *oracle.Adapter
	params   Params
	accounts map[common.Address]*account

	openInterest map[int64]*big.Int // sum of |position| per market
}

func NewLedger(logger *zap.Logger, ora *oracle.Adapter, params Params) *Ledger {
	return &Ledger{
		logger:       logger.Named("margin"),
		oracle:       ora,
		params:       params,
		accounts:     make(map[common.Address]*account),
		openInterest: make(map[int64]*big.Int),
	}
}

func (l *Ledger) account(trader common.Address) *account {
	acc, ok := l.accounts[trader]
	if !ok {
		acc = newAccount()
		l.accounts[trader] = acc
	}
	return acc
}

// AddMargin credits deposited collateral. Deposit validation happens at the
// margin-account boundary, not here.
func (l *Ledger) AddMargin(trader common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(trader)
	acc.margin.Add(acc.margin, amount)
}

// RemoveMargin withdraws free collateral; it fails rather than eat into
// reservations.
func (l *Ledger) RemoveMargin(trader common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(trader)
	if new(big.Int).Sub(acc.margin, acc.reservedMargin).Cmp(amount) < 0 {
		return model.ErrInsufficientMargin
	}
	acc.margin.Sub(acc.margin, amount)
	return nil
}

// GetAvailableMargin is margin minus open-order reservations. Funding and
// unrealized PnL adjustments are the clearing collaborator's concern.
func (l *Ledger) GetAvailableMargin(trader common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[trader]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(acc.margin, acc.reservedMargin)
}

// GetNormalizedMargin returns deposited collateral.
func (l *Ledger) GetNormalizedMargin(trader common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[trader]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.margin)
}

// GetReservedMargin returns the sum of the trader's open-order holds.
func (l *Ledger) GetReservedMargin(trader common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[trader]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.reservedMargin)
}

// GetSize returns the trader's signed position size on a market.
func (l *Ledger) GetSize(trader common.Address, market int64) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acc, ok := l.accounts[trader]
	if !ok {
		return big.NewInt(0)
	}
	if p, ok := acc.positions[market]; ok {
		return new(big.Int).Set(p)
	}
	return big.NewInt(0)
}

// RequiredMargin prices the hold for an order: notional times the margin
// ratio plus the worst-case (taker) fee. Short orders are margined at no
// better than the market's oracle-spread upper bound, since that is the
// highest price they can execute at.
func (l *Ledger) RequiredMargin(order *model.Order) (*big.Int, error) {
	price := order.Price
	upperBound, _, err := l.oracle.Bounds(order.Market)
	if err != nil {
		return nil, err
	}
	if order.BaseAssetQuantity.Sign() < 0 && price.Cmp(upperBound) < 0 {
		price = upperBound
	}
	notional := fixedpoint.Abs(fixedpoint.Div1e18(new(big.Int).Mul(order.BaseAssetQuantity, price)))
	required := fixedpoint.Div1e6(new(big.Int).Mul(l.params.MinAllowableMargin, notional))
	takerFee := fixedpoint.Div1e6(new(big.Int).Mul(notional, l.params.TakerFee))
	return required.Add(required, takerFee), nil
}

// Reserve places a hold against the trader's free margin.
func (l *Ledger) Reserve(trader common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(trader)
	if new(big.Int).Sub(acc.margin, acc.reservedMargin).Cmp(amount) < 0 {
		return model.ErrInsufficientMargin
	}
	acc.reservedMargin.Add(acc.reservedMargin, amount)
	return nil
}

// Release returns a hold. Releasing more than is reserved is an internal
// invariant violation, never a user-facing condition.
func (l *Ledger) Release(trader common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc := l.account(trader)
	if acc.reservedMargin.Cmp(amount) < 0 {
		l.logger.Panic("released more margin than reserved",
			zap.String("trader", trader.Hex()),
			zap.String("reserved", fixedpoint.Format6(acc.reservedMargin)),
			zap.String("release", fixedpoint.Format6(amount)),
		)
	}
	acc.reservedMargin.Sub(acc.reservedMargin, amount)
}

// SettleFill applies a fill between a long and a short trader: position and
// realized-notional deltas for both, fee debits per execution mode (fees
// come out of margin, never out of reservations) and the market's open
// interest update. Returns the resulting open interest notional at the fill
// price. fillAmount is the positive matched base amount.
func (l *Ledger) SettleFill(long, short common.Address, market int64, fillAmount, fillPrice *big.Int, longMode, shortMode model.ExecutionMode) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	notional := fixedpoint.Div1e18(new(big.Int).Mul(fillAmount, fillPrice))
	longAcc := l.account(long)
	shortAcc := l.account(short)
	longAcc.margin.Sub(longAcc.margin, l.fee(notional, longMode))
	shortAcc.margin.Sub(shortAcc.margin, l.fee(notional, shortMode))

	oiDelta := big.NewInt(0)
	oiDelta.Add(oiDelta, l.applyPositionDelta(longAcc, market, fillAmount, notional))
	oiDelta.Add(oiDelta, l.applyPositionDelta(shortAcc, market, fixedpoint.Neg(fillAmount), notional))

	oi, ok := l.openInterest[market]
	if !ok {
		oi = big.NewInt(0)
		l.openInterest[market] = oi
	}
	oi.Add(oi, oiDelta)

	l.logger.Debug("fill settled",
		zap.Int64("market", market),
		zap.String("fill_amount", fixedpoint.Format18(fillAmount)),
		zap.String("fill_price", fixedpoint.Format6(fillPrice)),
		zap.String("open_interest", fixedpoint.Format18(oi)),
	)
	return fixedpoint.Div1e18(new(big.Int).Mul(oi, fillPrice))
}

// fee computes notional*rate/1e6 truncated toward zero.
func (l *Ledger) fee(notional *big.Int, mode model.ExecutionMode) *big.Int {
	rate := l.params.TakerFee
	if mode == model.ModeMaker {
		rate = l.params.MakerFee
	}
	return fixedpoint.Div1e6(new(big.Int).Mul(notional, rate))
}

// applyPositionDelta mutates one side's position and realized notional and
// returns the change in |position| for the open-interest accumulator; the
// caller holds l.mu.
func (l *Ledger) applyPositionDelta(acc *account, market int64, baseDelta, notional *big.Int) *big.Int {
	pos := acc.position(market)
	before := fixedpoint.Abs(pos)
	pos.Add(pos, baseDelta)

	on, ok := acc.openNotional[market]
	if !ok {
		on = big.NewInt(0)
		acc.openNotional[market] = on
	}
	on.Add(on, notional)

	return new(big.Int).Sub(fixedpoint.Abs(pos), before)
}
