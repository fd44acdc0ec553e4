package match

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openclob/perpcore/internal/margin"
	"github.com/openclob/perpcore/internal/model"
	"github.com/openclob/perpcore/internal/oracle"
	"github.com/openclob/perpcore/internal/orderstore"
)

var (
	alice = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	bob   = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

type fixture struct {
	oracle   *oracle.Adapter
	store    *orderstore.Store
	ledger   *margin.Ledger
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	log := zaptest.NewLogger(t)
	ora := oracle.NewAdapter(log)
	ora.RegisterMarket(0, &oracle.MarketParams{
		Symbol:                    "ETH-PERP",
		UnderlyingPrice:           big.NewInt(1800e6),
		MaxOracleSpreadRatio:      big.NewInt(10000),  // 1%
		MaxLiquidationPriceSpread: big.NewInt(100000), // 10%
		MinSizeRequirement:        big.NewInt(1e17),
		MaxLiquidationRatio:       big.NewInt(250000),
	})
	ora.RegisterMarket(1, &oracle.MarketParams{
		Symbol:                    "BTC-PERP",
		UnderlyingPrice:           big.NewInt(30000e6),
		MaxOracleSpreadRatio:      big.NewInt(10000),
		MaxLiquidationPriceSpread: big.NewInt(100000),
		MinSizeRequirement:        big.NewInt(1e16),
		MaxLiquidationRatio:       big.NewInt(250000),
	})
	store := orderstore.New(log)
	ledger := margin.NewLedger(log, ora, margin.Params{
		MinAllowableMargin: big.NewInt(200000),
		TakerFee:           big.NewInt(500),
		MakerFee:           big.NewInt(100),
	})
	return &fixture{
		oracle:   ora,
		store:    store,
		ledger:   ledger,
		resolver: NewResolver(log, ora, store, ledger),
	}
}

type orderParams struct {
	trader     common.Address
	market     int64
	qty        int64 // 1e18
	price      int64 // 1e6
	salt       int64
	reduceOnly bool
	postOnly   bool
	orderType  model.OrderType
	expireAt   int64
}

func (f *fixture) place(t *testing.T, p orderParams, block uint64) *model.Order {
	order := &model.Order{
		Market:            p.market,
		Trader:            p.trader,
		BaseAssetQuantity: new(big.Int).Mul(big.NewInt(p.qty), big.NewInt(1e18)),
		Price:             new(big.Int).Mul(big.NewInt(p.price), big.NewInt(1e6)),
		Salt:              big.NewInt(p.salt),
		ReduceOnly:        p.reduceOnly,
		PostOnly:          p.postOnly,
		OrderType:         p.orderType,
	}
	if p.expireAt != 0 {
		order.ExpireAt = big.NewInt(p.expireAt)
	}
	hash, err := order.Hash()
	require.NoError(t, err)
	require.NoError(t, f.store.Create(order, hash, block, big.NewInt(0)))
	return order
}

func TestResolveSameBlockShortIsMaker(t *testing.T) {
	f := newFixture(t)
	long := f.place(t, orderParams{trader: alice, qty: 1, price: 1800, salt: 1}, 10)
	short := f.place(t, orderParams{trader: bob, qty: -1, price: 1800, salt: 2}, 10)

	res, err := f.resolver.Resolve(long, short, big.NewInt(1e17), 0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1800e6), res.FillPrice)
	assert.Equal(t, model.ModeTaker, res.LongMode)
	assert.Equal(t, model.ModeMaker, res.ShortMode)
}

func TestResolvePriceTimePriority(t *testing.T) {
	cases := []struct {
		name          string
		longBlock     uint64
		shortBlock    uint64
		longPrice     int64
		shortPrice    int64
		wantFillPrice int64
		wantLongMode  model.ExecutionMode
	}{
		{
			name:      "long rested first sets the price",
			longBlock: 5, shortBlock: 10,
			longPrice: 1810, shortPrice: 1800,
			wantFillPrice: 1810, wantLongMode: model.ModeMaker,
		},
		{
			name:      "long maker clamped to upper bound",
			longBlock: 5, shortBlock: 10,
			longPrice: 1830, shortPrice: 1800,
			wantFillPrice: 1818, wantLongMode: model.ModeMaker,
		},
		{
			name:      "short rested first sets the price",
			longBlock: 10, shortBlock: 5,
			longPrice: 1800, shortPrice: 1790,
			wantFillPrice: 1790, wantLongMode: model.ModeTaker,
		},
		{
			name:      "short maker clamped to lower bound",
			longBlock: 10, shortBlock: 5,
			longPrice: 1800, shortPrice: 1700,
			wantFillPrice: 1782, wantLongMode: model.ModeTaker,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			long := f.place(t, orderParams{trader: alice, qty: 1, price: tc.longPrice, salt: 1}, tc.longBlock)
			short := f.place(t, orderParams{trader: bob, qty: -1, price: tc.shortPrice, salt: 2}, tc.shortBlock)

			res, err := f.resolver.Resolve(long, short, big.NewInt(1e17), 0)
			require.NoError(t, err)
			assert.Equal(t, new(big.Int).Mul(big.NewInt(tc.wantFillPrice), big.NewInt(1e6)), res.FillPrice)
			assert.Equal(t, tc.wantLongMode, res.LongMode)
		})
	}
}

func TestResolveRejections(t *testing.T) {
	cases := []struct {
		name       string
		long       orderParams
		short      orderParams
		fillAmount *big.Int
		wantErr    error
	}{
		{
			name:       "zero fill amount",
			long:       orderParams{trader: alice, qty: 1, price: 1800, salt: 1},
			short:      orderParams{trader: bob, qty: -1, price: 1800, salt: 2},
			fillAmount: big.NewInt(0),
			wantErr:    model.ErrInvalidFillAmount,
		},
		{
			name:       "prices do not cross",
			long:       orderParams{trader: alice, qty: 1, price: 1795, salt: 1},
			short:      orderParams{trader: bob, qty: -1, price: 1800, salt: 2},
			fillAmount: big.NewInt(1e17),
			wantErr:    model.ErrNoMatch,
		},
		{
			name:       "different markets",
			long:       orderParams{trader: alice, market: 0, qty: 1, price: 1800, salt: 1},
			short:      orderParams{trader: bob, market: 1, qty: -1, price: 1700, salt: 2},
			fillAmount: big.NewInt(1e17),
			wantErr:    model.ErrNotSameMarket,
		},
		{
			name:       "fill not a multiple of min size",
			long:       orderParams{trader: alice, qty: 1, price: 1800, salt: 1},
			short:      orderParams{trader: bob, qty: -1, price: 1800, salt: 2},
			fillAmount: big.NewInt(15e16),
			wantErr:    model.ErrNotMultiple,
		},
		{
			name:       "long price below lower bound",
			long:       orderParams{trader: alice, qty: 1, price: 1700, salt: 1},
			short:      orderParams{trader: bob, qty: -1, price: 1700, salt: 2},
			fillAmount: big.NewInt(1e17),
			wantErr:    model.ErrLongPriceTooLow,
		},
		{
			name:       "short price above upper bound",
			long:       orderParams{trader: alice, qty: 1, price: 1830, salt: 1},
			short:      orderParams{trader: bob, qty: -1, price: 1830, salt: 2},
			fillAmount: big.NewInt(1e17),
			wantErr:    model.ErrShortPriceTooHigh,
		},
		{
			name:       "long side has short quantity",
			long:       orderParams{trader: alice, qty: -1, price: 1800, salt: 1},
			short:      orderParams{trader: bob, qty: -1, price: 1800, salt: 2},
			fillAmount: big.NewInt(1e17),
			wantErr:    model.ErrNotLongOrder,
		},
		{
			name:       "short side has long quantity",
			long:       orderParams{trader: alice, qty: 1, price: 1800, salt: 1},
			short:      orderParams{trader: bob, qty: 1, price: 1800, salt: 2},
			fillAmount: big.NewInt(1e17),
			wantErr:    model.ErrNotShortOrder,
		},
		{
			name:       "overfill",
			long:       orderParams{trader: alice, qty: 1, price: 1800, salt: 1},
			short:      orderParams{trader: bob, qty: -2, price: 1800, salt: 2},
			fillAmount: big.NewInt(11e17),
			wantErr:    model.ErrOverFill,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			long := f.place(t, tc.long, 10)
			short := f.place(t, tc.short, 10)
			_, err := f.resolver.Resolve(long, short, tc.fillAmount, 0)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestResolveUnplacedOrder(t *testing.T) {
	f := newFixture(t)
	long := f.place(t, orderParams{trader: alice, qty: 1, price: 1800, salt: 1}, 10)
	short := &model.Order{
		Market:            0,
		Trader:            bob,
		BaseAssetQuantity: big.NewInt(-1e18),
		Price:             big.NewInt(1800e6),
		Salt:              big.NewInt(99),
	}
	_, err := f.resolver.Resolve(long, short, big.NewInt(1e17), 0)
	assert.ErrorIs(t, err, model.ErrInvalidOrder)
}

func TestResolveIOCCannotBeMaker(t *testing.T) {
	f := newFixture(t)
	long := f.place(t, orderParams{trader: alice, qty: 1, price: 1800, salt: 1, orderType: model.IOC, expireAt: 100}, 5)
	short := f.place(t, orderParams{trader: bob, qty: -1, price: 1800, salt: 2}, 10)

	_, err := f.resolver.Resolve(long, short, big.NewInt(1e17), 50)
	assert.ErrorIs(t, err, model.ErrIOCExpired)
}

func TestResolveExpiredIOC(t *testing.T) {
	f := newFixture(t)
	long := f.place(t, orderParams{trader: alice, qty: 1, price: 1800, salt: 1, orderType: model.IOC, expireAt: 100}, 10)
	short := f.place(t, orderParams{trader: bob, qty: -1, price: 1800, salt: 2}, 10)

	_, err := f.resolver.Resolve(long, short, big.NewInt(1e17), 200)
	assert.ErrorIs(t, err, model.ErrIOCExpired)
}

func TestResolveSameBlockIOCShortMakesLongTheMaker(t *testing.T) {
	f := newFixture(t)
	long := f.place(t, orderParams{trader: alice, qty: 1, price: 1810, salt: 1}, 10)
	short := f.place(t, orderParams{trader: bob, qty: -1, price: 1800, salt: 2, orderType: model.IOC, expireAt: 100}, 10)

	res, err := f.resolver.Resolve(long, short, big.NewInt(1e17), 50)
	require.NoError(t, err)
	assert.Equal(t, model.ModeMaker, res.LongMode)
	assert.Equal(t, big.NewInt(1810e6), res.FillPrice)
}

func TestResolvePostOnlyCannotBeTaker(t *testing.T) {
	f := newFixture(t)
	long := f.place(t, orderParams{trader: alice, qty: 1, price: 1800, salt: 1}, 5)
	short := f.place(t, orderParams{trader: bob, qty: -1, price: 1800, salt: 2, postOnly: true}, 10)

	_, err := f.resolver.Resolve(long, short, big.NewInt(1e17), 0)
	assert.ErrorIs(t, err, model.ErrCrossingMarket)
}

func TestResolveReduceOnlyMustSurvive(t *testing.T) {
	f := newFixture(t)
	// alice is short 0.1, her reduce-only long may not exceed it
	f.ledger.SettleFill(bob, alice, 0, big.NewInt(1e17), big.NewInt(1800e6), model.ModeMaker, model.ModeTaker)

	long := f.place(t, orderParams{trader: alice, qty: 1, price: 1800, salt: 1, reduceOnly: true}, 10)
	short := f.place(t, orderParams{trader: bob, qty: -1, price: 1800, salt: 2}, 10)

	_, err := f.resolver.Resolve(long, short, big.NewInt(2e17), 0)
	assert.ErrorIs(t, err, model.ErrNotReducingPosition)

	res, err := f.resolver.Resolve(long, short, big.NewInt(1e17), 0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1800e6), res.FillPrice)
}

func TestResolveLiquidationLongOrder(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, orderParams{trader: alice, qty: 1, price: 1800, salt: 1}, 10)

	fillPrice, fillAmount, hash, err := f.resolver.ResolveLiquidation(order, big.NewInt(1e17), 0)
	require.NoError(t, err)
	wantHash, _ := order.Hash()
	assert.Equal(t, wantHash, hash)
	assert.Equal(t, big.NewInt(1800e6), fillPrice)
	assert.Equal(t, big.NewInt(1e17), fillAmount)
}

func TestResolveLiquidationShortOrderNegatesFill(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, orderParams{trader: alice, qty: -1, price: 1800, salt: 1}, 10)

	fillPrice, fillAmount, _, err := f.resolver.ResolveLiquidation(order, big.NewInt(1e17), 0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1800e6), fillPrice)
	assert.Equal(t, big.NewInt(-1e17), fillAmount)
}

func TestResolveLiquidationClampsToTradingBand(t *testing.T) {
	// a long order priced inside the liquidation band but above the trading
	// band fills at the trading upper bound
	f := newFixture(t)
	order := f.place(t, orderParams{trader: alice, qty: 1, price: 1900, salt: 1}, 10)

	fillPrice, _, _, err := f.resolver.ResolveLiquidation(order, big.NewInt(1e17), 0)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1818e6), fillPrice)
}

func TestResolveLiquidationRejectsOutsideLiquidationBand(t *testing.T) {
	f := newFixture(t)
	long := f.place(t, orderParams{trader: alice, qty: 1, price: 1600, salt: 1}, 10)
	_, _, _, err := f.resolver.ResolveLiquidation(long, big.NewInt(1e17), 0)
	assert.ErrorIs(t, err, model.ErrLongPriceTooLow)

	short := f.place(t, orderParams{trader: bob, qty: -1, price: 2000, salt: 2}, 10)
	_, _, _, err = f.resolver.ResolveLiquidation(short, big.NewInt(1e17), 0)
	assert.ErrorIs(t, err, model.ErrShortPriceTooHigh)
}

func TestResolveLiquidationGranularity(t *testing.T) {
	f := newFixture(t)
	order := f.place(t, orderParams{trader: alice, qty: 1, price: 1800, salt: 1}, 10)
	_, _, _, err := f.resolver.ResolveLiquidation(order, big.NewInt(15e16), 0)
	assert.ErrorIs(t, err, model.ErrNotMultiple)
}
