package book

import (
	"math/big"

	"github.com/tidwall/btree"
)

// MarketBook is the head-of-book state for one market: aggregate resting
// size per price level on each side. Levels are kept in sorted maps so the
// best price is an O(log n) edge lookup; there is no pointer-chased
// next-tick chain.
type MarketBook struct {
	bids *btree.Map[int64, *big.Int]
	asks *btree.Map[int64, *big.Int]
}

func NewMarketBook() *MarketBook {
	return &MarketBook{
		bids: btree.NewMap[int64, *big.Int](32),
		asks: btree.NewMap[int64, *big.Int](32),
	}
}

// Add rests size (a positive 1e18 amount) at a price level. isBid selects
// the side.
func (b *MarketBook) Add(isBid bool, price, size *big.Int) {
	side := b.asks
	if isBid {
		side = b.bids
	}
	key := price.Int64()
	if cur, ok := side.Get(key); ok {
		cur.Add(cur, size)
		return
	}
	side.Set(key, new(big.Int).Set(size))
}

// Remove retires size from a price level, deleting the level when it
// empties.
func (b *MarketBook) Remove(isBid bool, price, size *big.Int) {
	side := b.asks
	if isBid {
		side = b.bids
	}
	key := price.Int64()
	cur, ok := side.Get(key)
	if !ok {
		return
	}
	cur.Sub(cur, size)
	if cur.Sign() <= 0 {
		side.Delete(key)
	}
}

// BidsHead returns the best bid price and its aggregate size; a zero price
// means the side is empty.
func (b *MarketBook) BidsHead() (price, size *big.Int) {
	key, v, ok := b.bids.Max()
	if !ok {
		return big.NewInt(0), big.NewInt(0)
	}
	return big.NewInt(key), new(big.Int).Set(v)
}

// AsksHead returns the best ask price and its aggregate size; a zero price
// means the side is empty.
func (b *MarketBook) AsksHead() (price, size *big.Int) {
	key, v, ok := b.asks.Min()
	if !ok {
		return big.NewInt(0), big.NewInt(0)
	}
	return big.NewInt(key), new(big.Int).Set(v)
}
