package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openclob/perpcore/internal/model"
)

func TestVerifySignerRoundtrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	trader := crypto.PubkeyToAddress(key.PublicKey)

	order := &model.Order{
		Market:            0,
		Trader:            trader,
		BaseAssetQuantity: big.NewInt(5e18),
		Price:             big.NewInt(1800e6),
		Salt:              big.NewInt(42),
	}
	hash, err := order.Hash()
	require.NoError(t, err)
	sig, err := crypto.Sign(hash.Bytes(), key)
	require.NoError(t, err)

	r := NewRegistry(zaptest.NewLogger(t))
	recovered, err := r.VerifySigner(order, sig)
	require.NoError(t, err)
	assert.Equal(t, trader, recovered)

	// ethereum tooling commonly emits V as 27/28
	legacy := make([]byte, 65)
	copy(legacy, sig)
	legacy[64] += 27
	recovered, err = r.VerifySigner(order, legacy)
	require.NoError(t, err)
	assert.Equal(t, trader, recovered)
}

func TestVerifySignerRejectsBadInput(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	order := &model.Order{
		Trader:            common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		BaseAssetQuantity: big.NewInt(1e18),
		Price:             big.NewInt(1800e6),
		Salt:              big.NewInt(1),
	}
	_, err := r.VerifySigner(order, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestTradingAuthority(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	trader := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	delegate := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	assert.True(t, r.Authorized(trader, trader))
	assert.False(t, r.Authorized(trader, delegate))

	r.WhitelistTradingAuthority(trader, delegate)
	assert.True(t, r.IsTradingAuthority(trader, delegate))
	assert.True(t, r.Authorized(trader, delegate))

	r.RevokeTradingAuthority(trader, delegate)
	assert.False(t, r.Authorized(trader, delegate))
}
