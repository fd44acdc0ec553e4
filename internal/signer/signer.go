// Package signer verifies order authenticity and trading-authority
// delegation. Orders are signed over their EIP-712 fingerprint; a trader may
// whitelist delegate addresses allowed to act on their behalf.
package signer

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/openclob/perpcore/internal/model"
)

var ErrBadSignature = errors.New("invalid signature")

// Registry resolves order signatures and tracks trading authorities.
type Registry struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	authorities map[common.Address]map[common.Address]bool
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:      logger.Named("signer"),
		authorities: make(map[common.Address]map[common.Address]bool),
	}
}

// VerifySigner recovers the address that signed the order's fingerprint.
// Signatures are 65 bytes [R || S || V] with V either 0/1 or 27/28.
func (r *Registry) VerifySigner(order *model.Order, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrBadSignature
	}
	hash, err := order.Hash()
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// IsTradingAuthority reports whether delegate is whitelisted for trader.
func (r *Registry) IsTradingAuthority(trader, delegate common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.authorities[trader][delegate]
}

// WhitelistTradingAuthority lets delegate place and cancel orders for
// trader.
func (r *Registry) WhitelistTradingAuthority(trader, delegate common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.authorities[trader] == nil {
		r.authorities[trader] = make(map[common.Address]bool)
	}
	r.authorities[trader][delegate] = true
	r.logger.Info("trading authority whitelisted",
		zap.String("trader", trader.Hex()),
		zap.String("delegate", delegate.Hex()),
	)
}

// RevokeTradingAuthority removes a delegation.
func (r *Registry) RevokeTradingAuthority(trader, delegate common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.authorities[trader], delegate)
}

// Authorized is the placement/cancellation authorization rule: the sender is
// the trader or a whitelisted authority.
func (r *Registry) Authorized(trader, sender common.Address) bool {
	return trader == sender || r.IsTradingAuthority(trader, sender)
}
