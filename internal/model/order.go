package model

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// OrderType discriminates resting limit orders from immediate-or-cancel
// orders. The numeric values are part of the wire contract.
type OrderType uint8

const (
	Limit OrderType = iota
	IOC
)

// OrderStatus is the lifecycle state of an order fingerprint. Invalid is the
// implicit state of any fingerprint that was never created; it is never
// stored explicitly.
type OrderStatus uint8

const (
	Invalid OrderStatus = iota
	Placed
	Filled
	Cancelled
)

func (s OrderStatus) String() string {
	switch s {
	case Invalid:
		return "invalid"
	case Placed:
		return "placed"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Side of an order is encoded in the sign of BaseAssetQuantity; Liquidation
// is a pseudo-side used when validating an order against a liquidation fill.
type Side uint8

const (
	Long Side = iota
	Short
	Liquidation
)

// ExecutionMode records whose limit price governed a fill. The numeric
// values are part of the wire contract: the maker (price-setting) side is 1.
type ExecutionMode uint8

const (
	ModeTaker ExecutionMode = iota
	ModeMaker
)

// Order is a signed perpetual-futures order. BaseAssetQuantity is a signed
// 1e18 fixed-point amount whose sign encodes the side (positive = long);
// Price is an unsigned 1e6 fixed-point limit price. The fingerprint returned
// by Hash covers every field, so two otherwise-identical orders are
// distinguished by Salt.
type Order struct {
	Market            int64          `json:"ammIndex"`
	Trader            common.Address `json:"trader"`
	BaseAssetQuantity *big.Int       `json:"baseAssetQuantity"`
	Price             *big.Int       `json:"price"`
	Salt              *big.Int       `json:"salt"`
	ReduceOnly        bool           `json:"reduceOnly"`
	PostOnly          bool           `json:"postOnly"`
	OrderType         OrderType      `json:"orderType"`
	ExpireAt          *big.Int       `json:"expireAt,omitempty"` // IOC only, unix seconds
}

// Side returns Long for positive quantities and Short otherwise. Zero
// quantities are rejected during validation before Side is consulted.
func (o *Order) Side() Side {
	if o.BaseAssetQuantity.Sign() >= 0 {
		return Long
	}
	return Short
}

func (o *Order) String() string {
	return fmt.Sprintf("market=%d trader=%s baseAssetQuantity=%s price=%s salt=%s reduceOnly=%v postOnly=%v type=%d",
		o.Market, o.Trader.Hex(), o.BaseAssetQuantity, o.Price, o.Salt, o.ReduceOnly, o.PostOnly, o.OrderType)
}

// Domain parameters for the typed-data fingerprint. Defaults are suitable
// for tests; deployments override them from config at startup.
var (
	chainID           int64 = 321123
	verifyingContract       = "0x0300000000000000000000000000000000000000"
)

// SetDomain overrides the EIP-712 signing domain used for order
// fingerprints. Must be called before any hashing, typically from config.
func SetDomain(id int64, contract string) {
	chainID = id
	verifyingContract = contract
}

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": {
		{Name: "orderType", Type: "uint8"},
		{Name: "expireAt", Type: "uint256"},
		{Name: "ammIndex", Type: "uint256"},
		{Name: "trader", Type: "address"},
		{Name: "baseAssetQuantity", Type: "int256"},
		{Name: "price", Type: "uint256"},
		{Name: "salt", Type: "uint256"},
		{Name: "reduceOnly", Type: "bool"},
		{Name: "postOnly", Type: "bool"},
	},
}

// Hash returns the deterministic fingerprint of the order: an EIP-712
// typed-data hash over all fields. Field order is fixed by the type
// definition above and is part of the wire contract.
func (o *Order) Hash() (common.Hash, error) {
	expireAt := big.NewInt(0)
	if o.ExpireAt != nil {
		expireAt = o.ExpireAt
	}
	message := map[string]interface{}{
		"orderType":         strconv.FormatUint(uint64(o.OrderType), 10),
		"expireAt":          expireAt.String(),
		"ammIndex":          strconv.FormatInt(o.Market, 10),
		"trader":            o.Trader.String(),
		"baseAssetQuantity": o.BaseAssetQuantity.String(),
		"price":             o.Price.String(),
		"salt":              o.Salt.String(),
		"reduceOnly":        o.ReduceOnly,
		"postOnly":          o.PostOnly,
	}
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "perpcore",
			Version:           "1.0",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: message,
	}
	return encodeForSigning(typedData)
}

func encodeForSigning(typedData apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, err
	}
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return common.BytesToHash(crypto.Keccak256(rawData)), nil
}

// LifecycleRecord is the stored state of an order fingerprint. The zero
// value is the Invalid record returned for unknown fingerprints.
type LifecycleRecord struct {
	Status         OrderStatus
	BlockPlaced    uint64
	FilledAmount   *big.Int // signed, same sign as the order's quantity
	ReservedMargin *big.Int
}
