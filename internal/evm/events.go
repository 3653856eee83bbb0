// Package evm holds the event signatures and log decoding shared by the
// transfer and liquidity subscription managers.
package evm

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// TransferEvent is Transfer(address,address,uint256) for ERC-20 tokens.
	TransferEvent = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	// BurnV2Event is the constant-product pair Burn event.
	BurnV2Event = crypto.Keccak256Hash([]byte("Burn(address,uint256,uint256,address)"))

	// BurnV3Event is the concentrated-liquidity pool Burn event.
	BurnV3Event = crypto.Keccak256Hash([]byte("Burn(address,int24,int24,uint128,uint256,uint256)"))

	// BurnEvents is the topic-0 alternatives for a pool liquidity removal.
	BurnEvents = []common.Hash{BurnV2Event, BurnV3Event}
)

var (
	ErrNotTransfer   = errors.New("log is not an ERC-20 transfer")
	ErrNotBurn       = errors.New("log is not a pool burn")
	ErrMalformedLog  = errors.New("malformed log")
	errDirtyTopicPad = errors.New("address topic has non-zero padding")
)

// PoolKind distinguishes the two liquidity pool shapes.
type PoolKind string

const (
	PoolV2 PoolKind = "v2"
	PoolV3 PoolKind = "v3"
)

// Transfer is a decoded ERC-20 Transfer log.
type Transfer struct {
	Token    common.Address
	From     common.Address
	To       common.Address
	Amount   *big.Int
	TxHash   common.Hash
	LogIndex uint
	Block    uint64
	Removed  bool
}

// Burn is a decoded pool liquidity removal log.
type Burn struct {
	Pool    common.Address
	Kind    PoolKind
	TxHash  common.Hash
	Removed bool
}

// PadAddress left-pads an address into a 32-byte topic.
func PadAddress(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// PadAddresses pads every address in addrs.
func PadAddresses(addrs []common.Address) []common.Hash {
	out := make([]common.Hash, len(addrs))
	for i, a := range addrs {
		out[i] = PadAddress(a)
	}
	return out
}

// AddressFromTopic recovers an address from a padded topic. The upper 12
// bytes must be zero.
func AddressFromTopic(topic common.Hash) (common.Address, error) {
	b := topic.Bytes()
	for _, x := range b[:common.HashLength-common.AddressLength] {
		if x != 0 {
			return common.Address{}, errDirtyTopicPad
		}
	}
	return common.BytesToAddress(b), nil
}

// DecodeTransfer decodes an ERC-20 Transfer log. ERC-721 transfers share the
// signature but carry a fourth topic and are rejected.
func DecodeTransfer(l types.Log) (Transfer, error) {
	if len(l.Topics) == 0 || l.Topics[0] != TransferEvent {
		return Transfer{}, ErrNotTransfer
	}
	if len(l.Topics) != 3 {
		return Transfer{}, ErrNotTransfer
	}

	from, err := AddressFromTopic(l.Topics[1])
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: from: %v", ErrMalformedLog, err)
	}
	to, err := AddressFromTopic(l.Topics[2])
	if err != nil {
		return Transfer{}, fmt.Errorf("%w: to: %v", ErrMalformedLog, err)
	}

	amount := new(big.Int)
	if len(l.Data) >= 32 {
		amount.SetBytes(l.Data[:32])
	}

	return Transfer{
		Token:    l.Address,
		From:     from,
		To:       to,
		Amount:   amount,
		TxHash:   l.TxHash,
		LogIndex: l.Index,
		Block:    l.BlockNumber,
		Removed:  l.Removed,
	}, nil
}

// DecodeBurn decodes a V2 or V3 pool Burn log.
func DecodeBurn(l types.Log) (Burn, error) {
	if len(l.Topics) == 0 {
		return Burn{}, ErrNotBurn
	}

	var kind PoolKind
	switch l.Topics[0] {
	case BurnV2Event:
		kind = PoolV2
	case BurnV3Event:
		kind = PoolV3
	default:
		return Burn{}, ErrNotBurn
	}

	return Burn{
		Pool:    l.Address,
		Kind:    kind,
		TxHash:  l.TxHash,
		Removed: l.Removed,
	}, nil
}

// ParseAddress parses a hex address string.
func ParseAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// Lower is the canonical lower-case hex form used as store and map keys.
func Lower(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// AddressSet is a membership set of addresses.
type AddressSet map[common.Address]struct{}

// NewAddressSet builds a set from hex strings, skipping invalid entries.
func NewAddressSet(hexAddrs []string) AddressSet {
	set := make(AddressSet, len(hexAddrs))
	for _, s := range hexAddrs {
		if a, ok := ParseAddress(s); ok {
			set[a] = struct{}{}
		}
	}
	return set
}

// Has reports whether addr is in the set.
func (s AddressSet) Has(addr common.Address) bool {
	_, ok := s[addr]
	return ok
}

// Slice returns the set members in lexical order.
func (s AddressSet) Slice() []common.Address {
	out := make([]common.Address, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b common.Address) int { return a.Cmp(b) })
	return out
}

// Key is a stable signature of the set, used to detect membership changes.
func (s AddressSet) Key() string {
	addrs := s.Slice()
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = Lower(a)
	}
	return strings.Join(parts, ",")
}
