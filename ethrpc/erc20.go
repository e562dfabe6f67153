package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrNotContract is returned when an ERC-20 read targets an address
	// with no deployed code.
	ErrNotContract = errors.New("ethrpc: address is not a contract")

	// ErrNotERC20 is returned when a contract call succeeds but the return
	// data cannot be an ERC-20 response (empty or malformed).
	ErrNotERC20 = errors.New("ethrpc: contract does not implement ERC-20")
)

// 4-byte call selectors, keccak256(signature)[0:4].
var (
	selectorName      = crypto.Keccak256([]byte("name()"))[:4]
	selectorSymbol    = crypto.Keccak256([]byte("symbol()"))[:4]
	selectorDecimals  = crypto.Keccak256([]byte("decimals()"))[:4]
	selectorBalanceOf = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// TokenName reads the name() of an ERC-20 token contract.
func (c *Client) TokenName(ctx context.Context, token common.Address) (string, error) {
	ret, err := c.erc20Call(ctx, token, selectorName, nil)
	if err != nil {
		return "", err
	}
	return decodeABIString(ret)
}

// TokenSymbol reads the symbol() of an ERC-20 token contract.
func (c *Client) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	ret, err := c.erc20Call(ctx, token, selectorSymbol, nil)
	if err != nil {
		return "", err
	}
	return decodeABIString(ret)
}

// TokenDecimals reads the decimals() of an ERC-20 token contract.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	ret, err := c.erc20Call(ctx, token, selectorDecimals, nil)
	if err != nil {
		return 0, err
	}
	n, err := decodeABIUint(ret)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() || n.Uint64() > 255 {
		return 0, fmt.Errorf("%w: decimals out of range", ErrNotERC20)
	}
	return uint8(n.Uint64()), nil
}

// TokenBalanceAt reads balanceOf(holder) on token at the given block height.
// The balance is returned as a decimal string because token amounts routinely
// exceed 64-bit precision.
func (c *Client) TokenBalanceAt(ctx context.Context, token, holder common.Address, blockNumber uint64) (string, error) {
	data := make([]byte, 0, 36)
	data = append(data, selectorBalanceOf...)
	data = append(data, common.LeftPadBytes(holder.Bytes(), 32)...)

	ret, err := c.erc20Call(ctx, token, data, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return "", err
	}
	n, err := decodeABIUint(ret)
	if err != nil {
		return "", err
	}
	return n.String(), nil
}

// erc20Call verifies the target is a contract and then issues the call. The
// code check turns balance probes against externally owned accounts into a
// typed skip signal instead of a decode failure.
func (c *Client) erc20Call(ctx context.Context, token common.Address, data []byte, blockNumber *big.Int) ([]byte, error) {
	code, err := c.CodeAt(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("get code for %s: %w", token.Hex(), err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotContract, token.Hex())
	}
	ret, err := c.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", token.Hex(), err)
	}
	return ret, nil
}

// decodeABIString decodes a single ABI-encoded string return value:
// offset(32) || length(32) || utf8 bytes right-padded to a 32-byte boundary.
func decodeABIString(ret []byte) (string, error) {
	if len(ret) == 0 {
		return "", ErrNotERC20
	}
	if len(ret) < 64 {
		return "", fmt.Errorf("%w: string return too short", ErrNotERC20)
	}
	// Return data comes from arbitrary contracts; both words must be
	// validated with subtraction so near-2^64 values cannot wrap the
	// bounds checks and panic the slice expressions.
	total := uint64(len(ret))
	offset := new(big.Int).SetBytes(ret[:32])
	if !offset.IsUint64() || offset.Uint64() > total-32 {
		return "", fmt.Errorf("%w: bad string offset", ErrNotERC20)
	}
	start := offset.Uint64()
	length := new(big.Int).SetBytes(ret[start : start+32])
	if !length.IsUint64() || length.Uint64() > total-start-32 {
		return "", fmt.Errorf("%w: bad string length", ErrNotERC20)
	}
	s := string(ret[start+32 : start+32+length.Uint64()])
	s = strings.TrimRight(s, "\x00")
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: string not valid utf-8", ErrNotERC20)
	}
	return s, nil
}

// decodeABIUint decodes a single 32-byte big-endian unsigned integer return.
func decodeABIUint(ret []byte) (*big.Int, error) {
	if len(ret) == 0 {
		return nil, ErrNotERC20
	}
	if len(ret) < 32 {
		return nil, fmt.Errorf("%w: uint return too short", ErrNotERC20)
	}
	return new(big.Int).SetBytes(ret[:32]), nil
}
