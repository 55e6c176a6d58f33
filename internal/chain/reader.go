// Package chain reads ERC-4626 share prices over Ethereum RPC and turns
// successive samples into an APY estimate.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	erc4626ABIJSON = `[
{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`
)

var (
	erc4626ABI abi.ABI

	ErrNotConfigured = errors.New("ethereum rpc url not configured")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ABIJSON))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	erc4626ABI = parsed
}

// Caller is the RPC surface the reader needs; *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Options parameterise the reader.
type Options struct {
	RPCURL  string
	Timeout time.Duration
}

// Sample is one share-price observation.
type Sample struct {
	Vault common.Address
	// Price is assets per whole share.
	Price decimal.Decimal
	Block uint64
	At    time.Time
}

// VaultReader samples ERC-4626 share prices.
type VaultReader struct {
	opts      Options
	logger    zerolog.Logger
	client    Caller
	clientMux sync.Mutex
	decimals  map[common.Address]uint8
}

// NewVaultReader builds a reader that dials opts.RPCURL lazily.
func NewVaultReader(opts Options, logger zerolog.Logger) *VaultReader {
	return &VaultReader{
		opts:     opts,
		logger:   logger.With().Str("component", "vault_reader").Logger(),
		decimals: make(map[common.Address]uint8),
	}
}

// NewVaultReaderWithCaller builds a reader over an existing client.
func NewVaultReaderWithCaller(c Caller, opts Options, logger zerolog.Logger) *VaultReader {
	r := NewVaultReader(opts, logger)
	r.client = c
	return r
}

// SharePrice reads convertToAssets(10^decimals) from vault.
func (r *VaultReader) SharePrice(ctx context.Context, vault common.Address, at time.Time) (Sample, error) {
	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return Sample{}, err
	}

	dec, err := r.vaultDecimals(ctx, client, vault)
	if err != nil {
		return Sample{}, err
	}
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)
	out, err := r.call(ctx, client, vault, "convertToAssets", one)
	if err != nil {
		return Sample{}, err
	}
	assets, ok := out[0].(*big.Int)
	if !ok {
		return Sample{}, errors.New("failed to decode convertToAssets output")
	}

	block, err := client.BlockNumber(ctx)
	if err != nil {
		return Sample{}, err
	}
	return Sample{
		Vault: vault,
		Price: decimal.NewFromBigInt(assets, -int32(dec)),
		Block: block,
		At:    at,
	}, nil
}

func (r *VaultReader) vaultDecimals(ctx context.Context, client Caller, vault common.Address) (uint8, error) {
	r.clientMux.Lock()
	dec, ok := r.decimals[vault]
	r.clientMux.Unlock()
	if ok {
		return dec, nil
	}
	out, err := r.call(ctx, client, vault, "decimals")
	if err != nil {
		return 0, err
	}
	dec, ok = out[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	r.clientMux.Lock()
	r.decimals[vault] = dec
	r.clientMux.Unlock()
	return dec, nil
}

func (r *VaultReader) call(ctx context.Context, client Caller, vault common.Address, method string, args ...any) ([]any, error) {
	payload, err := erc4626ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &vault, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, vault.Hex(), err)
	}
	out, err := erc4626ABI.Unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return out, nil
}

func (r *VaultReader) getClient(ctx context.Context) (Caller, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	if r.opts.RPCURL == "" {
		return nil, ErrNotConfigured
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}
