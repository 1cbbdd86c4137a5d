// Package rpccache implements the Cached RPC Client (spec §4.B):
// deterministic readContract/getBalance/getBlock/getTransactionReceipt
// calls keyed by (chainId, pinnedBlock, method, hash(canonical params)),
// cache-through to the rpc_cache table so replays are byte-identical.
package rpccache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// Client pins every call to a specific block and caches the response
// through Store. One Client is constructed per chain.
type Client struct {
	chainID uint64
	eth     *ethclient.Client
	store   *store.Store
}

func New(chainID uint64, eth *ethclient.Client, st *store.Store) *Client {
	return &Client{chainID: chainID, eth: eth, store: st}
}

// canonicalParams marshals args deterministically (Go's encoding/json
// already emits map keys sorted and struct fields in declaration order,
// which is sufficient determinism for a fixed Go type).
func canonicalParams(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize params: %w", err)
	}
	return b, nil
}

func requestHash(method string, params []byte) string {
	h := sha256.Sum256(append([]byte(method), params...))
	return hex.EncodeToString(h[:])
}

// cacheThrough resolves a cache hit or calls fetch on miss, writing the
// result back with ON CONFLICT DO NOTHING so concurrent identical misses
// are safe (spec §4.B).
func (c *Client) cacheThrough(ctx context.Context, pinnedBlock uint64, method string, params any, fetch func() (json.RawMessage, error)) (json.RawMessage, error) {
	canon, err := canonicalParams(params)
	if err != nil {
		return nil, err
	}
	hash := requestHash(method, canon)

	if cached, err := c.store.GetCachedResponse(ctx, c.chainID, pinnedBlock, hash); err != nil {
		return nil, err
	} else if cached != nil {
		return cached, nil
	}

	resp, err := fetch()
	if err != nil {
		return nil, err
	}

	if err := c.store.PutCachedResponse(ctx, models.RPCCacheEntry{
		ChainID: c.chainID, BlockNumber: pinnedBlock, RequestHash: hash,
		Method: method, Params: canon, Response: resp,
	}); err != nil {
		return nil, err
	}
	return resp, nil
}

// ReadContract ABI-encodes the call, executes it pinned to pinnedBlock,
// and decodes the return values into a portable JSON array.
func (c *Client) ReadContract(ctx context.Context, pinnedBlock uint64, contractAddr string, contractABI abidecoder.ContractABI, method string, args ...any) (json.RawMessage, error) {
	type params struct {
		Contract string `json:"contract"`
		Method   string `json:"method"`
		Args     []any  `json:"args"`
	}

	return c.cacheThrough(ctx, pinnedBlock, "readContract", params{contractAddr, method, args}, func() (json.RawMessage, error) {
		data, err := contractABI.ABI().Pack(method, args...)
		if err != nil {
			return nil, fmt.Errorf("pack call to %q: %w", method, err)
		}

		to := common.HexToAddress(contractAddr)
		out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, new(big.Int).SetUint64(pinnedBlock))
		if err != nil {
			return nil, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("call contract %q.%s: %w", contractAddr, method, err))
		}

		values, err := contractABI.ABI().Unpack(method, out)
		if err != nil {
			return nil, fmt.Errorf("unpack result of %q: %w", method, err)
		}
		return json.Marshal(portableAll(values))
	})
}

func (c *Client) GetBalance(ctx context.Context, pinnedBlock uint64, address string) (json.RawMessage, error) {
	return c.cacheThrough(ctx, pinnedBlock, "getBalance", address, func() (json.RawMessage, error) {
		bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), new(big.Int).SetUint64(pinnedBlock))
		if err != nil {
			return nil, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("get balance %q: %w", address, err))
		}
		return json.Marshal(bal.String())
	})
}

func (c *Client) GetBlock(ctx context.Context, pinnedBlock uint64) (json.RawMessage, error) {
	return c.cacheThrough(ctx, pinnedBlock, "getBlock", pinnedBlock, func() (json.RawMessage, error) {
		block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(pinnedBlock))
		if err != nil {
			return nil, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("get block %d: %w", pinnedBlock, err))
		}
		return json.Marshal(map[string]any{
			"number":    block.NumberU64(),
			"hash":      strings.ToLower(block.Hash().Hex()),
			"timestamp": block.Time(),
			"txCount":   len(block.Transactions()),
		})
	})
}

func (c *Client) GetTransactionReceipt(ctx context.Context, pinnedBlock uint64, txHash string) (json.RawMessage, error) {
	return c.cacheThrough(ctx, pinnedBlock, "getTransactionReceipt", txHash, func() (json.RawMessage, error) {
		receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txHash))
		if err != nil {
			return nil, errkind.Wrap(errkind.SourceTransient, fmt.Errorf("get receipt %q: %w", txHash, err))
		}
		return json.Marshal(map[string]any{
			"status":      receipt.Status,
			"blockNumber": receipt.BlockNumber.Uint64(),
			"gasUsed":     receipt.GasUsed,
			"logsCount":   len(receipt.Logs),
		})
	})
}

func portableAll(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		switch val := v.(type) {
		case common.Address:
			out[i] = strings.ToLower(val.Hex())
		case *big.Int:
			out[i] = val.String()
		default:
			out[i] = val
		}
	}
	return out
}
