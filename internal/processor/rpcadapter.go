package processor

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/internal/rpccache"
	"github.com/kyomei-indexer/kyomei/pkg/handlerapi"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// rpcAdapter narrows the Cached RPC Client down to the handlerapi.RPC
// surface, resolving a handler-supplied "contract" — either a literal
// address or a configured static contract name — to the (address, ABI)
// pair rpccache.Client.ReadContract needs to pack/unpack the call.
type rpcAdapter struct {
	client   *rpccache.Client
	abi      *abidecoder.Registry
	resolver *contractIndex
}

func newRPCAdapter(client *rpccache.Client, abi *abidecoder.Registry, resolver *contractIndex) handlerapi.RPC {
	return &rpcAdapter{client: client, abi: abi, resolver: resolver}
}

// NewRPCAdapterForContracts builds the same handlerapi.RPC surface the
// Processor gives its handlers, for a caller (the Cron scheduler, spec
// §4.I) that has a static contract set but no per-block factory
// refresh loop of its own. Only the static contracts passed in are
// resolvable through it, by name or by address; factory-discovered
// contracts are not, whichever form the caller passes.
func NewRPCAdapterForContracts(client *rpccache.Client, abiReg *abidecoder.Registry, contracts []models.ContractDescriptor) handlerapi.RPC {
	return newRPCAdapter(client, abiReg, newContractIndex(contracts))
}

// addressAndABI resolves contract (address or name) to the concrete
// address and parsed ABI needed for a contract read.
func (a *rpcAdapter) addressAndABI(contract string) (string, abidecoder.ContractABI, error) {
	var address, name string
	if common.IsHexAddress(contract) {
		address = contract
		n, ok := a.resolver.Resolve(address)
		if !ok {
			return "", abidecoder.ContractABI{}, fmt.Errorf("no contract registered for address %q", contract)
		}
		name = n
	} else {
		addr, ok := a.resolver.StaticAddress(contract)
		if !ok {
			return "", abidecoder.ContractABI{}, fmt.Errorf("contract %q has no single static address; pass its address", contract)
		}
		address, name = addr, contract
	}

	contractABI, ok := a.abi.Get(name)
	if !ok {
		return "", abidecoder.ContractABI{}, fmt.Errorf("no ABI registered for contract %q", name)
	}
	return address, contractABI, nil
}

func (a *rpcAdapter) ReadContract(ctx context.Context, pinnedBlock uint64, contract, method string, args ...any) ([]byte, error) {
	address, contractABI, err := a.addressAndABI(contract)
	if err != nil {
		return nil, err
	}
	out, err := a.client.ReadContract(ctx, pinnedBlock, address, contractABI, method, args...)
	return []byte(out), err
}

func (a *rpcAdapter) GetBalance(ctx context.Context, pinnedBlock uint64, address string) ([]byte, error) {
	out, err := a.client.GetBalance(ctx, pinnedBlock, address)
	return []byte(out), err
}

func (a *rpcAdapter) GetBlock(ctx context.Context, pinnedBlock uint64) ([]byte, error) {
	out, err := a.client.GetBlock(ctx, pinnedBlock)
	return []byte(out), err
}

func (a *rpcAdapter) GetTransactionReceipt(ctx context.Context, pinnedBlock uint64, txHash string) ([]byte, error) {
	out, err := a.client.GetTransactionReceipt(ctx, pinnedBlock, txHash)
	return []byte(out), err
}
