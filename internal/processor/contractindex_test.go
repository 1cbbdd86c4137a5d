package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

func TestContractIndexResolvesStaticAddressesCaseInsensitively(t *testing.T) {
	idx := newContractIndex([]models.ContractDescriptor{
		{Name: "Token", ChainID: 1, Address: "0xAbCdEf0000000000000000000000000000000000"},
		{Name: "DynamicPair", ChainID: 1, Factory: &models.FactoryRef{FactoryName: "Factory"}},
	})

	name, ok := idx.Resolve("0xabcdef0000000000000000000000000000000000")
	assert.True(t, ok)
	assert.Equal(t, "Token", name)

	_, ok = idx.Resolve("0x0000000000000000000000000000000000000000")
	assert.False(t, ok)

	addr, ok := idx.StaticAddress("Token")
	assert.True(t, ok)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000000", addr)

	_, ok = idx.StaticAddress("DynamicPair")
	assert.False(t, ok, "factory-bound contracts have no single static address")
}

func TestContractIndexSkipsFactoryBoundContracts(t *testing.T) {
	idx := newContractIndex([]models.ContractDescriptor{
		{Name: "Pair", ChainID: 1, Factory: &models.FactoryRef{FactoryName: "Factory"}, Address: "0xshouldbeignored"},
	})
	_, ok := idx.Resolve("0xshouldbeignored")
	assert.False(t, ok)
}
