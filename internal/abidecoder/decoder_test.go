package abidecoder

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

const erc20ABI = `[
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}
	]}
]`

func transferTopic0(t *testing.T) string {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	return parsed.Events["Transfer"].ID.Hex()
}

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	parsed, err := Parse("Token", []byte(erc20ABI))
	require.NoError(t, err)
	r := NewRegistry()
	r.Register(parsed)
	return r
}

func TestDecodeOrdersArgsAndTypesThem(t *testing.T) {
	r := mustRegistry(t)
	topic0 := transferTopic0(t)

	from := common.HexToHash("0x000000000000000000000000000000000000000000000000000000000000aaaa")
	to := common.HexToHash("0x000000000000000000000000000000000000000000000000000000000000bbbb")
	fromHex := from.Hex()
	toHex := to.Hex()

	value := new(big.Int).SetUint64(1_000_000)
	packed, err := abi.Arguments{{Type: mustType(t, "uint256")}}.Pack(value)
	require.NoError(t, err)

	raw := models.RawEvent{
		ChainID:  1,
		Address:  "0xcontract",
		Topic0:   topic0,
		Topic1:   &fromHex,
		Topic2:   &toHex,
		Data:     packed,
	}

	decoded, err := r.Decode(raw, "Token")
	require.NoError(t, err)
	assert.Equal(t, "Transfer", decoded.EventName)
	require.Len(t, decoded.Args, 3)
	assert.Equal(t, "from", decoded.Args[0].Name)
	assert.Equal(t, "to", decoded.Args[1].Name)
	assert.Equal(t, "value", decoded.Args[2].Name)

	gotValue, ok := decoded.BigInt("value")
	require.True(t, ok)
	assert.Equal(t, 0, gotValue.Cmp(value))

	gotFrom, ok := decoded.String("from")
	require.True(t, ok)
	assert.Equal(t, common.BytesToAddress(from.Bytes()).Hex(), common.HexToAddress(gotFrom).Hex())
}

func TestDecodeUnknownTopicIsDecodeError(t *testing.T) {
	r := mustRegistry(t)
	raw := models.RawEvent{Topic0: "0xdeadbeef"}
	_, err := r.Decode(raw, "Token")
	assert.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.DecodeError))
}

func TestDecodeMissingTopicForIndexedArgIsDecodeError(t *testing.T) {
	r := mustRegistry(t)
	topic0 := transferTopic0(t)
	raw := models.RawEvent{Topic0: topic0} // missing Topic1/Topic2
	_, err := r.Decode(raw, "Token")
	assert.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.DecodeError))
}

func TestEventNameMatchesTopic0CaseInsensitively(t *testing.T) {
	r := mustRegistry(t)
	topic0 := transferTopic0(t)

	name, ok := r.EventName("Token", topic0)
	require.True(t, ok)
	assert.Equal(t, "Transfer", name)

	name, ok = r.EventName("Token", strings.ToUpper(topic0))
	require.True(t, ok)
	assert.Equal(t, "Transfer", name)

	_, ok = r.EventName("Token", "0xnotreal")
	assert.False(t, ok)

	_, ok = r.EventName("Unregistered", topic0)
	assert.False(t, ok)
}

func mustType(t *testing.T, name string) abi.Type {
	t.Helper()
	ty, err := abi.NewType(name, "", nil)
	require.NoError(t, err)
	return ty
}
