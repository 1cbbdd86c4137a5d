// Package abidecoder turns a RawEvent plus a contract's ABI into a
// DecodedEvent with named, ordered arguments — the generalization of the
// teacher's internal/handler/events.go, which hand-unpacked each known
// event's topics and data field-by-field. Here the field layout comes
// from an arbitrary user-supplied ABI via go-ethereum's accounts/abi
// package, per spec §9 ("ABI-driven decoding").
package abidecoder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// ContractABI is one parsed, registered contract ABI. Events are matched
// to a topic0 by scanning the ABI's event list.
type ContractABI struct {
	Name   string
	parsed abi.ABI
}

// Parse parses rawJSON (the standard solc ABI JSON array) into a
// ContractABI usable by Registry.
func Parse(name string, rawJSON []byte) (ContractABI, error) {
	parsed, err := abi.JSON(strings.NewReader(string(rawJSON)))
	if err != nil {
		return ContractABI{}, fmt.Errorf("parse ABI for contract %q: %w", name, err)
	}
	return ContractABI{Name: name, parsed: parsed}, nil
}

// Registry resolves a contract name to its parsed ABI and decodes raw
// log rows against it.
type Registry struct {
	contracts map[string]ContractABI
}

func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]ContractABI)}
}

func (r *Registry) Register(c ContractABI) {
	r.contracts[c.Name] = c
}

func (r *Registry) Get(contractName string) (ContractABI, bool) {
	c, ok := r.contracts[contractName]
	return c, ok
}

// ABI exposes the parsed go-ethereum ABI for callers that need to pack a
// method call (the Cached RPC Client's readContract), not just decode
// events.
func (c ContractABI) ABI() abi.ABI { return c.parsed }

// EventName returns the ABI event name matching topic0, if any is
// registered for contractName.
func (r *Registry) EventName(contractName, topic0 string) (string, bool) {
	c, ok := r.contracts[contractName]
	if !ok {
		return "", false
	}
	for _, ev := range c.parsed.Events {
		if strings.EqualFold(ev.ID.Hex(), topic0) {
			return ev.Name, true
		}
	}
	return "", false
}

// Decode unpacks raw against contractName's ABI. A decode failure is
// returned errkind.DecodeError-wrapped; callers should log and skip per
// spec §4.H rather than halt the stream.
func (r *Registry) Decode(raw models.RawEvent, contractName string) (models.DecodedEvent, error) {
	c, ok := r.contracts[contractName]
	if !ok {
		return models.DecodedEvent{}, errkind.Wrap(errkind.DecodeError, fmt.Errorf("no ABI registered for contract %q", contractName))
	}

	var event *abi.Event
	for i := range c.parsed.Events {
		ev := c.parsed.Events[i]
		if strings.EqualFold(ev.ID.Hex(), raw.Topic0) {
			event = &ev
			break
		}
	}
	if event == nil {
		return models.DecodedEvent{}, errkind.Wrap(errkind.DecodeError, fmt.Errorf("no event matches topic0 %s in contract %q", raw.Topic0, contractName))
	}

	args := make([]models.Arg, 0, len(event.Inputs))

	indexedTopics := rawTopics(raw)
	topicIdx := 1 // topics[0] is the event signature
	var nonIndexed abi.Arguments
	for _, input := range event.Inputs {
		if !input.Indexed {
			nonIndexed = append(nonIndexed, input)
			continue
		}
		if topicIdx >= len(indexedTopics) {
			return models.DecodedEvent{}, errkind.Wrap(errkind.DecodeError, fmt.Errorf("event %q: missing topic for indexed arg %q", event.Name, input.Name))
		}
		val, err := decodeIndexedTopic(input, indexedTopics[topicIdx])
		if err != nil {
			return models.DecodedEvent{}, errkind.Wrap(errkind.DecodeError, fmt.Errorf("event %q arg %q: %w", event.Name, input.Name, err))
		}
		args = append(args, models.Arg{Name: input.Name, Value: val})
		topicIdx++
	}

	if len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(raw.Data)
		if err != nil {
			return models.DecodedEvent{}, errkind.Wrap(errkind.DecodeError, fmt.Errorf("event %q: unpack data: %w", event.Name, err))
		}
		for i, input := range nonIndexed {
			args = append(args, models.Arg{Name: input.Name, Value: portable(values[i])})
		}
	}

	return models.DecodedEvent{
		Raw:          raw,
		ContractName: contractName,
		EventName:    event.Name,
		Args:         orderArgs(event, args),
	}, nil
}

// orderArgs restores ABI declaration order: indexed and non-indexed
// args were appended to separate slices above and need interleaving
// back into the event's original input order for handler ergonomics.
func orderArgs(event *abi.Event, unordered []models.Arg) []models.Arg {
	byName := make(map[string]models.Arg, len(unordered))
	for _, a := range unordered {
		byName[a.Name] = a
	}
	ordered := make([]models.Arg, 0, len(event.Inputs))
	for _, input := range event.Inputs {
		if a, ok := byName[input.Name]; ok {
			ordered = append(ordered, a)
		}
	}
	return ordered
}

func rawTopics(raw models.RawEvent) []string {
	topics := []string{raw.Topic0}
	for _, t := range []*string{raw.Topic1, raw.Topic2, raw.Topic3} {
		if t == nil {
			break
		}
		topics = append(topics, *t)
	}
	return topics
}

// decodeIndexedTopic decodes one topic word against its ABI type.
// Indexed dynamic types (string, bytes, arrays) are hashed by the EVM,
// not recoverable — they're surfaced as the raw topic hex per the
// standard ABI limitation.
func decodeIndexedTopic(arg abi.Argument, topicHex string) (any, error) {
	topic := common.HexToHash(topicHex)

	switch arg.Type.T {
	case abi.AddressTy:
		return strings.ToLower(common.BytesToAddress(topic.Bytes()).Hex()), nil
	case abi.BoolTy:
		return topic.Big().Sign() != 0, nil
	case abi.UintTy, abi.IntTy:
		return topic.Big(), nil
	case abi.FixedBytesTy, abi.HashTy:
		return strings.ToLower(topic.Hex()), nil
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy:
		return strings.ToLower(topic.Hex()), nil
	default:
		return strings.ToLower(topic.Hex()), nil
	}
}

// portable converts a go-ethereum-unpacked value into the Arg.Value
// shape the handler-facing models.DecodedEvent promises: addresses and
// byte arrays as lowercase hex strings, all numerics as *big.Int.
func portable(v any) any {
	switch val := v.(type) {
	case common.Address:
		return strings.ToLower(val.Hex())
	case [32]byte:
		return strings.ToLower(common.BytesToHash(val[:]).Hex())
	case bool, string:
		return val
	case *big.Int:
		return val
	case uint8, uint16, uint32, uint64, int8, int16, int32, int64:
		n, _ := new(big.Int).SetString(fmt.Sprint(val), 10)
		return n
	case []byte:
		return "0x" + hex.EncodeToString(val)
	default:
		if rv := reflect.ValueOf(val); rv.Kind() == reflect.Array && rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return "0x" + hex.EncodeToString(b)
		}
		// Arrays/tuples/dynamic slices: round-trip through JSON so
		// handlers get a plain, inspectable value instead of a
		// reflect-generated anonymous struct type.
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return json.RawMessage(b)
	}
}
