package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// descriptorsFile is the on-disk JSON shape for chains/contracts/crons —
// the generalization of the teacher's chains.json to the full spec §3/§6
// data model (factories, crons, per-chain source variants).
type descriptorsFile struct {
	Chains    map[string]chainJSON    `json:"chains"`
	Contracts map[string]contractJSON `json:"contracts"`
	Factories map[string]factoryJSON  `json:"factories"`
	Crons     []cronJSON              `json:"crons"`
}

type chainJSON struct {
	ChainID         uint64 `json:"chainId"`
	SourceKind      string `json:"sourceKind"` // rpc | archival | validated_stream
	Endpoint        string `json:"endpoint"`
	WSEndpoint      string `json:"wsEndpoint"`
	AuthHeader      string `json:"authHeader"`
	PollingInterval string `json:"pollingInterval"` // Go duration string, e.g. "2s"
	FinalityDepth   uint64 `json:"finalityDepth"`
	FinalityNamed   string `json:"finalityNamed"`
}

type contractJSON struct {
	Chain      string `json:"chain"`
	Address    string `json:"address"`
	Factory    string `json:"factory"` // name of a FactoryDescriptor, mutually exclusive with Address
	ABIPath    string `json:"abiPath"`
	StartBlock uint64 `json:"startBlock"`
	EndBlock   uint64 `json:"endBlock"`
}

type factoryJSON struct {
	ParentContract    string `json:"parentContract"`
	EventName         string `json:"eventName"`
	ChildAddressArg   string `json:"childAddressArg"`
	ChildContractName string `json:"childContractName"`
}

type cronJSON struct {
	Name     string `json:"name"`
	Chain    string `json:"chain"`
	Trigger  string `json:"trigger"` // time | block
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	Interval uint64 `json:"interval"`
	Offset   uint64 `json:"offset"`
	Schema   string `json:"schema"` // chain | dedicated
}

// Descriptors is the parsed, validated configuration for chains,
// contracts, factories and crons.
type Descriptors struct {
	Chains    map[string]models.ChainDescriptor
	Contracts map[string]models.ContractDescriptor
	Factories map[string]models.FactoryDescriptor
	Crons     []models.CronJob
}

// LoadDescriptors reads and validates the descriptor JSON file.
func LoadDescriptors(path string) (*Descriptors, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptors file: %w", err)
	}

	var df descriptorsFile
	if err := json.Unmarshal(raw, &df); err != nil {
		return nil, fmt.Errorf("parse descriptors file: %w", err)
	}

	d := &Descriptors{
		Chains:    make(map[string]models.ChainDescriptor, len(df.Chains)),
		Contracts: make(map[string]models.ContractDescriptor, len(df.Contracts)),
		Factories: make(map[string]models.FactoryDescriptor, len(df.Factories)),
	}

	for name, c := range df.Chains {
		pollInterval := 2 * time.Second
		if c.PollingInterval != "" {
			parsed, err := time.ParseDuration(c.PollingInterval)
			if err != nil {
				return nil, fmt.Errorf("chain %q: invalid pollingInterval: %w", name, err)
			}
			pollInterval = parsed
		}

		kind := models.SourceKind(c.SourceKind)
		switch kind {
		case models.SourcePollingRPC, models.SourceArchivalQuery, models.SourceValidatedStream:
		default:
			return nil, fmt.Errorf("chain %q: unknown sourceKind %q", name, c.SourceKind)
		}

		d.Chains[name] = models.ChainDescriptor{
			Name:    name,
			ChainID: c.ChainID,
			Source: models.SourceConfig{
				Kind:       kind,
				Endpoint:   c.Endpoint,
				WSEndpoint: c.WSEndpoint,
				AuthHeader: c.AuthHeader,
			},
			PollingInterval: pollInterval,
			Finality:        models.Finality{Depth: c.FinalityDepth, Named: c.FinalityNamed},
		}
	}

	for name, f := range df.Factories {
		if f.ParentContract == "" || f.EventName == "" || f.ChildAddressArg == "" || f.ChildContractName == "" {
			return nil, fmt.Errorf("factory %q: missing required field", name)
		}
		d.Factories[name] = models.FactoryDescriptor{
			ParentContractName: f.ParentContract,
			EventName:          f.EventName,
			ChildAddressArg:    f.ChildAddressArg,
			ChildContractName:  f.ChildContractName,
		}
	}

	for name, c := range df.Contracts {
		chain, ok := d.Chains[c.Chain]
		if !ok {
			return nil, fmt.Errorf("contract %q: unknown chain %q", name, c.Chain)
		}

		if c.Address == "" && c.Factory == "" {
			return nil, fmt.Errorf("contract %q: must set either address or factory", name)
		}
		if c.Address != "" && c.Factory != "" {
			return nil, fmt.Errorf("contract %q: cannot set both address and factory", name)
		}

		var abiJSON []byte
		if c.ABIPath != "" {
			b, err := os.ReadFile(c.ABIPath)
			if err != nil {
				return nil, fmt.Errorf("contract %q: read ABI: %w", name, err)
			}
			abiJSON = b
		}

		cd := models.ContractDescriptor{
			Name:       name,
			ChainID:    chain.ChainID,
			Address:    strings.ToLower(c.Address),
			ABI:        models.ABI{RawJSON: abiJSON},
			StartBlock: c.StartBlock,
			EndBlock:   c.EndBlock,
		}

		if c.Factory != "" {
			if _, ok := d.Factories[c.Factory]; !ok {
				return nil, fmt.Errorf("contract %q: unknown factory %q", name, c.Factory)
			}
			cd.Factory = &models.FactoryRef{FactoryName: c.Factory}
		}

		d.Contracts[name] = cd
	}

	for _, cj := range df.Crons {
		chain, ok := d.Chains[cj.Chain]
		if !ok {
			return nil, fmt.Errorf("cron %q: unknown chain %q", cj.Name, cj.Chain)
		}

		trigger := models.CronTriggerKind(cj.Trigger)
		switch trigger {
		case models.CronTriggerTime:
			if cj.Schedule == "" {
				return nil, fmt.Errorf("cron %q: time trigger requires schedule", cj.Name)
			}
		case models.CronTriggerBlock:
			if cj.Interval == 0 {
				return nil, fmt.Errorf("cron %q: block trigger requires a nonzero interval", cj.Name)
			}
		default:
			return nil, fmt.Errorf("cron %q: unknown trigger %q", cj.Name, cj.Trigger)
		}

		schema := cj.Schema
		if schema == "" {
			schema = "chain"
		}

		d.Crons = append(d.Crons, models.CronJob{
			Name:     cj.Name,
			ChainID:  chain.ChainID,
			Trigger:  trigger,
			Schedule: cj.Schedule,
			Timezone: cj.Timezone,
			Interval: cj.Interval,
			Offset:   cj.Offset,
			Schema:   schema,
		})
	}

	return d, nil
}

// ContractsForChain returns every contract descriptor bound to chainID.
func (d *Descriptors) ContractsForChain(chainID uint64) []models.ContractDescriptor {
	var out []models.ContractDescriptor
	for _, c := range d.Contracts {
		if c.ChainID == chainID {
			out = append(out, c)
		}
	}
	return out
}
