package events

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnknownEvent means the log's topic0 is not in the role's allowlist.
	ErrUnknownEvent = errors.New("events: unknown event")

	// ErrDecode means a recognized event carried malformed topics or data.
	ErrDecode = errors.New("events: decode failed")
)

// Decoder turns raw logs into typed events using the ABI registered for
// each contract role.
type Decoder struct {
	abis map[string]abi.ABI
}

// NewDecoder parses the built-in protocol ABIs.
func NewDecoder() (*Decoder, error) {
	abis := make(map[string]abi.ABI, 3)
	for role, src := range map[string]string{
		RoleRouter:  routerABI,
		RoleFactory: factoryABI,
		RoleOptions: optionsABI,
	} {
		parsed, err := abi.JSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("events: parsing %s abi: %w", role, err)
		}
		abis[role] = parsed
	}
	return &Decoder{abis: abis}, nil
}

// RouterUnlockInput packs calldata for the router's unlock function,
// used by the failed-unlock retry pass.
func (d *Decoder) RouterUnlockInput(optionID int64) ([]byte, error) {
	return d.abis[RoleRouter].Pack("unlock", big.NewInt(optionID))
}

// Topics returns the topic0 allowlist for a role, in the shape
// eth_getLogs expects (all event signatures OR-ed at position 0).
func (d *Decoder) Topics(role string) [][]common.Hash {
	parsed, ok := d.abis[role]
	if !ok {
		return nil
	}
	sigs := make([]common.Hash, 0, len(parsed.Events))
	for _, ev := range parsed.Events {
		sigs = append(sigs, ev.ID)
	}
	return [][]common.Hash{sigs}
}

// Decode parses a single log against the role's ABI into a typed event.
// Logs whose signature is outside the role's event set fail with
// ErrUnknownEvent; recognized events with malformed payloads fail with
// ErrDecode.
func (d *Decoder) Decode(role, network string, lg types.Log) (Event, error) {
	parsed, ok := d.abis[role]
	if !ok {
		return nil, fmt.Errorf("%w: unregistered role %q", ErrUnknownEvent, role)
	}
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrDecode)
	}

	def, err := parsed.EventByID(lg.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s not in %s abi", ErrUnknownEvent, lg.Topics[0], role)
	}

	inputs := make(map[string]interface{})

	// Non-indexed parameters live in Data.
	if len(lg.Data) > 0 {
		if err := parsed.UnpackIntoMap(inputs, def.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrDecode, def.Name, err)
		}
	}

	// Indexed parameters live in Topics[1:].
	var indexed abi.Arguments
	for _, arg := range def.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s expects %d indexed topics, got %d", ErrDecode, def.Name, len(indexed), len(lg.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(inputs, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrDecode, def.Name, err)
	}

	meta := Meta{
		Network:     network,
		Contract:    lg.Address,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
	}
	return build(def.Name, meta, inputs)
}

func build(name string, meta Meta, inputs map[string]interface{}) (Event, error) {
	switch name {
	case "OpenTrade":
		queueID, err := bigArg(inputs, "queueId")
		if err != nil {
			return nil, err
		}
		optionID, err := bigArg(inputs, "optionId")
		if err != nil {
			return nil, err
		}
		expiration, err := bigArg(inputs, "expiration")
		if err != nil {
			return nil, err
		}
		return &OpenTrade{Meta: meta, QueueID: queueID.Int64(), OptionID: optionID.Int64(), Expiration: expiration}, nil

	case "CancelTrade", "FailResolve":
		queueID, err := bigArg(inputs, "queueId")
		if err != nil {
			return nil, err
		}
		reason, err := stringArg(inputs, "reason")
		if err != nil {
			return nil, err
		}
		if name == "CancelTrade" {
			return &CancelTrade{Meta: meta, QueueID: queueID.Int64(), Reason: reason}, nil
		}
		return &FailResolve{Meta: meta, QueueID: queueID.Int64(), Reason: reason}, nil

	case "FailUnlock":
		optionID, err := bigArg(inputs, "optionId")
		if err != nil {
			return nil, err
		}
		reason, err := stringArg(inputs, "reason")
		if err != nil {
			return nil, err
		}
		return &FailUnlock{Meta: meta, OptionID: optionID.Int64(), Reason: reason}, nil

	case "Exercise":
		id, err := bigArg(inputs, "id")
		if err != nil {
			return nil, err
		}
		profit, err := bigArg(inputs, "profit")
		if err != nil {
			return nil, err
		}
		return &Exercise{Meta: meta, OptionID: id.Int64(), Profit: profit}, nil

	case "Expire":
		id, err := bigArg(inputs, "id")
		if err != nil {
			return nil, err
		}
		return &Expire{Meta: meta, OptionID: id.Int64()}, nil

	case "PoolCreated":
		pool, err := addressArg(inputs, "pool")
		if err != nil {
			return nil, err
		}
		token, err := addressArg(inputs, "token")
		if err != nil {
			return nil, err
		}
		return &PoolCreated{Meta: meta, Pool: pool, Token: token}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
}

func bigArg(inputs map[string]interface{}, key string) (*big.Int, error) {
	v, ok := inputs[key].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: missing uint256 arg %q", ErrDecode, key)
	}
	return v, nil
}

func stringArg(inputs map[string]interface{}, key string) (string, error) {
	v, ok := inputs[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: missing string arg %q", ErrDecode, key)
	}
	return v, nil
}

func addressArg(inputs map[string]interface{}, key string) (common.Address, error) {
	v, ok := inputs[key].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: missing address arg %q", ErrDecode, key)
	}
	return v, nil
}
