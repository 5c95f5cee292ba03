// Package replog implements the optional replicated command log (spec
// §4.4): a single-leader, crash-stop consensus layer over the same
// gossip substrate, delivering credit commands to every replica in one
// total order. It wraps go.etcd.io/etcd/raft/v3's raft.Node, adapting
// the teacher's checkpoint/merkle machinery into the snapshot path.
package replog

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/vudo/enr/pkg/envelope"
	"github.com/vudo/enr/pkg/identity"
)

// CommandKind tags the state-machine command variant (spec §3 "Replicated
// command log").
type CommandKind uint8

const (
	CommandTransfer CommandKind = iota + 1
	CommandGrantCredits
	CommandRecordFailure
	CommandNoop
)

func (k CommandKind) String() string {
	switch k {
	case CommandTransfer:
		return "Transfer"
	case CommandGrantCredits:
		return "GrantCredits"
	case CommandRecordFailure:
		return "RecordFailure"
	case CommandNoop:
		return "Noop"
	default:
		return fmt.Sprintf("CommandKind(%d)", uint8(k))
	}
}

// Command is the tagged union entered into the replicated log. It is the
// payload of a raft proposal, distinct from the gossip Envelope used for
// unordered credit dissemination.
type Command struct {
	Kind CommandKind     `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// TransferCommand carries a signed transfer through the log, so every
// replica applies it in the same order instead of racing on nonces.
type TransferCommand struct {
	Transfer  envelope.CreditTransfer `cbor:"1,keyasint"`
	Signature []byte                  `cbor:"2,keyasint"`
}

// GrantCreditsCommand mints amount credits for node (e.g. bootstrapping a
// new account outside the transfer protocol).
type GrantCreditsCommand struct {
	Node   identity.NodeId `cbor:"1,keyasint"`
	Amount uint64          `cbor:"2,keyasint"`
}

// RecordFailureCommand logs an operational failure against node through
// the log, giving every replica a consistent view for reputation/audit
// purposes.
type RecordFailureCommand struct {
	Node      identity.NodeId `cbor:"1,keyasint"`
	Reason    string          `cbor:"2,keyasint"`
	Timestamp int64           `cbor:"3,keyasint"`
}

var canonical = cbor.CanonicalEncOptions()

func mustEncMode() cbor.EncMode {
	mode, err := canonical.EncMode()
	if err != nil {
		panic(fmt.Sprintf("replog: invalid canonical cbor options: %v", err))
	}
	return mode
}

var encMode = mustEncMode()

func newCommand(kind CommandKind, body interface{}) (Command, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return Command{}, fmt.Errorf("replog: encode %s command: %w", kind, err)
	}
	return Command{Kind: kind, Body: raw}, nil
}

// NewTransferCommand builds a Transfer command.
func NewTransferCommand(transfer envelope.CreditTransfer, signature []byte) (Command, error) {
	return newCommand(CommandTransfer, TransferCommand{Transfer: transfer, Signature: signature})
}

// NewGrantCreditsCommand builds a GrantCredits command.
func NewGrantCreditsCommand(node identity.NodeId, amount uint64) (Command, error) {
	return newCommand(CommandGrantCredits, GrantCreditsCommand{Node: node, Amount: amount})
}

// NewRecordFailureCommand builds a RecordFailure command.
func NewRecordFailureCommand(node identity.NodeId, reason string, timestamp int64) (Command, error) {
	return newCommand(CommandRecordFailure, RecordFailureCommand{Node: node, Reason: reason, Timestamp: timestamp})
}

// NewNoopCommand builds the Noop command raft proposes to confirm
// leadership after an election.
func NewNoopCommand() Command {
	return Command{Kind: CommandNoop}
}

// Encode serializes a command for inclusion in a raft log entry.
func (c Command) Encode() ([]byte, error) {
	b, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("replog: encode command: %w", err)
	}
	return b, nil
}

// DecodeCommand parses a command from raft log entry data.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := cbor.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("replog: decode command: %w", err)
	}
	return c, nil
}

// AsTransfer decodes the command body as a TransferCommand.
func (c Command) AsTransfer() (TransferCommand, error) {
	var body TransferCommand
	if c.Kind != CommandTransfer {
		return body, fmt.Errorf("replog: command is %s, not Transfer", c.Kind)
	}
	err := cbor.Unmarshal(c.Body, &body)
	return body, err
}

// AsGrantCredits decodes the command body as a GrantCreditsCommand.
func (c Command) AsGrantCredits() (GrantCreditsCommand, error) {
	var body GrantCreditsCommand
	if c.Kind != CommandGrantCredits {
		return body, fmt.Errorf("replog: command is %s, not GrantCredits", c.Kind)
	}
	err := cbor.Unmarshal(c.Body, &body)
	return body, err
}

// AsRecordFailure decodes the command body as a RecordFailureCommand.
func (c Command) AsRecordFailure() (RecordFailureCommand, error) {
	var body RecordFailureCommand
	if c.Kind != CommandRecordFailure {
		return body, fmt.Errorf("replog: command is %s, not RecordFailure", c.Kind)
	}
	err := cbor.Unmarshal(c.Body, &body)
	return body, err
}
