package ext4

import "fmt"

// TransactionState tracks a journal transaction's lifecycle. This
// driver models the state machine but never writes an actual jbd2 log;
// Commit writes queued blocks straight to their final locations.
type TransactionState int

const (
	TransactionRunning TransactionState = iota
	TransactionCommitting
	TransactionCommitted
	TransactionAborted
)

// TransactionBlockKind tags the role a block would play in a real jbd2
// commit record.
type TransactionBlockKind int

const (
	BlockDescriptor TransactionBlockKind = iota
	BlockData
	BlockCommit
	BlockRevoke
)

// TransactionBlock is one block queued against an open transaction.
type TransactionBlock struct {
	Kind  TransactionBlockKind
	Block uint32
	Data  []byte
}

// Transaction is an in-memory stand-in for a jbd2 transaction: blocks
// are accumulated and, on Commit, written straight to their final
// locations rather than through a journal area. Abort discards them.
type Transaction struct {
	fs     *Filesystem
	state  TransactionState
	blocks []TransactionBlock
}

// BeginTransaction opens a new transaction against fs. Read-only
// filesystems refuse to open one at all.
func (fs *Filesystem) BeginTransaction() (*Transaction, error) {
	if fs.mountOptions.ReadOnly {
		return nil, ErrReadOnly
	}
	return &Transaction{fs: fs, state: TransactionRunning}, nil
}

// AddBlock queues a block write as part of this transaction.
func (t *Transaction) AddBlock(kind TransactionBlockKind, block uint32, data []byte) error {
	if t.state != TransactionRunning {
		return fmt.Errorf("%w: cannot add block to transaction in state %d", ErrInvalidState, t.state)
	}
	t.blocks = append(t.blocks, TransactionBlock{Kind: kind, Block: block, Data: data})
	return nil
}

// Commit writes every queued block directly to the device and marks
// the transaction committed. There is no journal replay path: a crash
// mid-commit can leave the filesystem with a partial write, matching
// this driver's documented lack of crash-consistency guarantees.
func (t *Transaction) Commit() error {
	if t.state != TransactionRunning {
		return fmt.Errorf("%w: cannot commit transaction in state %d", ErrInvalidState, t.state)
	}
	t.state = TransactionCommitting
	for _, b := range t.blocks {
		if b.Kind == BlockRevoke {
			continue
		}
		if err := t.fs.writeBlock(b.Block, b.Data); err != nil {
			t.state = TransactionAborted
			return fmt.Errorf("committing block %d: %w", b.Block, err)
		}
	}
	t.state = TransactionCommitted
	return nil
}

// Abort discards all queued blocks without writing them.
func (t *Transaction) Abort() {
	t.blocks = nil
	t.state = TransactionAborted
}
