package domain

import "context"

// ChangeAction indicates the kind of modification applied to a record.
type ChangeAction string

const (
	ChangeAdd     ChangeAction = "add"
	ChangeEdit    ChangeAction = "edit"
	ChangeMove    ChangeAction = "move"
	ChangeTakeout ChangeAction = "takeout"
	// ChangeRestore marks a wholesale document replacement by rollback.
	ChangeRestore ChangeAction = "restore"
)

// Change describes a mutation applied to a record during a transaction.
type Change struct {
	Action   ChangeAction
	RecordID int
	Before   *Record
	After    *Record
}

// WriteHook runs after rules pass and before the new document is written.
// It receives the committed document the transaction started from.
type WriteHook func(ctx context.Context, prior Document) error

// CommitHook runs once a write attempt ends. err is nil when the new
// document was committed.
type CommitHook func(ctx context.Context, err error)

// Transaction exposes a mutable working copy of the inventory within an
// atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	// Document returns the working copy. Mutations through the pointer are
	// committed only if the transaction succeeds.
	Document() *Document
	// Replace swaps the working copy wholesale.
	Replace(doc Document)
	RecordChange(change Change)
	// BeforeWrite registers a hook run after rule evaluation.
	BeforeWrite(hook WriteHook)
	// AfterWrite registers a hook run after the write hooks and the write
	// itself, whether they succeeded or not. It is not run when fn or a rule
	// aborts the transaction.
	AfterWrite(hook CommitHook)
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	Document() Document
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Describe() string
}
