package models

// Snapshot is a document read from the remote store. A snapshot with Exists
// false is how adapters report an absent document from inside a transaction.
type Snapshot struct {
	Collection string
	ID         string
	Data       Payload
	Exists     bool
}

type FilterOp string

const (
	FilterEq  FilterOp = "=="
	FilterNeq FilterOp = "!="
	FilterLt  FilterOp = "<"
	FilterLte FilterOp = "<="
	FilterGt  FilterOp = ">"
	FilterGte FilterOp = ">="
)

// Filter restricts a query to documents whose Field satisfies Op against Value.
type Filter struct {
	Field string
	Op    FilterOp
	Value Value
}

type Ordering struct {
	Field      string
	Descending bool
}
