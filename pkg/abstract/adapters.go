package abstract

import "context"

// TransferAdapter moves the bytes of one database between servers. Both
// operations must honor context cancellation by terminating their underlying
// work promptly; a cancelled operation returns an error carrying the
// cancelled code, not the raw failure of the torn-down process.
type TransferAdapter interface {
	Dump(ctx context.Context, db string) error
	Restore(ctx context.Context, db string) error
}

// CountAdapter captures per-table row counts of one database on one side.
type CountAdapter interface {
	TableRowCounts(ctx context.Context, side Side, db string) (Snapshot, error)
}
