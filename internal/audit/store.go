package audit

import (
	"context"

	"github.com/tkingovr/wafguard/api"
)

// Store persists audit records and serves them back to the admin API.
type Store interface {
	// Write appends an audit record.
	Write(ctx context.Context, record *api.AuditRecord) error

	// Query retrieves audit records matching the filter, oldest first.
	Query(ctx context.Context, filter api.QueryFilter) ([]*api.AuditRecord, error)

	// Stats returns aggregate statistics over the retained records.
	Stats(ctx context.Context) (*api.AuditStats, error)

	// Subscribe returns a channel that receives new audit records in real time.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context) (<-chan *api.AuditRecord, func())

	// Close shuts down the store and flushes any buffers.
	Close() error
}
