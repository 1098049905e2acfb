package contacts

import (
	"github.com/google/uuid"

	"github.com/w-protect/companion/internal/store"
)

// OperationType enumerates the mutations the pending queue can hold.
type OperationType string

const (
	// OperationTypeUpsert represents a locally-applied add or alias edit.
	OperationTypeUpsert OperationType = "upsert"
	// OperationTypeDelete represents a locally-applied removal.
	OperationTypeDelete OperationType = "delete"
)

// QueuedOp is one local mutation awaiting remote confirmation. The queue is
// durable so an offline edit survives a process restart and is replayed on
// the next successful reconciliation.
type QueuedOp struct {
	ID              string        `json:"id"`
	Operation       OperationType `json:"op"`
	Contact         Contact       `json:"contact"`
	QueuedAtSeconds int64         `json:"queued_at_s"`
}

// IDProvider issues identifiers for queue entries.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func loadQueue(st *store.Store) ([]QueuedOp, error) {
	var entries []QueuedOp
	if _, err := st.GetJSON(store.KeyPendingOps, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func saveQueue(st *store.Store, entries []QueuedOp) error {
	if len(entries) == 0 {
		return st.Delete(store.KeyPendingOps)
	}
	return st.PutJSON(store.KeyPendingOps, entries)
}
