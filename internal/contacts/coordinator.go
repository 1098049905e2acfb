package contacts

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/w-protect/companion/internal/device"
	"github.com/w-protect/companion/internal/store"
)

var (
	errMissingStore   = errors.New("contacts: local store is required")
	errMissingRemote  = errors.New("contacts: replication client is required")
	errMissingMonitor = errors.New("contacts: connectivity monitor is required")
	errMissingOwner   = errors.New("contacts: owner id is required")
	noOpLogger        = zap.NewNop()
)

const (
	opCoordinatorNew = "contacts.coordinator.new"
	opAdd            = "contacts.add"
	opUpdateAlias    = "contacts.update_alias"
	opRemove         = "contacts.remove"
	opReconcile      = "contacts.reconcile"
)

// ReplicationClient is the remote side of the contact list: a stateless
// wrapper over the backend's contact endpoints. Every call can fail
// independently; failure never corrupts local state.
type ReplicationClient interface {
	FetchByOwner(ctx context.Context, ownerID int64) ([]Contact, error)
	Upsert(ctx context.Context, contact Contact) (Contact, error)
	Remove(ctx context.Context, id int64) error
}

// CoordinatorConfig describes the dependencies required to build a Coordinator.
type CoordinatorConfig struct {
	OwnerID  int64
	Store    *store.Store
	Remote   ReplicationClient
	Monitor  device.ConnectivityMonitor
	Notifier Notifier
	IDs      IDProvider
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Coordinator owns the in-memory contact list and decides, per mutation,
// between remote-first and local-and-pending handling. It is the single
// writer of the list; everything else reads snapshots. Mutations and
// reconciliation are serialized by an in-process mutex so a second
// mutation issued while the first is in flight queues rather than
// interleaves.
type Coordinator struct {
	mu       sync.Mutex
	ownerID  int64
	store    *store.Store
	remote   ReplicationClient
	monitor  device.ConnectivityMonitor
	notifier Notifier
	ids      IDProvider
	clock    func() time.Time
	logger   *zap.Logger
	list     []Contact
}

// NewCoordinator constructs the coordinator and warms the in-memory list
// from the local store.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_remote", errMissingRemote)
	}
	if cfg.Monitor == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_monitor", errMissingMonitor)
	}
	if cfg.OwnerID <= 0 {
		return nil, newServiceError(opCoordinatorNew, "missing_owner", errMissingOwner)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}

	coordinator := &Coordinator{
		ownerID:  cfg.OwnerID,
		store:    cfg.Store,
		remote:   cfg.Remote,
		monitor:  cfg.Monitor,
		notifier: notifier,
		ids:      ids,
		clock:    clock,
		logger:   logger,
	}

	var cached []Contact
	if _, err := cfg.Store.GetJSON(store.KeyContacts, &cached); err != nil {
		return nil, newServiceError(opCoordinatorNew, "load_failed", err)
	}
	coordinator.list = cached

	return coordinator, nil
}

// Contacts returns a snapshot of the current list.
func (c *Coordinator) Contacts() []Contact {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make([]Contact, len(c.list))
	copy(snapshot, c.list)
	return snapshot
}

// CanAdd reports whether a slot is free. The UI disables the add action
// outright while this is false.
func (c *Coordinator) CanAdd() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.list) < MaxContactsPerOwner
}

// PendingSync reads the durable pending-sync flag.
func (c *Coordinator) PendingSync() (bool, error) {
	return c.store.Flag(store.KeyPendingSync)
}

// Add validates the candidate against the list invariants and replicates it.
// Online the remote is tried first and the confirmed record merged back;
// offline or on remote failure the contact is applied locally with a nil ID
// and queued for replay.
func (c *Coordinator) Add(ctx context.Context, contact Contact) (Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	contact.OwnerID = c.ownerID
	contact.ID = nil
	contact.Phone = NormalizePhone(contact.Phone)
	if err := validateNew(c.list, contact); err != nil {
		return Contact{}, err
	}

	if !c.monitor.Online() {
		if err := c.applyLocal(opAdd, OperationTypeUpsert, contact); err != nil {
			return Contact{}, err
		}
		c.notifier.Warning("offline: contact saved locally and will sync when back online")
		return contact, nil
	}

	confirmed, err := c.remote.Upsert(ctx, contact)
	if err != nil {
		c.logError(opAdd, "remote_upsert_failed", err, zap.String("phone", contact.Phone))
		if applyErr := c.applyLocal(opAdd, OperationTypeUpsert, contact); applyErr != nil {
			return Contact{}, applyErr
		}
		c.notifier.Warning("contact saved locally, will sync")
		return contact, nil
	}

	c.mergeConfirmed(confirmed)
	if err := c.persistList(opAdd); err != nil {
		return Contact{}, err
	}
	c.notifier.Success("contact saved")
	return confirmed, nil
}

// UpdateAlias sets the user-supplied display override on the contact with
// the given phone, following the same online/offline branch as Add.
func (c *Coordinator) UpdateAlias(ctx context.Context, phone, alias string) (Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexByPhone(c.list, phone)
	if idx < 0 {
		return Contact{}, ErrContactNotFound
	}
	updated := c.list[idx]
	updated.Alias = alias

	if !c.monitor.Online() {
		if err := c.applyLocal(opUpdateAlias, OperationTypeUpsert, updated); err != nil {
			return Contact{}, err
		}
		c.notifier.Warning("offline: change saved locally and will sync when back online")
		return updated, nil
	}

	confirmed, err := c.remote.Upsert(ctx, updated)
	if err != nil {
		c.logError(opUpdateAlias, "remote_upsert_failed", err, zap.String("phone", updated.Phone))
		if applyErr := c.applyLocal(opUpdateAlias, OperationTypeUpsert, updated); applyErr != nil {
			return Contact{}, applyErr
		}
		c.notifier.Warning("change saved locally, will sync")
		return updated, nil
	}

	c.mergeConfirmed(confirmed)
	if err := c.persistList(opUpdateAlias); err != nil {
		return Contact{}, err
	}
	c.notifier.Success("contact updated")
	return confirmed, nil
}

// Remove deletes the contact with the given phone. Local removal is
// unconditional once the branch completes: a failed or ambiguous remote
// delete never resurrects the record.
func (c *Coordinator) Remove(ctx context.Context, phone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexByPhone(c.list, phone)
	if idx < 0 {
		return ErrContactNotFound
	}
	target := c.list[idx]

	switch {
	case target.ID == nil:
		// Never confirmed remotely: dropping the queued upsert is the
		// whole remote side of this delete.
		if err := c.dropQueuedUpsert(opRemove, target.Phone); err != nil {
			return err
		}
	case !c.monitor.Online():
		if err := c.enqueue(opRemove, OperationTypeDelete, target); err != nil {
			return err
		}
		if err := c.setPending(opRemove); err != nil {
			return err
		}
		c.notifier.Warning("offline: contact removed locally and will sync when back online")
	default:
		if err := c.remote.Remove(ctx, *target.ID); err != nil {
			c.logError(opRemove, "remote_delete_failed", err, zap.Int64("contact_id", *target.ID))
			if enqueueErr := c.enqueue(opRemove, OperationTypeDelete, target); enqueueErr != nil {
				return enqueueErr
			}
			if pendingErr := c.setPending(opRemove); pendingErr != nil {
				return pendingErr
			}
			c.notifier.Warning("contact removed locally, will sync")
		} else {
			c.notifier.Success("contact removed")
		}
	}

	c.list = append(c.list[:idx:idx], c.list[idx+1:]...)
	return c.persistList(opRemove)
}

// Reconcile re-fetches the owner's remote list and replays the durable
// pending-operation queue against it, so a locally-added contact that
// never reached the server is pushed rather than silently dropped. The
// pending-sync flag clears only when the queue drains and the merged list
// has been written through. On fetch failure nothing local changes.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fetched, err := c.remote.FetchByOwner(ctx, c.ownerID)
	if err != nil {
		c.logError(opReconcile, "fetch_failed", err)
		c.notifier.Warning("sync failed, local changes kept")
		return newServiceError(opReconcile, "fetch_failed", err)
	}

	queue, err := loadQueue(c.store)
	if err != nil {
		c.logError(opReconcile, "queue_load_failed", err)
		return newServiceError(opReconcile, "queue_load_failed", err)
	}

	for i, entry := range queue {
		if err := c.replay(ctx, entry, &fetched); err != nil {
			// Keep the unreplayed tail durable and fold it back into the
			// visible list, so queued contacts stay present and counted
			// against the cap; the flag stays set for the next pass.
			if saveErr := saveQueue(c.store, queue[i:]); saveErr != nil {
				c.logError(opReconcile, "queue_save_failed", saveErr)
			}
			c.list = mergeUnreplayed(fetched, queue[i:])
			if persistErr := c.persistList(opReconcile); persistErr != nil {
				c.logError(opReconcile, "persist_failed", persistErr)
			}
			c.notifier.Warning("sync incomplete, will retry")
			return newServiceError(opReconcile, "replay_failed", err)
		}
	}

	c.list = fetched
	if err := c.persistList(opReconcile); err != nil {
		return err
	}
	if err := saveQueue(c.store, nil); err != nil {
		c.logError(opReconcile, "queue_save_failed", err)
		return newServiceError(opReconcile, "queue_save_failed", err)
	}
	if err := c.store.SetFlag(store.KeyPendingSync, false); err != nil {
		c.logError(opReconcile, "flag_clear_failed", err)
		return newServiceError(opReconcile, "flag_clear_failed", err)
	}
	c.notifier.Success("contacts synced")
	return nil
}

// Watch reacts to connectivity transitions: when the device comes back
// online with the pending-sync flag set, a reconciliation pass runs
// automatically. Watch returns when ctx is cancelled.
func (c *Coordinator) Watch(ctx context.Context) {
	transitions := c.monitor.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-transitions:
			if !ok {
				return
			}
			if !online {
				continue
			}
			pending, err := c.PendingSync()
			if err != nil {
				c.logError(opReconcile, "flag_read_failed", err)
				continue
			}
			if !pending {
				continue
			}
			if err := c.Reconcile(ctx); err != nil {
				c.logError(opReconcile, "auto_reconcile_failed", err)
			}
		}
	}
}

func (c *Coordinator) replay(ctx context.Context, entry QueuedOp, fetched *[]Contact) error {
	switch entry.Operation {
	case OperationTypeDelete:
		if entry.Contact.ID == nil {
			return nil
		}
		remoteIdx := indexByID(*fetched, *entry.Contact.ID)
		if remoteIdx < 0 {
			// Already gone remotely, nothing to replay.
			return nil
		}
		if err := c.remote.Remove(ctx, *entry.Contact.ID); err != nil {
			return err
		}
		*fetched = append((*fetched)[:remoteIdx:remoteIdx], (*fetched)[remoteIdx+1:]...)
		return nil
	default:
		replayed := entry.Contact
		remoteIdx := indexByPhone(*fetched, replayed.Phone)
		if remoteIdx < 0 && len(*fetched) >= MaxContactsPerOwner {
			// The remote list filled up from elsewhere; this queued upsert
			// can no longer land without breaching the cap.
			c.logError(opReconcile, "replay_dropped_at_cap", nil, zap.String("phone", replayed.Phone))
			c.notifier.Warning("contact limit reached, a locally saved contact was not synced")
			return nil
		}
		if remoteIdx >= 0 {
			// The remote record wins the id; the local alias survives.
			replayed.ID = (*fetched)[remoteIdx].ID
		}
		confirmed, err := c.remote.Upsert(ctx, replayed)
		if err != nil {
			return err
		}
		if remoteIdx := indexByPhone(*fetched, confirmed.Phone); remoteIdx >= 0 {
			(*fetched)[remoteIdx] = confirmed
		} else {
			*fetched = append(*fetched, confirmed)
		}
		return nil
	}
}

// mergeUnreplayed folds a queue tail that did not replay back into the
// fetched list: queued upserts keep their contacts present (with the
// remote id when the phone already matches), queued deletes keep theirs
// absent. The result is the complete local view of the owner's list.
func mergeUnreplayed(fetched []Contact, tail []QueuedOp) []Contact {
	for _, entry := range tail {
		switch entry.Operation {
		case OperationTypeDelete:
			if entry.Contact.ID == nil {
				continue
			}
			if idx := indexByID(fetched, *entry.Contact.ID); idx >= 0 {
				fetched = append(fetched[:idx:idx], fetched[idx+1:]...)
			}
		default:
			pending := entry.Contact
			if idx := indexByPhone(fetched, pending.Phone); idx >= 0 {
				pending.ID = fetched[idx].ID
				fetched[idx] = pending
			} else {
				fetched = append(fetched, pending)
			}
		}
	}
	return fetched
}

func (c *Coordinator) applyLocal(operation string, op OperationType, contact Contact) error {
	c.mergeConfirmed(contact)
	if err := c.persistList(operation); err != nil {
		return err
	}
	if err := c.enqueue(operation, op, contact); err != nil {
		return err
	}
	return c.setPending(operation)
}

func (c *Coordinator) mergeConfirmed(contact Contact) {
	if idx := indexByPhone(c.list, contact.Phone); idx >= 0 {
		c.list[idx] = contact
	} else {
		c.list = append(c.list, contact)
	}
}

func (c *Coordinator) persistList(operation string) error {
	if err := c.store.PutJSON(store.KeyContacts, c.list); err != nil {
		c.logError(operation, "persist_failed", err)
		return newServiceError(operation, "persist_failed", err)
	}
	return nil
}

func (c *Coordinator) enqueue(operation string, op OperationType, contact Contact) error {
	queue, err := loadQueue(c.store)
	if err != nil {
		c.logError(operation, "queue_load_failed", err)
		return newServiceError(operation, "queue_load_failed", err)
	}

	if op == OperationTypeUpsert {
		// Coalesce: one queued upsert per phone, carrying the latest state.
		normalized := NormalizePhone(contact.Phone)
		filtered := queue[:0]
		for _, entry := range queue {
			if entry.Operation == OperationTypeUpsert && NormalizePhone(entry.Contact.Phone) == normalized {
				continue
			}
			filtered = append(filtered, entry)
		}
		queue = filtered
	}

	entryID, err := c.ids.NewID()
	if err != nil {
		c.logError(operation, "id_generation_failed", err)
		return newServiceError(operation, "id_generation_failed", err)
	}
	queue = append(queue, QueuedOp{
		ID:              entryID,
		Operation:       op,
		Contact:         contact,
		QueuedAtSeconds: c.clock().UTC().Unix(),
	})

	if err := saveQueue(c.store, queue); err != nil {
		c.logError(operation, "queue_save_failed", err)
		return newServiceError(operation, "queue_save_failed", err)
	}
	return nil
}

func (c *Coordinator) dropQueuedUpsert(operation, phone string) error {
	queue, err := loadQueue(c.store)
	if err != nil {
		c.logError(operation, "queue_load_failed", err)
		return newServiceError(operation, "queue_load_failed", err)
	}
	normalized := NormalizePhone(phone)
	filtered := queue[:0]
	for _, entry := range queue {
		if entry.Operation == OperationTypeUpsert && NormalizePhone(entry.Contact.Phone) == normalized {
			continue
		}
		filtered = append(filtered, entry)
	}
	if err := saveQueue(c.store, filtered); err != nil {
		c.logError(operation, "queue_save_failed", err)
		return newServiceError(operation, "queue_save_failed", err)
	}
	return nil
}

func (c *Coordinator) setPending(operation string) error {
	if err := c.store.SetFlag(store.KeyPendingSync, true); err != nil {
		c.logError(operation, "flag_set_failed", err)
		return newServiceError(operation, "flag_set_failed", err)
	}
	return nil
}

func indexByID(list []Contact, id int64) int {
	for i, existing := range list {
		if existing.ID != nil && *existing.ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("contacts coordinator error", attrs...)
}
