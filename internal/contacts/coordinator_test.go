package contacts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/w-protect/companion/internal/device"
	"github.com/w-protect/companion/internal/store"
)

type fakeRemote struct {
	mu          sync.Mutex
	fetchFunc   func(ownerID int64) ([]Contact, error)
	upsertFunc  func(contact Contact) (Contact, error)
	removeFunc  func(id int64) error
	fetchCalls  int
	upsertCalls int
	removeCalls int
}

func (f *fakeRemote) FetchByOwner(_ context.Context, ownerID int64) ([]Contact, error) {
	f.mu.Lock()
	f.fetchCalls++
	fn := f.fetchFunc
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ownerID)
}

func (f *fakeRemote) Upsert(_ context.Context, contact Contact) (Contact, error) {
	f.mu.Lock()
	f.upsertCalls++
	fn := f.upsertFunc
	f.mu.Unlock()
	if fn == nil {
		return contact, nil
	}
	return fn(contact)
}

func (f *fakeRemote) Remove(_ context.Context, id int64) error {
	f.mu.Lock()
	f.removeCalls++
	fn := f.removeFunc
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(id)
}

func (f *fakeRemote) calls() (fetch, upsert, remove int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls, f.upsertCalls, f.removeCalls
}

// assigningUpsert confirms records with sequential server ids.
func assigningUpsert(nextID *int64) func(Contact) (Contact, error) {
	return func(contact Contact) (Contact, error) {
		if contact.ID == nil {
			*nextID++
			assigned := *nextID
			contact.ID = &assigned
		}
		return contact, nil
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "companion.db"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return st
}

func newTestCoordinator(t *testing.T, st *store.Store, remote ReplicationClient, monitor device.ConnectivityMonitor) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		OwnerID: 7,
		Store:   st,
		Remote:  remote,
		Monitor: monitor,
	})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	return coordinator
}

func storedContacts(t *testing.T, st *store.Store) []Contact {
	t.Helper()
	var list []Contact
	if _, err := st.GetJSON(store.KeyContacts, &list); err != nil {
		t.Fatalf("failed to load stored contacts: %v", err)
	}
	return list
}

func TestAddFiveOnlineThenSixthRejected(t *testing.T) {
	st := newTestStore(t)
	var nextID int64
	remote := &fakeRemote{upsertFunc: assigningUpsert(&nextID)}
	coordinator := newTestCoordinator(t, st, remote, device.NewManualMonitor(true))

	for i := 0; i < MaxContactsPerOwner; i++ {
		phone := fmt.Sprintf("90000000%d", i)
		confirmed, err := coordinator.Add(context.Background(), Contact{Name: "Contact", Phone: phone})
		if err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
		if confirmed.ID == nil {
			t.Fatalf("expected server-assigned id on add %d", i)
		}
		if confirmed.OwnerID != 7 {
			t.Fatalf("expected owner id to be stamped, got %d", confirmed.OwnerID)
		}
	}

	if got := len(coordinator.Contacts()); got != MaxContactsPerOwner {
		t.Fatalf("expected %d contacts, got %d", MaxContactsPerOwner, got)
	}
	if pending, _ := coordinator.PendingSync(); pending {
		t.Fatalf("expected no pending sync after clean online adds")
	}

	_, err := coordinator.Add(context.Background(), Contact{Name: "Extra", Phone: "911111111"})
	if !errors.Is(err, ErrContactLimit) {
		t.Fatalf("expected ErrContactLimit on sixth add, got %v", err)
	}
	if got := len(coordinator.Contacts()); got != MaxContactsPerOwner {
		t.Fatalf("expected list unchanged after rejected add, got %d", got)
	}

	_, upserts, _ := remote.calls()
	if upserts != MaxContactsPerOwner {
		t.Fatalf("expected %d upserts, got %d", MaxContactsPerOwner, upserts)
	}
	if coordinator.CanAdd() {
		t.Fatalf("expected add action disabled at the cap")
	}
}

func TestOfflineAddSkipsRemoteEntirely(t *testing.T) {
	st := newTestStore(t)
	remote := &fakeRemote{}
	coordinator := newTestCoordinator(t, st, remote, device.NewManualMonitor(false))

	added, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678"})
	if err != nil {
		t.Fatalf("offline add failed: %v", err)
	}
	if added.ID != nil {
		t.Fatalf("offline add must not carry a server id")
	}

	fetch, upsert, remove := remote.calls()
	if fetch+upsert+remove != 0 {
		t.Fatalf("expected zero remote calls while offline, got fetch=%d upsert=%d remove=%d", fetch, upsert, remove)
	}

	stored := storedContacts(t, st)
	if len(stored) != 1 || stored[0].Phone != "912345678" {
		t.Fatalf("expected offline contact persisted locally, got %+v", stored)
	}
	if pending, _ := coordinator.PendingSync(); !pending {
		t.Fatalf("expected pending sync flag after offline add")
	}
}

func TestOnlineAddFallsBackToLocalWhenRemoteFails(t *testing.T) {
	st := newTestStore(t)
	remote := &fakeRemote{upsertFunc: func(Contact) (Contact, error) {
		return Contact{}, errors.New("connection refused")
	}}
	coordinator := newTestCoordinator(t, st, remote, device.NewManualMonitor(true))

	added, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678"})
	if err != nil {
		t.Fatalf("add should fall back locally, got %v", err)
	}
	if added.ID != nil {
		t.Fatalf("unconfirmed contact must not carry a server id")
	}
	if pending, _ := coordinator.PendingSync(); !pending {
		t.Fatalf("expected pending sync flag after remote failure")
	}

	stored := storedContacts(t, st)
	if len(stored) != 1 {
		t.Fatalf("expected optimistic local apply, got %+v", stored)
	}
}

func TestReconcileReplaysQueuedAddAndClearsFlag(t *testing.T) {
	st := newTestStore(t)
	var nextID int64 = 100
	remote := &fakeRemote{}
	monitor := device.NewManualMonitor(false)
	coordinator := newTestCoordinator(t, st, remote, monitor)

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678"}); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}

	remote.mu.Lock()
	remote.fetchFunc = func(int64) ([]Contact, error) { return nil, nil }
	remote.upsertFunc = assigningUpsert(&nextID)
	remote.mu.Unlock()
	monitor.Set(true)

	if err := coordinator.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	list := coordinator.Contacts()
	if len(list) != 1 {
		t.Fatalf("expected one contact after reconcile, got %d", len(list))
	}
	if list[0].ID == nil || *list[0].ID != 101 {
		t.Fatalf("expected server-confirmed id 101, got %+v", list[0].ID)
	}
	if pending, _ := coordinator.PendingSync(); pending {
		t.Fatalf("expected pending flag cleared after reconciliation")
	}

	stored := storedContacts(t, st)
	if len(stored) != 1 || stored[0].ID == nil || *stored[0].ID != 101 {
		t.Fatalf("expected store to match reconciled list, got %+v", stored)
	}
	var queue []QueuedOp
	if found, _ := st.GetJSON(store.KeyPendingOps, &queue); found {
		t.Fatalf("expected empty queue after reconcile, got %+v", queue)
	}
}

func TestReconcileMatchesRemoteListExactly(t *testing.T) {
	st := newTestStore(t)
	serverID := int64(42)
	remote := &fakeRemote{fetchFunc: func(int64) ([]Contact, error) {
		return []Contact{{ID: &serverID, OwnerID: 7, Name: "Ana", Phone: "912345678"}}, nil
	}}
	coordinator := newTestCoordinator(t, st, remote, device.NewManualMonitor(true))

	if err := st.SetFlag(store.KeyPendingSync, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := coordinator.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	stored := storedContacts(t, st)
	if len(stored) != 1 || stored[0].ID == nil || *stored[0].ID != serverID {
		t.Fatalf("expected local cache to equal fetched list, got %+v", stored)
	}
	if pending, _ := coordinator.PendingSync(); pending {
		t.Fatalf("expected pending flag cleared")
	}
}

func TestReconcileFetchFailureLeavesLocalUntouched(t *testing.T) {
	st := newTestStore(t)
	remote := &fakeRemote{}
	monitor := device.NewManualMonitor(false)
	coordinator := newTestCoordinator(t, st, remote, monitor)

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678"}); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}

	remote.mu.Lock()
	remote.fetchFunc = func(int64) ([]Contact, error) { return nil, errors.New("timeout") }
	remote.mu.Unlock()
	monitor.Set(true)

	if err := coordinator.Reconcile(context.Background()); err == nil {
		t.Fatalf("expected reconcile to fail when fetch fails")
	}

	if pending, _ := coordinator.PendingSync(); !pending {
		t.Fatalf("expected pending flag to remain set")
	}
	stored := storedContacts(t, st)
	if len(stored) != 1 || stored[0].Phone != "912345678" {
		t.Fatalf("expected local list untouched, got %+v", stored)
	}
}

func TestReconcileReplayFailureKeepsQueuedContactsVisibleAndCapped(t *testing.T) {
	st := newTestStore(t)
	var nextID int64 = 300
	remote := &fakeRemote{}
	monitor := device.NewManualMonitor(false)
	coordinator := newTestCoordinator(t, st, remote, monitor)

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678"}); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}
	if _, err := coordinator.Add(context.Background(), Contact{Name: "Beto", Phone: "922222222"}); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}

	// First queued upsert lands, the second fails mid-replay.
	replays := 0
	assign := assigningUpsert(&nextID)
	remote.mu.Lock()
	remote.upsertFunc = func(contact Contact) (Contact, error) {
		replays++
		if replays >= 2 {
			return Contact{}, errors.New("unavailable")
		}
		return assign(contact)
	}
	remote.mu.Unlock()
	monitor.Set(true)

	if err := coordinator.Reconcile(context.Background()); err == nil {
		t.Fatalf("expected reconcile to report the replay failure")
	}

	list := coordinator.Contacts()
	if len(list) != 2 {
		t.Fatalf("expected both contacts visible after partial replay, got %+v", list)
	}
	var unconfirmed int
	for _, contact := range list {
		if contact.ID == nil {
			unconfirmed++
		}
	}
	if unconfirmed != 1 {
		t.Fatalf("expected exactly one still-unconfirmed contact, got %d", unconfirmed)
	}
	if got := len(storedContacts(t, st)); got != 2 {
		t.Fatalf("expected persisted list to stay complete, got %d", got)
	}
	var queue []QueuedOp
	if found, _ := st.GetJSON(store.KeyPendingOps, &queue); !found || len(queue) != 1 {
		t.Fatalf("expected one unreplayed queue entry, got %+v", queue)
	}
	if pending, _ := coordinator.PendingSync(); !pending {
		t.Fatalf("expected pending flag to remain set")
	}

	// The cap counts the still-queued contact too.
	monitor.Set(false)
	for i := 0; i < 3; i++ {
		phone := fmt.Sprintf("93000000%d", i)
		if _, err := coordinator.Add(context.Background(), Contact{Name: "Extra", Phone: phone}); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}
	if _, err := coordinator.Add(context.Background(), Contact{Name: "Overflow", Phone: "944444444"}); !errors.Is(err, ErrContactLimit) {
		t.Fatalf("expected ErrContactLimit with a queued contact counted, got %v", err)
	}

	// A later clean pass replays the rest without exceeding the cap.
	anaID := int64(301)
	remote.mu.Lock()
	remote.fetchFunc = func(int64) ([]Contact, error) {
		return []Contact{{ID: &anaID, OwnerID: 7, Name: "Ana", Phone: "912345678"}}, nil
	}
	remote.upsertFunc = assigningUpsert(&nextID)
	remote.mu.Unlock()
	monitor.Set(true)

	if err := coordinator.Reconcile(context.Background()); err != nil {
		t.Fatalf("clean reconcile failed: %v", err)
	}
	list = coordinator.Contacts()
	if len(list) != MaxContactsPerOwner {
		t.Fatalf("expected exactly %d contacts after full replay, got %d", MaxContactsPerOwner, len(list))
	}
	for _, contact := range list {
		if contact.ID == nil {
			t.Fatalf("expected every contact confirmed after full replay, got %+v", contact)
		}
	}
}

func TestReconcileDropsQueuedUpsertWhenRemoteAtCap(t *testing.T) {
	st := newTestStore(t)
	remote := &fakeRemote{}
	monitor := device.NewManualMonitor(false)
	coordinator := newTestCoordinator(t, st, remote, monitor)

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Nuevo", Phone: "933333333"}); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}

	// Another device filled the owner's list while this one was offline.
	full := make([]Contact, 0, MaxContactsPerOwner)
	for i := 0; i < MaxContactsPerOwner; i++ {
		id := int64(i + 1)
		full = append(full, Contact{ID: &id, OwnerID: 7, Name: "Remote", Phone: fmt.Sprintf("95000000%d", i)})
	}
	remote.mu.Lock()
	remote.fetchFunc = func(int64) ([]Contact, error) { return full, nil }
	remote.mu.Unlock()
	monitor.Set(true)

	if err := coordinator.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	list := coordinator.Contacts()
	if len(list) != MaxContactsPerOwner {
		t.Fatalf("expected the list held at %d contacts, got %d", MaxContactsPerOwner, len(list))
	}
	for _, contact := range list {
		if contact.Phone == "933333333" {
			t.Fatalf("expected the undeliverable queued contact dropped, got %+v", list)
		}
	}
	_, upserts, _ := remote.calls()
	if upserts != 0 {
		t.Fatalf("expected no upsert pushed past the cap, got %d", upserts)
	}
	var queue []QueuedOp
	if found, _ := st.GetJSON(store.KeyPendingOps, &queue); found {
		t.Fatalf("expected queue drained, got %+v", queue)
	}
	if pending, _ := coordinator.PendingSync(); pending {
		t.Fatalf("expected pending flag cleared")
	}
}

func TestRemoveIsIdempotentAndNeverResurrects(t *testing.T) {
	st := newTestStore(t)
	var nextID int64
	removeErrs := []error{nil, errors.New("404 not found")}
	remote := &fakeRemote{
		upsertFunc: assigningUpsert(&nextID),
		removeFunc: func(int64) error {
			err := removeErrs[0]
			if len(removeErrs) > 1 {
				removeErrs = removeErrs[1:]
			}
			return err
		},
	}
	coordinator := newTestCoordinator(t, st, remote, device.NewManualMonitor(true))

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := coordinator.Remove(context.Background(), "912345678"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if got := len(coordinator.Contacts()); got != 0 {
		t.Fatalf("expected empty list after remove, got %d", got)
	}

	// Second removal of the same contact cannot duplicate or resurrect it.
	err := coordinator.Remove(context.Background(), "912345678")
	if !errors.Is(err, ErrContactNotFound) {
		t.Fatalf("expected ErrContactNotFound on second remove, got %v", err)
	}
	if got := len(coordinator.Contacts()); got != 0 {
		t.Fatalf("expected list to stay empty, got %d", got)
	}
	if got := len(storedContacts(t, st)); got != 0 {
		t.Fatalf("expected store to stay empty, got %d", got)
	}
}

func TestRemoveProceedsLocallyWhenRemoteDeleteFails(t *testing.T) {
	st := newTestStore(t)
	var nextID int64
	remote := &fakeRemote{
		upsertFunc: assigningUpsert(&nextID),
		removeFunc: func(int64) error { return errors.New("unavailable") },
	}
	coordinator := newTestCoordinator(t, st, remote, device.NewManualMonitor(true))

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678"}); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := coordinator.Remove(context.Background(), "912345678"); err != nil {
		t.Fatalf("remove must not fail on ambiguous remote error: %v", err)
	}

	if got := len(coordinator.Contacts()); got != 0 {
		t.Fatalf("expected local removal regardless of remote error, got %d", got)
	}
	if pending, _ := coordinator.PendingSync(); !pending {
		t.Fatalf("expected pending flag after failed remote delete")
	}

	var queue []QueuedOp
	if found, _ := st.GetJSON(store.KeyPendingOps, &queue); !found || len(queue) != 1 || queue[0].Operation != OperationTypeDelete {
		t.Fatalf("expected one queued delete, got %+v", queue)
	}
}

func TestOfflineAliasEditCoalescesQueue(t *testing.T) {
	st := newTestStore(t)
	remote := &fakeRemote{}
	coordinator := newTestCoordinator(t, st, remote, device.NewManualMonitor(false))

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Ana Morales", Phone: "912345678"}); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}
	if _, err := coordinator.UpdateAlias(context.Background(), "912345678", "Mamá"); err != nil {
		t.Fatalf("offline alias edit failed: %v", err)
	}

	var queue []QueuedOp
	if found, _ := st.GetJSON(store.KeyPendingOps, &queue); !found || len(queue) != 1 {
		t.Fatalf("expected one coalesced queue entry, got %+v", queue)
	}
	if queue[0].Contact.Alias != "Mamá" {
		t.Fatalf("expected queued entry to carry the latest alias, got %q", queue[0].Contact.Alias)
	}
}

func TestReconcilePreservesLocalAliasWhenPhoneCollides(t *testing.T) {
	st := newTestStore(t)
	serverID := int64(9)
	remote := &fakeRemote{
		fetchFunc: func(int64) ([]Contact, error) {
			return []Contact{{ID: &serverID, OwnerID: 7, Name: "Ana", Phone: "912345678"}}, nil
		},
	}
	monitor := device.NewManualMonitor(false)
	coordinator := newTestCoordinator(t, st, remote, monitor)

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678", Alias: "Mamá"}); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}
	monitor.Set(true)

	if err := coordinator.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	list := coordinator.Contacts()
	if len(list) != 1 {
		t.Fatalf("expected merged single contact, got %d", len(list))
	}
	if list[0].ID == nil || *list[0].ID != serverID {
		t.Fatalf("expected remote record to win the id, got %+v", list[0].ID)
	}
	if list[0].Alias != "Mamá" {
		t.Fatalf("expected local alias to survive the merge, got %q", list[0].Alias)
	}
}

func TestWatchReconcilesOnConnectivityRegain(t *testing.T) {
	st := newTestStore(t)
	var nextID int64 = 200
	remote := &fakeRemote{upsertFunc: assigningUpsert(&nextID)}
	monitor := device.NewManualMonitor(false)
	coordinator := newTestCoordinator(t, st, remote, monitor)

	if _, err := coordinator.Add(context.Background(), Contact{Name: "Ana", Phone: "912345678"}); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coordinator.Watch(ctx)

	// Give Watch a moment to subscribe before flipping the signal.
	time.Sleep(20 * time.Millisecond)
	monitor.Set(true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := coordinator.PendingSync()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected automatic reconciliation after connectivity regain")
		}
		time.Sleep(10 * time.Millisecond)
	}

	list := coordinator.Contacts()
	if len(list) != 1 || list[0].ID == nil {
		t.Fatalf("expected confirmed contact after auto reconcile, got %+v", list)
	}
}
