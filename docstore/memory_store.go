package docstore

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// in-process document store.
// each subscription owns a buffered channel drained by a single goroutine,
// so deliveries for one subscription are ordered and a handler runs to
// completion before the next snapshot. different subscriptions are
// independent and may run concurrently.

type MemoryStoreSettings struct {
	// per-subscription pending snapshot buffer.
	// when full, the oldest pending snapshot is dropped.
	// every snapshot is the full slot state, so dropping an older one only
	// skips an intermediate state
	SnapshotBufferSize int
}

func DefaultMemoryStoreSettings() *MemoryStoreSettings {
	return &MemoryStoreSettings{
		SnapshotBufferSize: 32,
	}
}

type MemoryStore struct {
	settings *MemoryStoreSettings

	stateLock sync.Mutex
	slots     map[string]*memorySlot
	closed    bool
}

func NewMemoryStoreWithDefaults() *MemoryStore {
	return NewMemoryStore(DefaultMemoryStoreSettings())
}

func NewMemoryStore(settings *MemoryStoreSettings) *MemoryStore {
	return &MemoryStore{
		settings: settings,
		slots:    map[string]*memorySlot{},
	}
}

func (self *MemoryStore) Slot(path string) Slot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	slot, ok := self.slots[path]
	if !ok {
		slot = newMemorySlot(self, path)
		self.slots[path] = slot
	}
	return slot
}

func (self *MemoryStore) isClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.closed
}

// fails all live subscriptions with `ErrStoreClosed`.
// subsequent overwrites complete with `ErrStoreClosed`
func (self *MemoryStore) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	slots := maps.Values(self.slots)
	self.stateLock.Unlock()

	for _, slot := range slots {
		slot.fail(ErrStoreClosed)
	}
}

type memorySlot struct {
	store *MemoryStore
	path  string

	stateLock     sync.Mutex
	record        *structpb.Struct
	exists        bool
	subscriptions map[ulid.ULID]*snapshotSubscription
}

func newMemorySlot(store *MemoryStore, path string) *memorySlot {
	return &memorySlot{
		store:         store,
		path:          path,
		subscriptions: map[ulid.ULID]*snapshotSubscription{},
	}
}

func (self *memorySlot) Path() string {
	return self.path
}

// must be called with `stateLock` held
func (self *memorySlot) snapshot() *Snapshot {
	if !self.exists {
		return &Snapshot{}
	}
	return &Snapshot{
		Record: proto.Clone(self.record).(*structpb.Struct),
		Exists: true,
	}
}

func (self *memorySlot) Subscribe(snapshotCallback SnapshotFunction) func() {
	subscription := newSnapshotSubscription(
		snapshotCallback,
		self.store.settings.SnapshotBufferSize,
	)
	subscriptionId := ulid.Make()

	self.stateLock.Lock()
	self.subscriptions[subscriptionId] = subscription
	if self.store.isClosed() {
		subscription.fail(ErrStoreClosed)
	} else {
		subscription.queue(self.snapshot())
	}
	self.stateLock.Unlock()

	go subscription.run()

	return func() {
		self.stateLock.Lock()
		delete(self.subscriptions, subscriptionId)
		self.stateLock.Unlock()
		subscription.close()
	}
}

func (self *memorySlot) Overwrite(record *structpb.Struct, completeCallback CompleteFunction) {
	if self.store.isClosed() {
		if completeCallback != nil {
			go completeCallback(ErrStoreClosed)
		}
		return
	}
	if record == nil {
		record = &structpb.Struct{}
	}

	self.stateLock.Lock()
	self.record = proto.Clone(record).(*structpb.Struct)
	self.exists = true
	for _, subscription := range self.subscriptions {
		subscription.queue(self.snapshot())
	}
	self.stateLock.Unlock()

	if completeCallback != nil {
		// the write is asynchronous from the caller's point of view
		go completeCallback(nil)
	}
}

func (self *memorySlot) fail(err error) {
	self.stateLock.Lock()
	subscriptions := maps.Values(self.subscriptions)
	self.subscriptions = map[ulid.ULID]*snapshotSubscription{}
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		subscription.fail(err)
	}
}
