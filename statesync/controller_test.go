package statesync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"bringyour.com/statesync/docstore"
)

// notifications are asynchronous, so the tests wait for conditions and then
// let the lanes settle before asserting that nothing else happened

func waitFor(condition func() bool) bool {
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

func settle() {
	time.Sleep(200 * time.Millisecond)
}

// wraps a document store to count and optionally fail overwrites.
// reads and subscriptions pass through untouched
type testStore struct {
	store docstore.DocumentStore

	mutex      sync.Mutex
	writes     map[string]int
	failWrites bool
}

func newTestStore(store docstore.DocumentStore) *testStore {
	return &testStore{
		store:  store,
		writes: map[string]int{},
	}
}

func (self *testStore) Slot(path string) docstore.Slot {
	return &testSlot{
		testStore: self,
		slot:      self.store.Slot(path),
	}
}

func (self *testStore) writeCount(path string) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.writes[path]
}

func (self *testStore) setFailWrites(failWrites bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.failWrites = failWrites
}

type testSlot struct {
	testStore *testStore
	slot      docstore.Slot
}

func (self *testSlot) Path() string {
	return self.slot.Path()
}

func (self *testSlot) Subscribe(snapshotCallback docstore.SnapshotFunction) func() {
	return self.slot.Subscribe(snapshotCallback)
}

func (self *testSlot) Overwrite(record *structpb.Struct, completeCallback docstore.CompleteFunction) {
	self.testStore.mutex.Lock()
	self.testStore.writes[self.slot.Path()] += 1
	failWrites := self.testStore.failWrites
	self.testStore.mutex.Unlock()

	if failWrites {
		if completeCallback != nil {
			go completeCallback(errors.New("write failed"))
		}
		return
	}
	self.slot.Overwrite(record, completeCallback)
}

type failureLog struct {
	mutex    sync.Mutex
	failures []*Failure
}

func (self *failureLog) add(failure *Failure) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.failures = append(self.failures, failure)
}

func (self *failureLog) get() []*Failure {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return append([]*Failure{}, self.failures...)
}

func (self *failureLog) countKind(kind FailureKind) int {
	count := 0
	for _, failure := range self.get() {
		if failure.Kind == kind {
			count += 1
		}
	}
	return count
}

func encodeTestCards(t *testing.T, cards []testCard) *structpb.Struct {
	record, err := encodeElements(cards, testCardCodec(), "elements")
	assert.Equal(t, err, nil)
	return record
}

const areaOnePath = "matches/match_1/areas/area_one"
const areaTwoPath = "matches/match_1/areas/area_two"

// the cookbook scenario: local mutation pushes once, an equal remote
// snapshot is a no-op, a different remote snapshot replaces the region once
// and pushes nothing back
func TestSyncScenario(t *testing.T) {
	raw := docstore.NewMemoryStoreWithDefaults()
	store := newTestStore(raw)
	codec := testCardCodec()

	region := NewRegion[testCard]("area_one")
	controller := NewSyncControllerWithDefaults(store, codec, []*RegionBinding[testCard]{
		{Region: region, SlotPath: areaOnePath},
	})
	defer controller.Dispose()

	var changeLock sync.Mutex
	changeCount := 0
	region.AddChangeCallback(func() {
		changeLock.Lock()
		changeCount += 1
		changeLock.Unlock()
	})
	changes := func() int {
		changeLock.Lock()
		defer changeLock.Unlock()
		return changeCount
	}

	// let the initial (absent) snapshot apply
	settle()
	assert.Equal(t, 0, region.Len())
	assert.Equal(t, 0, store.writeCount(areaOnePath))

	card7 := testCard{suit: "spades", value: 7}
	card2 := testCard{suit: "hearts", value: 2}
	card9 := testCard{suit: "clubs", value: 9}

	// local mutation -> exactly one remote write carrying the full contents
	region.Replace([]testCard{card7, card2})
	assert.Equal(t, true, waitFor(func() bool {
		return store.writeCount(areaOnePath) == 1
	}))
	settle()
	// the store echoes the write back to the controller's own subscription.
	// the equality check must absorb it: no extra writes, no replacement
	assert.Equal(t, 1, store.writeCount(areaOnePath))
	assert.Equal(t, 1, changes())
	assert.Equal(t, []testCard{card7, card2}, region.Elements())

	// a remote notification with the same contents is a no-op
	raw.Slot(areaOnePath).Overwrite(encodeTestCards(t, []testCard{card7, card2}), nil)
	settle()
	assert.Equal(t, 1, store.writeCount(areaOnePath))
	assert.Equal(t, 1, changes())

	// a remote notification with different contents replaces the region
	// exactly once and triggers no write back
	raw.Slot(areaOnePath).Overwrite(encodeTestCards(t, []testCard{card9}), nil)
	assert.Equal(t, true, waitFor(func() bool {
		return SequencesEqual([]testCard{card9}, region.Elements(), codec.Equal)
	}))
	settle()
	assert.Equal(t, 2, changes())
	assert.Equal(t, 1, store.writeCount(areaOnePath))
}

func TestNoLoop(t *testing.T) {
	raw := docstore.NewMemoryStoreWithDefaults()
	store := newTestStore(raw)
	codec := testCardCodec()

	card7 := testCard{suit: "spades", value: 7}

	region := NewRegion[testCard]("area_one")
	controller := NewSyncControllerWithDefaults(store, codec, []*RegionBinding[testCard]{
		{Region: region, SlotPath: areaOnePath},
	})
	defer controller.Dispose()

	settle()
	region.Replace([]testCard{card7})
	assert.Equal(t, true, waitFor(func() bool {
		return store.writeCount(areaOnePath) == 1
	}))

	// remote notifications whose contents equal the region produce zero
	// writes, no matter how many arrive
	for i := 0; i < 5; i += 1 {
		raw.Slot(areaOnePath).Overwrite(encodeTestCards(t, []testCard{card7}), nil)
	}
	settle()
	assert.Equal(t, 1, store.writeCount(areaOnePath))
	assert.Equal(t, []testCard{card7}, region.Elements())
}

// every write decodes to exactly the region contents at the moment the
// write was issued
func TestFullOverwrite(t *testing.T) {
	raw := docstore.NewMemoryStoreWithDefaults()
	store := newTestStore(raw)
	codec := testCardCodec()

	region := NewRegion[testCard]("area_one")
	controller := NewSyncControllerWithDefaults(store, codec, []*RegionBinding[testCard]{
		{Region: region, SlotPath: areaOnePath},
	})
	defer controller.Dispose()

	var observedLock sync.Mutex
	observed := [][]testCard{}
	unsub := raw.Slot(areaOnePath).Subscribe(func(snapshot *docstore.Snapshot, err error) {
		if err != nil || !snapshot.Exists {
			return
		}
		decoded, decodeErr := decodeElements(snapshot.Record, codec, "elements")
		if decodeErr != nil {
			// a malformed write would show up as a missing observation
			return
		}
		observedLock.Lock()
		observed = append(observed, decoded)
		observedLock.Unlock()
	})
	defer unsub()

	settle()

	card7 := testCard{suit: "spades", value: 7}
	card2 := testCard{suit: "hearts", value: 2}
	card9 := testCard{suit: "clubs", value: 9}

	states := [][]testCard{
		{card7},
		{card7, card2},
		{card9},
	}
	for i, state := range states {
		region.Replace(state)
		assert.Equal(t, true, waitFor(func() bool {
			return store.writeCount(areaOnePath) == i+1
		}))
		settle()
	}

	observedLock.Lock()
	defer observedLock.Unlock()
	assert.Equal(t, len(states), len(observed))
	for i, state := range states {
		assert.Equal(t, true, SequencesEqual(state, observed[i], codec.Equal))
	}
}

func TestDisposal(t *testing.T) {
	raw := docstore.NewMemoryStoreWithDefaults()
	store := newTestStore(raw)
	codec := testCardCodec()

	region := NewRegion[testCard]("area_one")
	controller := NewSyncControllerWithDefaults(store, codec, []*RegionBinding[testCard]{
		{Region: region, SlotPath: areaOnePath},
	})

	settle()
	controller.Dispose()
	// idempotent
	controller.Dispose()

	card7 := testCard{suit: "spades", value: 7}

	// local mutations push nothing
	region.Replace([]testCard{card7})
	settle()
	assert.Equal(t, 0, store.writeCount(areaOnePath))

	// remote notifications replace nothing
	raw.Slot(areaOnePath).Overwrite(encodeTestCards(t, []testCard{}), nil)
	settle()
	assert.Equal(t, []testCard{card7}, region.Elements())
}

func TestDecodeFailureIsolation(t *testing.T) {
	raw := docstore.NewMemoryStoreWithDefaults()
	store := newTestStore(raw)
	codec := testCardCodec()

	card7 := testCard{suit: "spades", value: 7}
	card2 := testCard{suit: "hearts", value: 2}

	regionOne := NewRegion[testCard]("area_one")
	regionTwo := NewRegion[testCard]("area_two")
	controller := NewSyncControllerWithDefaults(store, codec, []*RegionBinding[testCard]{
		{Region: regionOne, SlotPath: areaOnePath},
		{Region: regionTwo, SlotPath: areaTwoPath},
	})
	defer controller.Dispose()

	failures := &failureLog{}
	controller.AddFailureCallback(failures.add)

	settle()
	regionOne.Replace([]testCard{card7})
	regionTwo.Replace([]testCard{card2})
	assert.Equal(t, true, waitFor(func() bool {
		return store.writeCount(areaOnePath) == 1 && store.writeCount(areaTwoPath) == 1
	}))
	settle()

	// a malformed record for area one aborts only that apply
	raw.Slot(areaOnePath).Overwrite(&structpb.Struct{
		Fields: map[string]*structpb.Value{
			"elements": structpb.NewStringValue("nope"),
		},
	}, nil)
	assert.Equal(t, true, waitFor(func() bool {
		return failures.countKind(FailureKindDecode) == 1
	}))
	settle()

	failure := failures.get()[0]
	assert.Equal(t, FailureKindDecode, failure.Kind)
	assert.Equal(t, areaOnePath, failure.SlotPath)
	assert.Equal(t, true, errors.Is(failure.Err, ErrMalformedElements))

	// both regions unchanged, no writes triggered
	assert.Equal(t, []testCard{card7}, regionOne.Elements())
	assert.Equal(t, []testCard{card2}, regionTwo.Elements())
	assert.Equal(t, 1, store.writeCount(areaOnePath))
	assert.Equal(t, 1, store.writeCount(areaTwoPath))

	// area two still applies valid remote snapshots
	raw.Slot(areaTwoPath).Overwrite(encodeTestCards(t, []testCard{card7, card2}), nil)
	assert.Equal(t, true, waitFor(func() bool {
		return SequencesEqual([]testCard{card7, card2}, regionTwo.Elements(), codec.Equal)
	}))
}

func TestWriteFailure(t *testing.T) {
	raw := docstore.NewMemoryStoreWithDefaults()
	store := newTestStore(raw)
	codec := testCardCodec()

	region := NewRegion[testCard]("area_one")
	controller := NewSyncControllerWithDefaults(store, codec, []*RegionBinding[testCard]{
		{Region: region, SlotPath: areaOnePath},
	})
	defer controller.Dispose()

	failures := &failureLog{}
	controller.AddFailureCallback(failures.add)

	settle()
	store.setFailWrites(true)

	card7 := testCard{suit: "spades", value: 7}
	region.Replace([]testCard{card7})

	assert.Equal(t, true, waitFor(func() bool {
		return failures.countKind(FailureKindWrite) == 1
	}))
	// the local mutation is never rolled back
	assert.Equal(t, []testCard{card7}, region.Elements())
}

func TestSubscriptionFailure(t *testing.T) {
	raw := docstore.NewMemoryStoreWithDefaults()
	store := newTestStore(raw)
	codec := testCardCodec()

	regionOne := NewRegion[testCard]("area_one")
	regionTwo := NewRegion[testCard]("area_two")
	controller := NewSyncControllerWithDefaults(store, codec, []*RegionBinding[testCard]{
		{Region: regionOne, SlotPath: areaOnePath},
		{Region: regionTwo, SlotPath: areaTwoPath},
	})
	defer controller.Dispose()

	failures := &failureLog{}
	controller.AddFailureCallback(failures.add)

	settle()
	raw.Close()

	assert.Equal(t, true, waitFor(func() bool {
		return failures.countKind(FailureKindSubscription) == 2
	}))
	for _, failure := range failures.get() {
		assert.Equal(t, true, errors.Is(failure.Err, docstore.ErrStoreClosed))
	}
}

func TestFailureCallbackRemove(t *testing.T) {
	raw := docstore.NewMemoryStoreWithDefaults()
	store := newTestStore(raw)
	codec := testCardCodec()

	region := NewRegion[testCard]("area_one")
	controller := NewSyncControllerWithDefaults(store, codec, []*RegionBinding[testCard]{
		{Region: region, SlotPath: areaOnePath},
	})
	defer controller.Dispose()

	failures := &failureLog{}
	unsub := controller.AddFailureCallback(failures.add)
	unsub()

	settle()
	store.setFailWrites(true)
	region.Replace([]testCard{{suit: "spades", value: 7}})
	settle()
	assert.Equal(t, 0, len(failures.get()))
}
