package statesync

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"bringyour.com/statesync/docstore"
)

// keeps local regions and their remote slots convergent under concurrent
// local and remote mutation, without the two replicas entering an update
// loop.
//
// control flow per region:
//   local mutation -> change notification -> push the full region snapshot
//   to the remote slot
//   remote change -> snapshot notification -> compare against the region
//   and, if different, replace the region contents
//
// the remote store resolves write races with last-writer-wins overwrite
// semantics. two processes writing within the same propagation window can
// silently overwrite one another; there is no version or timestamp guard.

type FailureKind string

const (
	// a remote snapshot could not be decoded. the apply was aborted and the
	// region left unchanged
	FailureKindDecode FailureKind = "decode"
	// an overwrite of the remote slot did not complete. local state is
	// unaffected; local mutations are never rolled back
	FailureKindWrite FailureKind = "write"
	// the underlying notification stream errored or closed. the lane is not
	// re-established automatically; the owner decides
	FailureKindSubscription FailureKind = "subscription"
)

type Failure struct {
	Kind     FailureKind
	SlotPath string
	Err      error
}

func (self *Failure) Error() string {
	return fmt.Sprintf("[%s]%s: %s", self.Kind, self.SlotPath, self.Err)
}

func (self *Failure) Unwrap() error {
	return self.Err
}

type FailureFunction func(failure *Failure)

// pairs one local region with one remote slot path
type RegionBinding[T any] struct {
	Region   *Region[T]
	SlotPath string
}

type SyncControllerSettings struct {
	// the fixed record field holding the element sequence
	ElementsField string
}

func DefaultSyncControllerSettings() *SyncControllerSettings {
	return &SyncControllerSettings{
		ElementsField: "elements",
	}
}

type SyncController[T any] struct {
	store    docstore.DocumentStore
	codec    *ElementCodec[T]
	settings *SyncControllerSettings

	stateLock sync.Mutex
	disposed  bool
	links     []*syncLink[T]

	failureCallbacks *CallbackList[FailureFunction]
}

func NewSyncControllerWithDefaults[T any](
	store docstore.DocumentStore,
	codec *ElementCodec[T],
	bindings []*RegionBinding[T],
) *SyncController[T] {
	return NewSyncController(store, codec, bindings, DefaultSyncControllerSettings())
}

// binds every region to its slot. the set of links is fixed for the life of
// the controller. construction does not block waiting for the first remote
// snapshot; the first notification may arrive after construction returns
func NewSyncController[T any](
	store docstore.DocumentStore,
	codec *ElementCodec[T],
	bindings []*RegionBinding[T],
	settings *SyncControllerSettings,
) *SyncController[T] {
	controller := &SyncController[T]{
		store:            store,
		codec:            codec,
		settings:         settings,
		failureCallbacks: NewCallbackList[FailureFunction](),
	}
	for _, binding := range bindings {
		link := &syncLink[T]{
			region: binding.Region,
			slot:   store.Slot(binding.SlotPath),
		}
		controller.links = append(controller.links, link)
	}
	// bind both lanes per link. a link's two subscriptions are both active
	// or both inactive; there is no partial state
	for _, link := range controller.links {
		link := link
		link.unsubRemote = link.slot.Subscribe(func(snapshot *docstore.Snapshot, err error) {
			controller.applyRemote(link, snapshot, err)
		})
		link.unsubLocal = link.region.AddChangeCallback(func() {
			controller.pushLocal(link)
		})
	}
	return controller
}

func (self *SyncController[T]) AddFailureCallback(failureCallback FailureFunction) func() {
	callbackId := self.failureCallbacks.Add(failureCallback)
	return func() {
		self.failureCallbacks.Remove(callbackId)
	}
}

// cancels all subscriptions. idempotent. after dispose, notifications that
// are already in flight are dropped at the handler entry
func (self *SyncController[T]) Dispose() {
	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		return
	}
	self.disposed = true
	links := self.links
	self.stateLock.Unlock()

	for _, link := range links {
		link.unsubLocal()
		link.unsubRemote()
	}
}

func (self *SyncController[T]) active() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return !self.disposed
}

// apply remote -> local.
// decode the snapshot, remember it as the last known remote state, and
// replace the region contents only when they differ. the equality check is
// what keeps the two lanes from feeding each other forever
func (self *SyncController[T]) applyRemote(link *syncLink[T], snapshot *docstore.Snapshot, err error) {
	if !self.active() {
		return
	}
	if err != nil {
		self.failure(&Failure{
			Kind:     FailureKindSubscription,
			SlotPath: link.slot.Path(),
			Err:      err,
		})
		return
	}

	var remoteElements []T
	if snapshot.Exists {
		decoded, decodeErr := decodeElements(snapshot.Record, self.codec, self.settings.ElementsField)
		if decodeErr != nil {
			// abort this apply whole. the region stays unchanged
			self.failure(&Failure{
				Kind:     FailureKindDecode,
				SlotPath: link.slot.Path(),
				Err:      decodeErr,
			})
			return
		}
		remoteElements = decoded
	} else {
		// never written
		remoteElements = []T{}
	}

	// record the remote state before replacing, so that the local change
	// notification from the replace compares equal and pushes nothing
	link.setRemoteElements(remoteElements)

	if SequencesEqual(remoteElements, link.region.Elements(), self.codec.Equal) {
		return
	}
	link.region.Replace(remoteElements)
}

// push local -> remote.
// a full overwrite with the complete current contents, never a delta.
// when the contents already match the last known remote state the push is
// suppressed; this is the re-compare that stops the write-back echo
func (self *SyncController[T]) pushLocal(link *syncLink[T]) {
	if !self.active() {
		return
	}

	elements := link.region.Elements()
	if remoteElements, known := link.remoteElements(); known {
		if SequencesEqual(elements, remoteElements, self.codec.Equal) {
			return
		}
	}

	record, err := encodeElements(elements, self.codec, self.settings.ElementsField)
	if err != nil {
		self.failure(&Failure{
			Kind:     FailureKindWrite,
			SlotPath: link.slot.Path(),
			Err:      err,
		})
		return
	}

	link.setRemoteElements(elements)
	link.slot.Overwrite(record, func(err error) {
		if err == nil {
			return
		}
		if !self.active() {
			return
		}
		self.failure(&Failure{
			Kind:     FailureKindWrite,
			SlotPath: link.slot.Path(),
			Err:      err,
		})
	})
}

func (self *SyncController[T]) failure(failure *Failure) {
	glog.Infof("[sync]%s\n", failure)
	for _, failureCallback := range self.failureCallbacks.Get() {
		failureCallback := failureCallback
		handleCallback(func() {
			failureCallback(failure)
		})
	}
}

// the live pairing of one region with one remote slot
type syncLink[T any] struct {
	region *Region[T]
	slot   docstore.Slot

	unsubRemote func()
	unsubLocal  func()

	remoteLock  sync.Mutex
	lastRemote  []T
	remoteKnown bool
}

func (self *syncLink[T]) setRemoteElements(elements []T) {
	self.remoteLock.Lock()
	defer self.remoteLock.Unlock()

	self.lastRemote = elements
	self.remoteKnown = true
}

func (self *syncLink[T]) remoteElements() ([]T, bool) {
	self.remoteLock.Lock()
	defer self.remoteLock.Unlock()

	return self.lastRemote, self.remoteKnown
}
