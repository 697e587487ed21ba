package docstore

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// a document store holds one record per slot, addressed by a stable path
// e.g. matches/match_1/areas/area_one
// slots are overwritten whole. the conflict policy is last writer wins:
// the most recently completed overwrite determines the stored value, with
// no merge of concurrent writes.

// a point-in-time view of a slot.
// `Exists` is false when the slot has never been written; `Record` is nil
// in that case
type Snapshot struct {
	Record *structpb.Struct
	Exists bool
}

// receives slot snapshots.
// a non-nil err means the subscription stream itself failed.
// no further snapshots are delivered after an err
type SnapshotFunction func(snapshot *Snapshot, err error)

// receives the result of an asynchronous overwrite
type CompleteFunction func(err error)

type Slot interface {
	Path() string
	// delivers the current snapshot immediately on subscribe, including
	// absence, then one snapshot per change, in order.
	// the returned function cancels the subscription
	Subscribe(snapshotCallback SnapshotFunction) func()
	// asynchronous full overwrite of the slot. no partial-field update.
	// completeCallback may be nil
	Overwrite(record *structpb.Struct, completeCallback CompleteFunction)
}

type DocumentStore interface {
	// resolves a stable slot path to a slot reference
	Slot(path string) Slot
}
