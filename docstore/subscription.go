package docstore

import (
	"sync"
)

// one snapshot subscription: a buffered channel drained by a single
// goroutine. deliveries are ordered and the callback runs to completion
// before the next snapshot for this subscription is processed
type snapshotSubscription struct {
	snapshotCallback SnapshotFunction

	snapshots chan *Snapshot
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newSnapshotSubscription(snapshotCallback SnapshotFunction, bufferSize int) *snapshotSubscription {
	return &snapshotSubscription{
		snapshotCallback: snapshotCallback,
		snapshots:        make(chan *Snapshot, bufferSize),
		errs:             make(chan error, 1),
		done:             make(chan struct{}),
	}
}

// never blocks. when the buffer is full the oldest pending snapshot is
// dropped; every snapshot carries the full slot state, so dropping an older
// one only skips an intermediate state
func (self *snapshotSubscription) queue(snapshot *Snapshot) {
	for {
		select {
		case self.snapshots <- snapshot:
			return
		default:
		}
		select {
		case <-self.snapshots:
		default:
		}
	}
}

// fails the stream. the error is delivered once and ends the subscription
func (self *snapshotSubscription) fail(err error) {
	select {
	case self.errs <- err:
	default:
	}
}

func (self *snapshotSubscription) close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}

func (self *snapshotSubscription) run() {
	for {
		select {
		case <-self.done:
			return
		case err := <-self.errs:
			self.snapshotCallback(nil, err)
			return
		case snapshot := <-self.snapshots:
			select {
			case <-self.done:
				return
			default:
			}
			self.snapshotCallback(snapshot, nil)
		}
	}
}
