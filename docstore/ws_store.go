package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/types/known/structpb"
)

// websocket document store client.
// a single read loop dispatches snapshots to per-subscription drain
// channels and write results to pending overwrites. when the connection is
// lost, every live subscription receives a stream error and every pending
// overwrite completes with an error. the store does not reconnect; the
// owner dials a new store and re-subscribes.

type WsStoreSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	SnapshotBufferSize int
}

func DefaultWsStoreSettings() *WsStoreSettings {
	return &WsStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		SnapshotBufferSize: 32,
	}
}

type WsStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	url      string
	settings *WsStoreSettings

	ws       *websocket.Conn
	sendLock sync.Mutex

	stateLock     sync.Mutex
	closed        bool
	subscriptions map[string]*snapshotSubscription
	pendingWrites map[string]CompleteFunction
}

func NewWsStoreWithDefaults(ctx context.Context, url string) (*WsStore, error) {
	return NewWsStore(ctx, url, DefaultWsStoreSettings())
}

func NewWsStore(ctx context.Context, url string, settings *WsStoreSettings) (*WsStore, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	store := &WsStore{
		ctx:           cancelCtx,
		cancel:        cancel,
		url:           url,
		settings:      settings,
		ws:            ws,
		subscriptions: map[string]*snapshotSubscription{},
		pendingWrites: map[string]CompleteFunction{},
	}
	go store.run()
	return store, nil
}

func (self *WsStore) Slot(path string) Slot {
	return &wsSlot{
		store: self,
		path:  path,
	}
}

func (self *WsStore) Close() {
	self.cancel()
}

func (self *WsStore) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	go func() {
		<-self.ctx.Done()
		self.ws.Close()
	}()

	for {
		messageType, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
			self.fail(fmt.Errorf("%w: %s", ErrStoreClosed, err))
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		message, err := decodeMessage(messageBytes)
		if err != nil {
			glog.Infof("[store]%s\n", err)
			continue
		}

		switch messageString(message, fieldType) {
		case messageTypeSnapshot:
			self.handleSnapshot(message)
		case messageTypeWriteResult:
			self.handleWriteResult(message)
		default:
			glog.Infof("[store]unknown message type. ignoring.\n")
		}
	}
}

func (self *WsStore) handleSnapshot(message *structpb.Struct) {
	self.stateLock.Lock()
	subscription := self.subscriptions[messageString(message, fieldSubId)]
	self.stateLock.Unlock()
	if subscription == nil {
		// unsubscribed while the snapshot was in flight
		return
	}

	snapshot := &Snapshot{}
	if messageBool(message, fieldExists) {
		snapshot.Record = messageRecord(message, fieldRecord)
		snapshot.Exists = true
	}
	subscription.queue(snapshot)
}

func (self *WsStore) handleWriteResult(message *structpb.Struct) {
	self.stateLock.Lock()
	writeId := messageString(message, fieldWriteId)
	completeCallback, ok := self.pendingWrites[writeId]
	delete(self.pendingWrites, writeId)
	self.stateLock.Unlock()
	if !ok || completeCallback == nil {
		return
	}

	var err error
	if errText := messageString(message, fieldError); errText != "" {
		err = fmt.Errorf("%w: %s", ErrWriteRejected, errText)
	}
	go completeCallback(err)
}

func (self *WsStore) fail(err error) {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	subscriptions := maps.Values(self.subscriptions)
	pendingWrites := maps.Values(self.pendingWrites)
	self.subscriptions = map[string]*snapshotSubscription{}
	self.pendingWrites = map[string]CompleteFunction{}
	self.stateLock.Unlock()

	for _, subscription := range subscriptions {
		subscription.fail(err)
	}
	for _, completeCallback := range pendingWrites {
		if completeCallback != nil {
			go completeCallback(err)
		}
	}
}

func (self *WsStore) send(fields map[string]*structpb.Value) error {
	messageBytes, err := encodeMessage(fields)
	if err != nil {
		return err
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, messageBytes)
}

type wsSlot struct {
	store *WsStore
	path  string
}

func (self *wsSlot) Path() string {
	return self.path
}

func (self *wsSlot) Subscribe(snapshotCallback SnapshotFunction) func() {
	subscription := newSnapshotSubscription(
		snapshotCallback,
		self.store.settings.SnapshotBufferSize,
	)
	subId := ulid.Make().String()

	self.store.stateLock.Lock()
	closed := self.store.closed
	if !closed {
		self.store.subscriptions[subId] = subscription
	}
	self.store.stateLock.Unlock()

	go subscription.run()

	if closed {
		subscription.fail(ErrStoreClosed)
	} else if err := self.store.send(subMessage(subId, self.path)); err != nil {
		subscription.fail(err)
	}

	return func() {
		self.store.stateLock.Lock()
		delete(self.store.subscriptions, subId)
		self.store.stateLock.Unlock()

		// best effort; the server also drops subscriptions on disconnect
		self.store.send(unsubMessage(subId))
		subscription.close()
	}
}

func (self *wsSlot) Overwrite(record *structpb.Struct, completeCallback CompleteFunction) {
	writeId := ulid.Make().String()

	self.store.stateLock.Lock()
	if self.store.closed {
		self.store.stateLock.Unlock()
		if completeCallback != nil {
			go completeCallback(ErrStoreClosed)
		}
		return
	}
	self.store.pendingWrites[writeId] = completeCallback
	self.store.stateLock.Unlock()

	if err := self.store.send(writeMessage(writeId, self.path, record)); err != nil {
		self.store.stateLock.Lock()
		delete(self.store.pendingWrites, writeId)
		self.store.stateLock.Unlock()
		if completeCallback != nil {
			go completeCallback(err)
		}
	}
}
