package docstore

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/types/known/structpb"
)

// websocket document store server.
// one read loop and one write loop per connection. the slot table is
// shared across connections; a committed overwrite fans out snapshots to
// every subscriber of the slot, on any connection, in commit order.

type DocStoreServerSettings struct {
	WriteTimeout time.Duration
	// per-connection outgoing frame buffer. a connection that cannot keep
	// up is closed rather than blocking the store
	SendBufferSize int
}

func DefaultDocStoreServerSettings() *DocStoreServerSettings {
	return &DocStoreServerSettings{
		WriteTimeout:   5 * time.Second,
		SendBufferSize: 32,
	}
}

type DocStoreServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *DocStoreServerSettings
	upgrader *websocket.Upgrader

	stateLock sync.Mutex
	slots     map[string]*serverSlot
	conns     map[*serverConn]bool
}

type serverSlot struct {
	record *structpb.Struct
	exists bool
	// conn -> client-chosen sub ids
	subscriptions map[*serverConn]map[string]bool
}

func NewDocStoreServerWithDefaults(ctx context.Context) *DocStoreServer {
	return NewDocStoreServer(ctx, DefaultDocStoreServerSettings())
}

func NewDocStoreServer(ctx context.Context, settings *DocStoreServerSettings) *DocStoreServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &DocStoreServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{},
		slots:    map[string]*serverSlot{},
		conns:    map[*serverConn]bool{},
	}
}

func (self *DocStoreServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[store]upgrade err = %s\n", err)
		return
	}

	conn := newServerConn(self, ws)
	self.stateLock.Lock()
	self.conns[conn] = true
	self.stateLock.Unlock()

	go conn.writeLoop()
	conn.readLoop()

	self.removeConn(conn)
	conn.close()
}

func (self *DocStoreServer) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: self,
	}
	go func() {
		<-self.ctx.Done()
		httpServer.Close()
	}()
	return httpServer.ListenAndServe()
}

// closes all connections. live client subscriptions see a stream error
func (self *DocStoreServer) Close() {
	self.cancel()

	self.stateLock.Lock()
	conns := maps.Keys(self.conns)
	self.stateLock.Unlock()

	for _, conn := range conns {
		conn.close()
	}
}

// must be called with `stateLock` held
func (self *DocStoreServer) slot(path string) *serverSlot {
	slot, ok := self.slots[path]
	if !ok {
		slot = &serverSlot{
			subscriptions: map[*serverConn]map[string]bool{},
		}
		self.slots[path] = slot
	}
	return slot
}

func (self *DocStoreServer) subscribe(conn *serverConn, subId string, path string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	slot := self.slot(path)
	subIds, ok := slot.subscriptions[conn]
	if !ok {
		subIds = map[string]bool{}
		slot.subscriptions[conn] = subIds
	}
	subIds[subId] = true
	conn.subPaths[subId] = path

	// the current snapshot is delivered immediately on subscribe,
	// including absence
	conn.queue(snapshotMessage(subId, path, slot.record, slot.exists))
}

func (self *DocStoreServer) unsubscribe(conn *serverConn, subId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	path, ok := conn.subPaths[subId]
	if !ok {
		return
	}
	delete(conn.subPaths, subId)
	if slot, ok := self.slots[path]; ok {
		if subIds, ok := slot.subscriptions[conn]; ok {
			delete(subIds, subId)
			if len(subIds) == 0 {
				delete(slot.subscriptions, conn)
			}
		}
	}
}

// commits an overwrite and fans out the new snapshot.
// the fan-out happens under the state lock so that every subscription sees
// overwrites in commit order
func (self *DocStoreServer) write(conn *serverConn, writeId string, path string, record *structpb.Struct) {
	if record == nil {
		conn.queue(writeResultMessage(writeId, "missing record"))
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	slot := self.slot(path)
	slot.record = record
	slot.exists = true

	conn.queue(writeResultMessage(writeId, ""))
	for subConn, subIds := range slot.subscriptions {
		for subId := range subIds {
			subConn.queue(snapshotMessage(subId, path, record, true))
		}
	}
}

func (self *DocStoreServer) removeConn(conn *serverConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for subId, path := range conn.subPaths {
		if slot, ok := self.slots[path]; ok {
			delete(slot.subscriptions, conn)
		}
		delete(conn.subPaths, subId)
	}
	delete(self.conns, conn)
}

type serverConn struct {
	server *DocStoreServer
	ws     *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// sub id -> path, guarded by the server state lock
	subPaths map[string]string
}

func newServerConn(server *DocStoreServer, ws *websocket.Conn) *serverConn {
	return &serverConn{
		server:   server,
		ws:       ws,
		send:     make(chan []byte, server.settings.SendBufferSize),
		done:     make(chan struct{}),
		subPaths: map[string]string{},
	}
}

func (self *serverConn) close() {
	self.closeOnce.Do(func() {
		close(self.done)
		self.ws.Close()
	})
}

// never blocks. a connection whose send buffer is full is closed
func (self *serverConn) queue(fields map[string]*structpb.Value) {
	messageBytes, err := encodeMessage(fields)
	if err != nil {
		glog.Errorf("[store]encode message err = %s\n", err)
		return
	}
	select {
	case self.send <- messageBytes:
	case <-self.done:
	default:
		glog.Infof("[store]send buffer full. closing connection.\n")
		self.close()
	}
}

func (self *serverConn) readLoop() {
	for {
		messageType, messageBytes, err := self.ws.ReadMessage()
		if err != nil {
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
		case messageTypeSub:
			self.server.subscribe(
				self,
				messageString(message, fieldSubId),
				messageString(message, fieldPath),
			)
		case messageTypeUnsub:
			self.server.unsubscribe(self, messageString(message, fieldSubId))
		case messageTypeWrite:
			self.server.write(
				self,
				messageString(message, fieldWriteId),
				messageString(message, fieldPath),
				messageRecord(message, fieldRecord),
			)
		default:
			glog.Infof("[store]unknown message type. ignoring.\n")
		}
	}
}

func (self *serverConn) writeLoop() {
	defer self.close()

	for {
		select {
		case <-self.done:
			return
		case messageBytes := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.server.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, messageBytes); err != nil {
				return
			}
		}
	}
}
