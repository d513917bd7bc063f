package connect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

type testTransportHandler struct {
	stateLock  sync.Mutex
	opened     int
	messages   []string
	closeCodes []int
	errs       []error
}

func (self *testTransportHandler) TransportOpen(transport Transport) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.opened += 1
}

func (self *testTransportHandler) TransportMessage(transport Transport, messageType MessageType, data []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = append(self.messages, string(data))
}

func (self *testTransportHandler) TransportError(transport Transport, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.errs = append(self.errs, err)
}

func (self *testTransportHandler) TransportClose(transport Transport, code int, reason string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closeCodes = append(self.closeCodes, code)
}

func (self *testTransportHandler) terminalCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.closeCodes) + len(self.errs)
}

func wsTestUrl(httpServer *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + path
}

func TestWsTransportEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte("auth="+r.Header.Get("Authorization")))
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(message) == "bye" {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "bye"))
				return
			}
			ws.WriteMessage(messageType, message)
		}
	}))
	defer httpServer.Close()

	handler := &testTransportHandler{}
	transport := DefaultTransportSettings().NewTransport(handler)
	header := http.Header{}
	header.Set("Authorization", "Bearer abc")
	assert.Equal(t, transport.Connect(context.Background(), wsTestUrl(httpServer, "/"), header), nil)
	assert.Equal(t, handler.opened, 1)

	assert.Equal(t, transport.SendText("hello"), nil)
	assert.Equal(t, transport.SendBinary([]byte{'S', 0, 0, 0, 0}), nil)
	waitFor(t, func() bool {
		handler.stateLock.Lock()
		defer handler.stateLock.Unlock()
		return len(handler.messages) == 3
	})
	assert.Equal(t, handler.messages[0], "auth=Bearer abc")
	assert.Equal(t, handler.messages[1], "hello")

	assert.Equal(t, transport.SendText("bye"), nil)
	waitFor(t, func() bool {
		return handler.terminalCount() == 1
	})
	assert.Equal(t, handler.closeCodes, []int{4000})
}

func TestWsTransportClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer httpServer.Close()

	handler := &testTransportHandler{}
	transport := DefaultTransportSettings().NewTransport(handler)
	assert.Equal(t, transport.Connect(context.Background(), wsTestUrl(httpServer, "/"), http.Header{}), nil)

	assert.Equal(t, transport.Close(), nil)
	waitFor(t, func() bool {
		return handler.terminalCount() == 1
	})
	assert.Equal(t, len(handler.errs), 0)
	assert.Equal(t, transport.SendText("x"), ErrTransportClosed)
	// exactly one terminal callback
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, handler.terminalCount(), 1)
}

func TestWsTransportConnectError(t *testing.T) {
	httpServer := httptest.NewServer(http.NotFoundHandler())
	defer httpServer.Close()

	handler := &testTransportHandler{}
	transport := DefaultTransportSettings().NewTransport(handler)
	assert.NotEqual(t, transport.Connect(context.Background(), wsTestUrl(httpServer, "/"), http.Header{}), nil)
	assert.Equal(t, handler.opened, 0)
	assert.Equal(t, handler.terminalCount(), 0)
}

func TestWsTransportReadLimit(t *testing.T) {
	upgrader := websocket.Upgrader{}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte("small"))
		ws.WriteMessage(websocket.BinaryMessage, make([]byte, 1024))
		ws.ReadMessage()
	}))
	defer httpServer.Close()

	settings := DefaultTransportSettings()
	settings.ReadLimit = 256
	handler := &testTransportHandler{}
	transport := settings.NewTransport(handler)
	assert.Equal(t, transport.Connect(context.Background(), wsTestUrl(httpServer, "/"), http.Header{}), nil)

	// an oversized message ends the transport with an error
	waitFor(t, func() bool {
		return handler.terminalCount() == 1
	})
	assert.Equal(t, handler.messages, []string{"small"})
	assert.Equal(t, len(handler.errs), 1)
	assert.Equal(t, errors.Is(handler.errs[0], websocket.ErrReadLimit), true)
}

// a minimal esp server: every socket gets a ready handshake
// subscribers get a schema and one page of events on `<load/>`
func newEspTestServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ws.WriteMessage(websocket.TextMessage, []byte("status: 200\nversion: 7.1\n\n"))
		subscriber := strings.Contains(r.URL.Path, "/subscribers/")
		if subscriber {
			ws.WriteMessage(websocket.TextMessage, []byte(idNameSchema))
		}
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if subscriber && string(message) == "<load/>" {
				ws.WriteMessage(websocket.TextMessage, []byte(`<events page="1" pages="1">
					<event opcode="insert"><id>1</id><name>a</name></event>
					<event opcode="insert"><id>2</id><name>b</name></event>
				</events>`))
			}
		}
	}))
	t.Cleanup(httpServer.Close)
	return httpServer
}

func TestWsServerConnectionEndToEnd(t *testing.T) {
	httpServer := newEspTestServer(t)

	server, err := NewServerConnectionWithDefaults(context.Background(), httpServer.URL)
	assert.Equal(t, err, nil)
	defer server.Close()

	collection, err := server.GetEventCollection("p/cq/w", nil)
	assert.Equal(t, err, nil)
	delegate := &testDataDelegate{}
	assert.Equal(t, collection.AddDelegate(delegate), nil)

	ready := &testServerDelegate{}
	assert.Equal(t, server.AddDelegate(ready), nil)
	assert.Equal(t, server.Start(), nil)

	waitFor(t, func() bool {
		return len(collection.Keys()) == 2
	})
	assert.Equal(t, server.Version(), "7.1")
	assert.Equal(t, collection.Page(), 1)
	assert.Equal(t, collection.Values("name"), []string{"a", "b"})

	server.Close()
	assert.Equal(t, server.State(), Disconnected)
	waitFor(t, func() bool {
		return collection.Connection().State() == Disconnected
	})
}
