package connect

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/espconnect/protocol"
)

type testHandler struct {
	url          string
	canAuthorize bool

	stateLock       sync.Mutex
	handshakeCount  int
	messages        []string
	data            [][]byte
	schemes         []string
	errs            []error
	closedRequested []bool
	closedErrs      []error
}

func (self *testHandler) connectUrl() string {
	return self.url
}

func (self *testHandler) handshakeComplete() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.handshakeCount += 1
}

func (self *testHandler) handleMessage(message string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = append(self.messages, message)
}

func (self *testHandler) handleData(data []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.data = append(self.data, data)
}

func (self *testHandler) authenticate(scheme string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.schemes = append(self.schemes, scheme)
	return self.canAuthorize
}

func (self *testHandler) reportError(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.errs = append(self.errs, err)
}

func (self *testHandler) handleClosed(requested bool, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.closedRequested = append(self.closedRequested, requested)
	self.closedErrs = append(self.closedErrs, err)
}

func newTestConnection(network *fakeNetwork, handler *testHandler) *Connection {
	return newConnection("[test]", handler, network.transportSettings())
}

func TestConnectionState(t *testing.T) {
	assert.Equal(t, Disconnected.String(), "disconnected")
	assert.Equal(t, HandshakePending.String(), "handshake_pending")
	assert.Equal(t, Ready.String(), "ready")
	assert.Equal(t, Closing.String(), "closing")
}

func TestParseHeaders(t *testing.T) {
	headers := parseHeaders("Status: 401\r\nWWW-Authenticate: Bearer realm=\"esp\"\r\n\r\nignored: value\n")
	assert.Equal(t, headers, map[string]string{
		"status":           "401",
		"www-authenticate": "Bearer realm=\"esp\"",
	})

	// a line without a value
	assert.Equal(t, parseHeaders("status: 200\nflag\n"), map[string]string{
		"status": "200",
		"flag":   "",
	})

	assert.Equal(t, parseHeaders(""), map[string]string{})
	assert.Equal(t, parseHeaders("\nstatus: 200"), map[string]string{})
}

func TestConnectionInvalidUrl(t *testing.T) {
	network := newFakeNetwork("")
	handler := &testHandler{}
	conn := newTestConnection(network, handler)

	err := conn.Start(context.Background())
	var invalidUrlErr *InvalidUrlError
	assert.Equal(t, errors.As(err, &invalidUrlErr), true)
	assert.Equal(t, conn.State(), Disconnected)
	assert.Equal(t, len(network.find("")), 0)
}

func TestConnectionConnectError(t *testing.T) {
	network := newFakeNetwork("")
	network.setConnectError(errors.New("refused"))
	handler := &testHandler{url: "ws://test"}
	conn := newTestConnection(network, handler)

	err := conn.Start(context.Background())
	var transportErr *TransportError
	assert.Equal(t, errors.As(err, &transportErr), true)
	assert.Equal(t, conn.State(), Disconnected)
	assert.Equal(t, conn.IsConnected(), false)
}

func TestConnectionHandshakeReady(t *testing.T) {
	network := newFakeNetwork("")
	handler := &testHandler{url: "ws://test"}
	conn := newTestConnection(network, handler)

	assert.Equal(t, conn.Start(context.Background()), nil)
	assert.Equal(t, conn.State(), HandshakePending)

	// starting again is a no-op
	assert.Equal(t, conn.Start(context.Background()), nil)
	assert.Equal(t, len(network.find("ws://test")), 1)

	transport := network.last(t, "ws://test")

	// messages before the handshake completes are headers, not data
	transport.receiveBinary([]byte{'S', 0, 0, 0, 0})
	transport.receiveText("version: 7.1\n")
	assert.Equal(t, conn.State(), HandshakePending)
	transport.receiveText("status: 200\n\n")
	assert.Equal(t, conn.State(), Ready)
	assert.Equal(t, handler.handshakeCount, 1)

	version, ok := conn.Header("Version")
	assert.Equal(t, ok, true)
	assert.Equal(t, version, "7.1")

	// after the handshake, text goes to the message handler
	transport.receiveText("status: 200\n\n")
	transport.receiveText("<events/>")
	transport.receiveBinary(protocol.RequireEncode("x"))
	assert.Equal(t, handler.handshakeCount, 1)
	assert.Equal(t, handler.messages, []string{"status: 200\n\n", "<events/>"})
	assert.Equal(t, len(handler.data), 1)

	assert.Equal(t, conn.sendReady("<load/>"), nil)
	assert.Equal(t, transport.Texts(), []string{"<load/>"})
}

func TestConnectionHandshakeAuthenticate(t *testing.T) {
	network := newFakeNetwork("")
	handler := &testHandler{url: "ws://test", canAuthorize: true}
	conn := newTestConnection(network, handler)

	assert.Equal(t, conn.Start(context.Background()), nil)
	transport := network.last(t, "ws://test")

	transport.receiveText("status: 401\nwww-authenticate: Bearer\n\n")
	assert.Equal(t, handler.schemes, []string{"Bearer"})
	assert.Equal(t, conn.State(), HandshakePending)
	assert.Equal(t, len(transport.Texts()), 0)

	// the delegate answers the challenge
	assert.Equal(t, conn.SetAuthorization("Bearer abc"), nil)
	assert.Equal(t, transport.Texts(), []string{"Bearer abc"})

	transport.receiveText("status: 200\n\n")
	assert.Equal(t, conn.State(), Ready)
	assert.Equal(t, len(handler.errs), 0)
}

func TestConnectionHandshakeStoredCredential(t *testing.T) {
	network := newFakeNetwork("")
	handler := &testHandler{url: "ws://test", canAuthorize: true}
	conn := newTestConnection(network, handler)

	// not connected, nothing is sent
	assert.Equal(t, conn.SetAuthorization("Bearer abc"), nil)

	assert.Equal(t, conn.Start(context.Background()), nil)
	transport := network.last(t, "ws://test")
	assert.Equal(t, transport.header.Get("Authorization"), "Bearer abc")

	transport.receiveText("status: 401\nwww-authenticate: Bearer\n\n")
	assert.Equal(t, transport.Texts(), []string{"Bearer abc"})
	assert.Equal(t, len(handler.schemes), 0)
}

func TestConnectionHandshakeAuthRequired(t *testing.T) {
	network := newFakeNetwork("")
	handler := &testHandler{url: "ws://test", canAuthorize: false}
	conn := newTestConnection(network, handler)

	assert.Equal(t, conn.Start(context.Background()), nil)
	transport := network.last(t, "ws://test")

	transport.receiveText("status: 401\nwww-authenticate: Basic\n\n")
	assert.Equal(t, handler.schemes, []string{"Basic"})
	assert.Equal(t, handler.errs, []error{ErrHandshakeAuthRequired})
	assert.Equal(t, conn.State(), HandshakePending)
}

func TestConnectionUnknownStatus(t *testing.T) {
	network := newFakeNetwork("")
	handler := &testHandler{url: "ws://test"}
	conn := newTestConnection(network, handler)

	assert.Equal(t, conn.Start(context.Background()), nil)
	transport := network.last(t, "ws://test")

	transport.receiveText("status: 500\n\n")
	assert.Equal(t, conn.State(), HandshakePending)
	assert.Equal(t, handler.handshakeCount, 0)
	assert.Equal(t, len(handler.errs), 0)
}

func TestConnectionClosed(t *testing.T) {
	network := newFakeNetwork(readyHandshake)
	handler := &testHandler{url: "ws://test"}
	conn := newTestConnection(network, handler)

	assert.Equal(t, conn.Start(context.Background()), nil)
	assert.Equal(t, conn.State(), Ready)
	transport := network.last(t, "ws://test")

	transport.drop()
	assert.Equal(t, conn.State(), Disconnected)
	assert.Equal(t, handler.closedRequested, []bool{false})
	_, ok := conn.Header("status")
	assert.Equal(t, ok, false)

	// the closed transport is stale
	transport.receiveText("<events/>")
	assert.Equal(t, len(handler.messages), 0)
	assert.Equal(t, conn.sendReady("<load/>"), ErrNotReady)
	assert.Equal(t, conn.Send("x"), ErrNotConnected)

	// reconnect uses a new transport
	assert.Equal(t, conn.Start(context.Background()), nil)
	assert.Equal(t, len(network.find("ws://test")), 2)
	assert.Equal(t, conn.State(), Ready)
	assert.Equal(t, handler.handshakeCount, 2)
}

func TestConnectionTransportError(t *testing.T) {
	network := newFakeNetwork(readyHandshake)
	handler := &testHandler{url: "ws://test"}
	conn := newTestConnection(network, handler)

	assert.Equal(t, conn.Start(context.Background()), nil)
	transport := network.last(t, "ws://test")

	cause := errors.New("reset")
	conn.TransportError(transport, cause)
	assert.Equal(t, conn.State(), Disconnected)
	assert.Equal(t, len(handler.closedErrs), 1)
	assert.Equal(t, errors.Is(handler.closedErrs[0], cause), true)

	// a close after the error is ignored
	conn.TransportClose(transport, 1006, "")
	assert.Equal(t, len(handler.closedRequested), 1)
}

func TestConnectionStop(t *testing.T) {
	network := newFakeNetwork(readyHandshake)
	handler := &testHandler{url: "ws://test"}
	conn := newTestConnection(network, handler)

	assert.Equal(t, conn.Start(context.Background()), nil)
	transport := network.last(t, "ws://test")

	conn.Stop()
	assert.Equal(t, transport.IsClosed(), true)
	assert.Equal(t, conn.State(), Disconnected)
	assert.Equal(t, handler.closedRequested, []bool{true})

	// the transport's own close callback after stop is ignored
	conn.TransportClose(transport, 1000, "")
	conn.Stop()
	assert.Equal(t, handler.closedRequested, []bool{true})
}

func TestConnectionSendValue(t *testing.T) {
	network := newFakeNetwork(readyHandshake)
	handler := &testHandler{url: "ws://test"}
	conn := newTestConnection(network, handler)

	assert.Equal(t, conn.SendValue(map[string]any{"a": "b"}), ErrNotConnected)
	assert.Equal(t, conn.Start(context.Background()), nil)
	transport := network.last(t, "ws://test")

	assert.Equal(t, conn.SendValue(map[string]any{"a": "b"}), nil)
	binaries := transport.Binaries()
	assert.Equal(t, len(binaries), 1)
	assert.Equal(t, protocol.RequireDecode(binaries[0]), map[string]any{"a": "b"})
}

func TestConnectionHandlerPanic(t *testing.T) {
	network := newFakeNetwork(readyHandshake)
	handler := &panicHandler{testHandler{url: "ws://test"}}
	conn := newConnection("[test]", handler, network.transportSettings())

	assert.Equal(t, conn.Start(context.Background()), nil)
	transport := network.last(t, "ws://test")

	transport.receiveText("<events/>")
	assert.Equal(t, len(handler.errs), 1)
	assert.Equal(t, conn.State(), Ready)
}

type panicHandler struct {
	testHandler
}

func (self *panicHandler) handleMessage(message string) {
	panic("bad message")
}
