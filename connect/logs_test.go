package connect

import (
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

type testLogDelegate struct {
	stateLock sync.Mutex
	messages  []string
}

func (self *testLogDelegate) HandleLog(log *Log, message string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.messages = append(self.messages, message)
}

func TestUnwrapLog(t *testing.T) {
	assert.Equal(t, unwrapLog("<log>window started</log>"), "window started")
	assert.Equal(t, unwrapLog("  <log>a &amp; b</log>\n"), "a & b")
	assert.Equal(t, unwrapLog("plain text"), "plain text")
	// not a log element, passed through
	assert.Equal(t, unwrapLog("<logs>x</logs>"), "<logs>x</logs>")
	assert.Equal(t, unwrapLog("<log>unterminated"), "<log>unterminated")
}

func TestLogFeed(t *testing.T) {
	network := newFakeNetwork(readyHandshake)
	server := newReadyServer(t, network)
	log := server.Log()

	assert.Equal(t, len(network.find("/logs")), 0)
	assert.Equal(t, log.AddDelegate(&dataOnlyDelegate{}), ErrMissingCapability)

	delegate := &testLogDelegate{}
	assert.Equal(t, log.AddDelegate(delegate), nil)
	transport := network.last(t, "/logs")
	assert.Equal(t, transport.Url(), "ws://esp.local:9900/eventStreamProcessing/v1/logs")

	transport.receiveText("<log>one</log>")
	transport.receiveText("two")
	assert.Equal(t, delegate.messages, []string{"one", "two"})

	assert.Equal(t, log.RemoveDelegate(delegate), true)
	assert.Equal(t, transport.IsClosed(), true)
	assert.Equal(t, log.Connection().State(), Disconnected)
}
