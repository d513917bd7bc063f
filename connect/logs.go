package connect

import (
	"context"
	"strings"

	"github.com/golang/glog"

	"github.com/bringyour/espconnect/protocol"
)

type LogDelegate interface {
	HandleLog(log *Log, message string)
}

// the server log feed
// connected only while at least one delegate is registered
type Log struct {
	server *ServerConnection
	conn   *Connection

	delegates *CallbackList[LogDelegate]
}

func newLog(server *ServerConnection) *Log {
	log := &Log{
		server:    server,
		delegates: NewCallbackList[LogDelegate](),
	}
	log.conn = newConnection("[log]", log, server.settings.TransportSettings)
	return log
}

func (self *Log) Connection() *Connection {
	return self.conn
}

// the first delegate starts the log connection
func (self *Log) AddDelegate(delegate any) error {
	logDelegate, ok := delegate.(LogDelegate)
	if !ok || delegate == nil {
		return ErrMissingCapability
	}
	if self.delegates.Add(logDelegate) == 1 && self.server.IsReady() {
		return self.start(self.server.ctx)
	}
	return nil
}

// the last delegate stops the log connection
func (self *Log) RemoveDelegate(delegate any) bool {
	remaining, removed := self.delegates.RemoveFunc(func(d LogDelegate) bool {
		return any(d) == delegate
	})
	if removed && remaining == 0 {
		self.conn.Stop()
	}
	return removed
}

func (self *Log) start(ctx context.Context) error {
	if self.delegates.Len() == 0 {
		return nil
	}
	return self.conn.Start(ctx)
}

// `<log>text</log>` is unwrapped, anything else passes through
func unwrapLog(message string) string {
	trimmed := strings.TrimSpace(message)
	if strings.HasPrefix(trimmed, "<log") {
		if root, err := protocol.ParseXml(trimmed); err == nil && root.Tag() == protocol.RootLog {
			return root.Text
		}
	}
	return message
}

// connectionHandler

func (self *Log) connectUrl() string {
	return self.server.wsUrl("logs", nil)
}

func (self *Log) handshakeComplete() {
}

func (self *Log) handleMessage(message string) {
	text := unwrapLog(message)
	for _, delegate := range self.delegates.Get() {
		HandleError(func() {
			delegate.HandleLog(self, text)
		})
	}
}

func (self *Log) handleData(data []byte) {
	glog.V(LogLevelTrace).Infof("[log]drop binary (%dB)\n", len(data))
}

func (self *Log) authenticate(scheme string) bool {
	return self.server.authenticate(scheme)
}

func (self *Log) reportError(err error) {
	self.server.reportError(err)
}

func (self *Log) handleClosed(requested bool, err error) {
	if err != nil {
		self.server.reportError(err)
	}
}
