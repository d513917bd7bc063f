package connect

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type MessageType int

const (
	TextMessage   MessageType = websocket.TextMessage
	BinaryMessage MessageType = websocket.BinaryMessage
)

// a full-duplex message channel to the server
// each transport is used for a single connect. Reconnects create a new transport.
type Transport interface {
	Connect(ctx context.Context, url string, header http.Header) error
	SendText(text string) error
	SendBinary(data []byte) error
	Close() error
}

// callbacks are dispatched serially from the transport's read loop
// after `TransportOpen`, exactly one of `TransportError` or `TransportClose` ends the transport
type TransportHandler interface {
	TransportOpen(transport Transport)
	TransportMessage(transport Transport, messageType MessageType, data []byte)
	TransportError(transport Transport, err error)
	TransportClose(transport Transport, code int, reason string)
}

type TransportGenerator func(handler TransportHandler) Transport

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// largest inbound message in bytes, 0 for no limit
	ReadLimit int64
	// tests replace the websocket transport
	TransportGenerator TransportGenerator
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadLimit:          64 * 1024 * 1024,
	}
}

func (self *TransportSettings) NewTransport(handler TransportHandler) Transport {
	if self.TransportGenerator != nil {
		return self.TransportGenerator(handler)
	}
	return NewWsTransport(handler, self)
}

type WsTransport struct {
	handler  TransportHandler
	settings *TransportSettings

	stateLock sync.Mutex
	ws        *websocket.Conn
	closed    bool

	writeLock sync.Mutex
}

func NewWsTransport(handler TransportHandler, settings *TransportSettings) *WsTransport {
	return &WsTransport{
		handler:  handler,
		settings: settings,
	}
}

func (self *WsTransport) Connect(ctx context.Context, url string, header http.Header) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		ws.Close()
		return ErrTransportClosed
	}
	if 0 < self.settings.ReadLimit {
		ws.SetReadLimit(self.settings.ReadLimit)
	}
	self.ws = ws
	self.stateLock.Unlock()

	self.handler.TransportOpen(self)
	go self.run(ws)
	return nil
}

func (self *WsTransport) run(ws *websocket.Conn) {
	defer ws.Close()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			self.stateLock.Lock()
			closed := self.closed
			self.stateLock.Unlock()

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				glog.V(LogLevelLifecycle).Infof("[t]close %d %s\n", closeErr.Code, closeErr.Text)
				self.handler.TransportClose(self, closeErr.Code, closeErr.Text)
			} else if closed {
				self.handler.TransportClose(self, websocket.CloseNormalClosure, "")
			} else {
				glog.Infof("[t]<- error = %s\n", err)
				self.handler.TransportError(self, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			glog.V(LogLevelTrace).Infof("[t]<- %d (%dB)\n", messageType, len(message))
			self.handler.TransportMessage(self, MessageType(messageType), message)
		default:
			glog.V(LogLevelTrace).Infof("[t]other=%d<-\n", messageType)
		}
	}
}

func (self *WsTransport) SendText(text string) error {
	return self.write(websocket.TextMessage, []byte(text))
}

func (self *WsTransport) SendBinary(data []byte) error {
	return self.write(websocket.BinaryMessage, data)
}

func (self *WsTransport) write(messageType int, data []byte) error {
	self.stateLock.Lock()
	ws := self.ws
	closed := self.closed
	self.stateLock.Unlock()
	if ws == nil || closed {
		return ErrTransportClosed
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(messageType, data); err != nil {
		// note that for websocket a deadline timeout cannot be recovered
		glog.Infof("[t]-> error = %s\n", err)
		return err
	}
	glog.V(LogLevelTrace).Infof("[t]-> %d (%dB)\n", messageType, len(data))
	return nil
}

func (self *WsTransport) Close() error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return nil
	}
	self.closed = true
	ws := self.ws
	self.stateLock.Unlock()

	if ws == nil {
		return nil
	}

	self.writeLock.Lock()
	ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(self.settings.WriteTimeout),
	)
	self.writeLock.Unlock()
	return ws.Close()
}
