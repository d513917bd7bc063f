package connect

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/espconnect/protocol"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	HandshakePending
	Ready
	Closing
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case HandshakePending:
		return "handshake_pending"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

const (
	HeaderStatus          = "status"
	HeaderWwwAuthenticate = "www-authenticate"
	HeaderVersion         = "version"
)

// the role of a connection: server, collection, stream, publisher, stats or log
type connectionHandler interface {
	// empty when the url cannot be built
	connectUrl() string
	handshakeComplete()
	handleMessage(message string)
	handleData(data []byte)
	// returns false when nothing can answer the challenge
	authenticate(scheme string) bool
	// errors that do not end the connection
	reportError(err error)
	// the transport ended. `err` is nil for a clean close.
	handleClosed(requested bool, err error)
}

// one websocket plus the pseudo-header handshake
// the first text frames after connect carry `name: value` headers.
// `status: 200` completes the handshake, `status: 401` asks for a credential.
type Connection struct {
	handler  connectionHandler
	settings *TransportSettings
	log      LogFunction

	stateLock     sync.Mutex
	state         ConnectionState
	transport     Transport
	headers       map[string]string
	authorization string
}

func newConnection(tag string, handler connectionHandler, settings *TransportSettings) *Connection {
	return &Connection{
		handler:  handler,
		settings: settings,
		log:      LogFn(LogLevelLifecycle, tag),
		state:    Disconnected,
		headers:  map[string]string{},
	}
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// a transport exists, whether or not the handshake is complete
func (self *Connection) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.transport != nil
}

func (self *Connection) IsReady() bool {
	return self.State() == Ready
}

func (self *Connection) Header(name string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	value, ok := self.headers[strings.ToLower(name)]
	return value, ok
}

func (self *Connection) Authorization() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authorization
}

// no-op when already connected
func (self *Connection) Start(ctx context.Context) error {
	url := self.handler.connectUrl()
	if url == "" {
		return &InvalidUrlError{}
	}

	self.stateLock.Lock()
	if self.transport != nil {
		self.stateLock.Unlock()
		return nil
	}
	transport := self.settings.NewTransport(self)
	self.transport = transport
	self.state = HandshakePending
	self.headers = map[string]string{}
	header := http.Header{}
	if self.authorization != "" {
		header.Set("Authorization", self.authorization)
	}
	self.stateLock.Unlock()

	self.log("connect %s", url)
	var err error
	if glog.V(LogLevelTrace) {
		_, err = TraceWithReturnError(fmt.Sprintf("[conn]connect %s", url), func() (struct{}, error) {
			return struct{}{}, transport.Connect(ctx, url, header)
		})
	} else {
		err = transport.Connect(ctx, url, header)
	}
	if err != nil {
		self.stateLock.Lock()
		if self.transport == transport {
			self.resetLocked()
		}
		self.stateLock.Unlock()
		return &TransportError{Err: err}
	}
	return nil
}

// closes the transport. The role is told the close was requested.
func (self *Connection) Stop() {
	self.stateLock.Lock()
	transport := self.transport
	if transport == nil || self.state == Closing {
		self.stateLock.Unlock()
		return
	}
	self.state = Closing
	self.stateLock.Unlock()

	transport.Close()

	self.stateLock.Lock()
	if self.transport == transport {
		self.resetLocked()
	}
	self.stateLock.Unlock()

	self.log("stopped")
	self.handler.handleClosed(true, nil)
}

func (self *Connection) resetLocked() {
	self.transport = nil
	self.state = Disconnected
	self.headers = map[string]string{}
}

// stores the credential used to answer `status: 401`
// when the handshake is in progress the credential is sent immediately
func (self *Connection) SetAuthorization(authorization string) error {
	self.stateLock.Lock()
	self.authorization = authorization
	transport := self.transport
	pending := self.state == HandshakePending
	self.stateLock.Unlock()

	if claims, err := ParseAuthorizationUnverified(authorization); err == nil {
		self.log("authorization subject=%s", claims.Subject)
	}

	if pending && transport != nil && authorization != "" {
		return transport.SendText(authorization)
	}
	return nil
}

func (self *Connection) Send(text string) error {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.SendText(text)
}

func (self *Connection) SendBinary(data []byte) error {
	self.stateLock.Lock()
	transport := self.transport
	self.stateLock.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	return transport.SendBinary(data)
}

// encodes with the binary codec
func (self *Connection) SendValue(value any) error {
	data, err := protocol.Encode(value)
	if err != nil {
		return err
	}
	return self.SendBinary(data)
}

// sends only after the handshake completed
func (self *Connection) sendReady(text string) error {
	self.stateLock.Lock()
	transport := self.transport
	state := self.state
	self.stateLock.Unlock()
	if transport == nil || state != Ready {
		return ErrNotReady
	}
	return transport.SendText(text)
}

func (self *Connection) sendValueReady(value any) error {
	data, err := protocol.Encode(value)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	transport := self.transport
	state := self.state
	self.stateLock.Unlock()
	if transport == nil || state != Ready {
		return ErrNotReady
	}
	return transport.SendBinary(data)
}

// TransportHandler

func (self *Connection) TransportOpen(transport Transport) {
	self.log("open")
}

func (self *Connection) TransportMessage(transport Transport, messageType MessageType, data []byte) {
	self.stateLock.Lock()
	if self.transport != transport {
		// stale transport
		self.stateLock.Unlock()
		return
	}
	state := self.state
	self.stateLock.Unlock()

	switch state {
	case HandshakePending:
		if messageType != TextMessage {
			glog.V(LogLevelTrace).Infof("[conn]drop binary before handshake (%dB)\n", len(data))
			return
		}
		self.handshake(transport, string(data))
	case Ready:
		HandleError(func() {
			switch messageType {
			case TextMessage:
				self.handler.handleMessage(string(data))
			default:
				self.handler.handleData(data)
			}
		}, func(err error) {
			self.handler.reportError(err)
		})
	default:
		glog.V(LogLevelTrace).Infof("[conn]drop message in state %s\n", state)
	}
}

func (self *Connection) handshake(transport Transport, message string) {
	messageHeaders := parseHeaders(message)
	if len(messageHeaders) == 0 {
		return
	}

	self.stateLock.Lock()
	if self.transport != transport || self.state != HandshakePending {
		self.stateLock.Unlock()
		return
	}
	for name, value := range messageHeaders {
		self.headers[name] = value
	}
	statusStr, ok := self.headers[HeaderStatus]
	scheme := self.headers[HeaderWwwAuthenticate]
	authorization := self.authorization
	self.stateLock.Unlock()

	if !ok {
		return
	}
	status, err := strconv.Atoi(statusStr)
	if err != nil {
		glog.Infof("[conn]bad status header \"%s\"\n", statusStr)
		return
	}

	switch status {
	case http.StatusOK:
		self.stateLock.Lock()
		if self.transport != transport || self.state != HandshakePending {
			self.stateLock.Unlock()
			return
		}
		self.state = Ready
		self.stateLock.Unlock()

		self.log("ready")
		HandleError(self.handler.handshakeComplete, func(err error) {
			self.handler.reportError(err)
		})
	case http.StatusUnauthorized:
		if authorization != "" {
			if claims, err := ParseAuthorizationUnverified(authorization); err == nil && claims.Expired(time.Now()) {
				glog.Infof("[conn]authorization for %s expired at %s\n", claims.Subject, claims.ExpiresAt)
			}
			if err := transport.SendText(authorization); err != nil {
				glog.Infof("[conn]send authorization error = %s\n", err)
			}
			return
		}
		handled := false
		HandleError(func() {
			handled = self.handler.authenticate(scheme)
		})
		if !handled {
			glog.Infof("[conn]authorization required (%s) and no credential is available\n", scheme)
			self.handler.reportError(ErrHandshakeAuthRequired)
		}
	default:
		glog.V(LogLevelLifecycle).Infof("[conn]unhandled status %d\n", status)
	}
}

func (self *Connection) TransportError(transport Transport, err error) {
	if !self.terminate(transport) {
		return
	}
	glog.Infof("[conn]transport error = %s\n", err)
	self.handler.handleClosed(false, &TransportError{Err: err})
}

func (self *Connection) TransportClose(transport Transport, code int, reason string) {
	if !self.terminate(transport) {
		return
	}
	self.log("closed %d %s", code, reason)
	self.handler.handleClosed(false, nil)
}

// returns true when `transport` was the current transport and it has been cleared
func (self *Connection) terminate(transport Transport) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.transport != transport || self.state == Closing {
		return false
	}
	self.resetLocked()
	return true
}

// `name: value` lines, names lower cased. An empty name ends the headers.
func parseHeaders(message string) map[string]string {
	headers := map[string]string{}
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, _ := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			break
		}
		headers[strings.ToLower(name)] = strings.TrimSpace(value)
	}
	return headers
}
