package connect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectedDelegate interface {
	Connected(server *ServerConnection)
}

// called after the handshake once registered sub-connections were opened
// a delegate added while the server is ready is called immediately
type ReadyDelegate interface {
	Ready(server *ServerConnection)
}

// the delegate is expected to call `SetAuthorization`
type AuthenticateDelegate interface {
	Authenticate(server *ServerConnection, scheme string)
}

type ClosedDelegate interface {
	Closed(server *ServerConnection)
}

type ErrorDelegate interface {
	Error(server *ServerConnection, err error)
}

type serverDelegate struct {
	delegate     any
	connected    ConnectedDelegate
	ready        ReadyDelegate
	authenticate AuthenticateDelegate
	closed       ClosedDelegate
	error        ErrorDelegate
}

type ServerConnectionSettings struct {
	AutoReconnect    bool
	ReconnectTimeout time.Duration
	// appended as `access_token` to websocket urls
	AccessToken       string
	TransportSettings *TransportSettings
	ApiSettings       *ApiSettings
}

func DefaultServerConnectionSettings() *ServerConnectionSettings {
	return &ServerConnectionSettings{
		AutoReconnect:     true,
		ReconnectTimeout:  1 * time.Second,
		TransportSettings: DefaultTransportSettings(),
		ApiSettings:       DefaultApiSettings(),
	}
}

// the main connection to an esp server
// owns the collections, streams and publishers opened through it, and the stats and log feeds
type ServerConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerConnectionSettings

	secure   bool
	hostPort string
	basePath string

	conn  *Connection
	stats *Stats
	log   *Log

	delegates *CallbackList[*serverDelegate]

	stateLock    sync.Mutex
	collections  map[Id]*EventCollection
	streams      map[Id]*EventStream
	publishers   map[Id]*Publisher
	reconnecting bool
	version      string
}

func NewServerConnectionWithDefaults(ctx context.Context, serverUrl string) (*ServerConnection, error) {
	return NewServerConnection(ctx, serverUrl, DefaultServerConnectionSettings())
}

// `serverUrl` is `http(s)://host[:port][/base]` or `ws(s)://...`
func NewServerConnection(ctx context.Context, serverUrl string, settings *ServerConnectionSettings) (*ServerConnection, error) {
	secure, hostPort, basePath, err := parseServerUrl(serverUrl)
	if err != nil {
		return nil, err
	}
	if settings.TransportSettings == nil {
		settings.TransportSettings = DefaultTransportSettings()
	}
	if settings.ApiSettings == nil {
		settings.ApiSettings = DefaultApiSettings()
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	server := &ServerConnection{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		secure:      secure,
		hostPort:    hostPort,
		basePath:    basePath,
		delegates:   NewCallbackList[*serverDelegate](),
		collections: map[Id]*EventCollection{},
		streams:     map[Id]*EventStream{},
		publishers:  map[Id]*Publisher{},
		version:     DefaultServerVersion,
	}
	server.conn = newConnection("[server]", server, settings.TransportSettings)
	server.stats = newStats(server)
	server.log = newLog(server)
	return server, nil
}

func parseServerUrl(serverUrl string) (secure bool, hostPort string, basePath string, err error) {
	u, err := url.Parse(serverUrl)
	if err != nil || u.Hostname() == "" {
		err = &InvalidUrlError{Url: serverUrl}
		return
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		secure = true
	case "http", "ws":
		secure = false
	default:
		err = &InvalidUrlError{Url: serverUrl}
		return
	}
	port := u.Port()
	if port == "" {
		if secure {
			port = "443"
		} else {
			port = "80"
		}
	}
	if _, portErr := strconv.Atoi(port); portErr != nil {
		err = &InvalidUrlError{Url: serverUrl}
		return
	}
	hostPort = fmt.Sprintf("%s:%s", u.Hostname(), port)
	if strings.Contains(u.Hostname(), ":") {
		// ipv6
		hostPort = fmt.Sprintf("[%s]:%s", u.Hostname(), port)
	}
	basePath = strings.TrimRight(u.Path, "/")
	return
}

func (self *ServerConnection) wsUrl(suffix string, params *urlParams) string {
	scheme := "ws"
	if self.secure {
		scheme = "wss"
	}
	if self.settings.AccessToken != "" {
		if params == nil {
			params = &urlParams{}
		}
		params.Add("access_token", self.settings.AccessToken)
	}
	return self.buildUrl(scheme, suffix, params)
}

func (self *ServerConnection) httpUrl(suffix string, params *urlParams) string {
	scheme := "http"
	if self.secure {
		scheme = "https"
	}
	return self.buildUrl(scheme, suffix, params)
}

func (self *ServerConnection) buildUrl(scheme string, suffix string, params *urlParams) string {
	u := fmt.Sprintf("%s://%s%s/eventStreamProcessing/v1/%s", scheme, self.hostPort, self.basePath, suffix)
	if params != nil {
		if query := params.Encode(); query != "" {
			u = u + "?" + query
		}
	}
	return u
}

func (self *ServerConnection) Url() string {
	return self.connectUrl()
}

func (self *ServerConnection) Connection() *Connection {
	return self.conn
}

func (self *ServerConnection) State() ConnectionState {
	return self.conn.State()
}

func (self *ServerConnection) IsReady() bool {
	return self.conn.IsReady()
}

// the version header of the last handshake
func (self *ServerConnection) Version() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

func (self *ServerConnection) Stats() *Stats {
	return self.stats
}

func (self *ServerConnection) Log() *Log {
	return self.log
}

func (self *ServerConnection) Start() error {
	return self.conn.Start(self.ctx)
}

// stops every sub-connection and the server connection. No reconnect follows.
func (self *ServerConnection) Close() {
	self.cancel()

	collections, streams, publishers := self.subConnections()
	for _, collection := range collections {
		collection.Close()
	}
	for _, stream := range streams {
		stream.Close()
	}
	for _, publisher := range publishers {
		publisher.Close()
	}
	self.stats.conn.Stop()
	self.log.conn.Stop()
	self.conn.Stop()
}

// delegates may implement any of `ConnectedDelegate`, `ReadyDelegate`, `AuthenticateDelegate`,
// `ClosedDelegate`, `ErrorDelegate`. A delegate that implements none is rejected.
func (self *ServerConnection) AddDelegate(delegate any) error {
	if delegate == nil {
		return ErrMissingCapability
	}
	resolved := &serverDelegate{
		delegate: delegate,
	}
	resolved.connected, _ = delegate.(ConnectedDelegate)
	resolved.ready, _ = delegate.(ReadyDelegate)
	resolved.authenticate, _ = delegate.(AuthenticateDelegate)
	resolved.closed, _ = delegate.(ClosedDelegate)
	resolved.error, _ = delegate.(ErrorDelegate)
	if resolved.connected == nil && resolved.ready == nil && resolved.authenticate == nil &&
		resolved.closed == nil && resolved.error == nil {
		return ErrMissingCapability
	}
	self.delegates.Add(resolved)

	if resolved.ready != nil && self.IsReady() {
		HandleError(func() {
			resolved.ready.Ready(self)
		})
	}
	return nil
}

func (self *ServerConnection) RemoveDelegate(delegate any) bool {
	_, removed := self.delegates.RemoveFunc(func(d *serverDelegate) bool {
		return d.delegate == delegate
	})
	return removed
}

// sets the credential on the server connection and every sub-connection
func (self *ServerConnection) SetAuthorization(authorization string) error {
	var errs []error
	if err := self.conn.SetAuthorization(authorization); err != nil {
		errs = append(errs, err)
	}
	for _, conn := range self.subConnectionConns() {
		if err := conn.SetAuthorization(authorization); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (self *ServerConnection) GetEventCollection(path string, options map[string]string) (*EventCollection, error) {
	collection := newEventCollection(self, path, options)
	self.inheritAuthorization(collection.conn)

	self.stateLock.Lock()
	self.collections[collection.id] = collection
	self.stateLock.Unlock()

	if self.IsReady() {
		if err := collection.open(self.ctx); err != nil {
			return collection, err
		}
	}
	return collection, nil
}

func (self *ServerConnection) GetEventStream(path string, options map[string]string) (*EventStream, error) {
	stream := newEventStream(self, path, options)
	self.inheritAuthorization(stream.conn)

	self.stateLock.Lock()
	self.streams[stream.id] = stream
	self.stateLock.Unlock()

	if self.IsReady() {
		if err := stream.open(self.ctx); err != nil {
			return stream, err
		}
	}
	return stream, nil
}

func (self *ServerConnection) GetPublisher(path string, options map[string]string) (*Publisher, error) {
	publisher := newPublisher(self, path, options)
	self.inheritAuthorization(publisher.conn)

	self.stateLock.Lock()
	self.publishers[publisher.id] = publisher
	self.stateLock.Unlock()

	if self.IsReady() {
		if err := publisher.open(self.ctx); err != nil {
			return publisher, err
		}
	}
	return publisher, nil
}

func (self *ServerConnection) RemoveEventCollection(collection *EventCollection) bool {
	self.stateLock.Lock()
	_, ok := self.collections[collection.id]
	delete(self.collections, collection.id)
	self.stateLock.Unlock()

	collection.Close()
	return ok
}

func (self *ServerConnection) RemoveEventStream(stream *EventStream) bool {
	self.stateLock.Lock()
	_, ok := self.streams[stream.id]
	delete(self.streams, stream.id)
	self.stateLock.Unlock()

	stream.Close()
	return ok
}

func (self *ServerConnection) RemovePublisher(publisher *Publisher) bool {
	self.stateLock.Lock()
	_, ok := self.publishers[publisher.id]
	delete(self.publishers, publisher.id)
	self.stateLock.Unlock()

	publisher.Close()
	return ok
}

func (self *ServerConnection) EventCollections() []*EventCollection {
	collections, _, _ := self.subConnections()
	return collections
}

func (self *ServerConnection) EventStreams() []*EventStream {
	_, streams, _ := self.subConnections()
	return streams
}

func (self *ServerConnection) Publishers() []*Publisher {
	_, _, publishers := self.subConnections()
	return publishers
}

// resumes every collection and stream
func (self *ServerConnection) Play() error {
	var errs []error
	for _, ds := range self.datasources() {
		if err := ds.Play(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pauses every collection and stream
func (self *ServerConnection) Pause() error {
	var errs []error
	for _, ds := range self.datasources() {
		if err := ds.Pause(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (self *ServerConnection) inheritAuthorization(conn *Connection) {
	if authorization := self.conn.Authorization(); authorization != "" {
		conn.SetAuthorization(authorization)
	}
}

func (self *ServerConnection) subConnections() ([]*EventCollection, []*EventStream, []*Publisher) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	collections := make([]*EventCollection, 0, len(self.collections))
	for _, collection := range self.collections {
		collections = append(collections, collection)
	}
	streams := make([]*EventStream, 0, len(self.streams))
	for _, stream := range self.streams {
		streams = append(streams, stream)
	}
	publishers := make([]*Publisher, 0, len(self.publishers))
	for _, publisher := range self.publishers {
		publishers = append(publishers, publisher)
	}
	return collections, streams, publishers
}

func (self *ServerConnection) datasources() []*Datasource {
	collections, streams, _ := self.subConnections()
	datasources := make([]*Datasource, 0, len(collections)+len(streams))
	for _, collection := range collections {
		datasources = append(datasources, collection.Datasource)
	}
	for _, stream := range streams {
		datasources = append(datasources, stream.Datasource)
	}
	return datasources
}

func (self *ServerConnection) subConnectionConns() []*Connection {
	collections, streams, publishers := self.subConnections()
	conns := []*Connection{self.stats.conn, self.log.conn}
	for _, collection := range collections {
		conns = append(conns, collection.conn)
	}
	for _, stream := range streams {
		conns = append(conns, stream.conn)
	}
	for _, publisher := range publishers {
		conns = append(conns, publisher.conn)
	}
	return conns
}

func (self *ServerConnection) openSubConnections() {
	collections, streams, publishers := self.subConnections()
	for _, collection := range collections {
		if err := collection.open(self.ctx); err != nil {
			glog.Infof("[server]open collection %s error = %s\n", collection.path, err)
		}
	}
	for _, stream := range streams {
		if err := stream.open(self.ctx); err != nil {
			glog.Infof("[server]open stream %s error = %s\n", stream.path, err)
		}
	}
	for _, publisher := range publishers {
		if err := publisher.open(self.ctx); err != nil {
			glog.Infof("[server]open publisher %s error = %s\n", publisher.path, err)
		}
	}
	if err := self.stats.start(self.ctx); err != nil {
		glog.Infof("[server]start stats error = %s\n", err)
	}
	if err := self.log.start(self.ctx); err != nil {
		glog.Infof("[server]start log error = %s\n", err)
	}
}

// retries `Start` at a fixed interval until connected or closed
// at most one loop runs at a time
func (self *ServerConnection) reconnect() {
	self.stateLock.Lock()
	if self.reconnecting {
		self.stateLock.Unlock()
		return
	}
	self.reconnecting = true
	self.stateLock.Unlock()

	go HandleError(func() {
		for {
			self.stateLock.Lock()
			if self.conn.IsConnected() || self.ctx.Err() != nil {
				self.reconnecting = false
				self.stateLock.Unlock()
				return
			}
			self.stateLock.Unlock()

			reconnect := NewReconnect(self.settings.ReconnectTimeout)
			select {
			case <-self.ctx.Done():
				self.stateLock.Lock()
				self.reconnecting = false
				self.stateLock.Unlock()
				return
			case <-reconnect.After():
			}

			glog.Infof("[server]reconnect %s\n", self.hostPort)
			if err := self.conn.Start(self.ctx); err != nil {
				glog.Infof("[server]reconnect error = %s\n", err)
			}
		}
	}, func() {
		self.stateLock.Lock()
		self.reconnecting = false
		self.stateLock.Unlock()
	})
}

func (self *ServerConnection) isReconnecting() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnecting
}

// returns false when no delegate can answer the challenge
func (self *ServerConnection) authenticate(scheme string) bool {
	handled := false
	for _, d := range self.delegates.Get() {
		if d.authenticate != nil {
			handled = true
			HandleError(func() {
				d.authenticate.Authenticate(self, scheme)
			})
		}
	}
	return handled
}

func (self *ServerConnection) reportError(err error) {
	glog.V(LogLevelLifecycle).Infof("[server]error = %s\n", err)
	for _, d := range self.delegates.Get() {
		if d.error != nil {
			HandleError(func() {
				d.error.Error(self, err)
			})
		}
	}
}

// connectionHandler

func (self *ServerConnection) connectUrl() string {
	return self.wsUrl("connect", nil)
}

func (self *ServerConnection) handshakeComplete() {
	version, ok := self.conn.Header(HeaderVersion)
	if !ok || version == "" {
		version = DefaultServerVersion
	}
	self.stateLock.Lock()
	self.version = version
	self.stateLock.Unlock()

	for _, d := range self.delegates.Get() {
		if d.connected != nil {
			HandleError(func() {
				d.connected.Connected(self)
			})
		}
	}

	// opening dials each sub-connection, which must not block the read loop
	go HandleError(func() {
		self.openSubConnections()
		if !self.IsReady() {
			return
		}
		for _, d := range self.delegates.Get() {
			if d.ready != nil {
				HandleError(func() {
					d.ready.Ready(self)
				})
			}
		}
	})
}

func (self *ServerConnection) handleMessage(message string) {
	glog.V(LogLevelTrace).Infof("[server]<- %s\n", message)
}

func (self *ServerConnection) handleData(data []byte) {
	glog.V(LogLevelTrace).Infof("[server]<- binary (%dB)\n", len(data))
}

func (self *ServerConnection) handleClosed(requested bool, err error) {
	if err != nil {
		self.reportError(err)
	}

	for _, ds := range self.datasources() {
		ds.Clear()
	}

	for _, d := range self.delegates.Get() {
		if d.closed != nil {
			HandleError(func() {
				d.closed.Closed(self)
			})
		}
	}

	if !requested && self.settings.AutoReconnect && self.ctx.Err() == nil {
		self.reconnect()
	}
}
