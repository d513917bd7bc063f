package connect

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/bringyour/espconnect/protocol"
)

type DataChangedDelegate interface {
	// `clear` is set when the store was cleared before the events were applied
	// events is nil when the store was cleared without new events
	DataChanged(ds *Datasource, events []*Event, clear bool)
}

type InfoChangedDelegate interface {
	InfoChanged(ds *Datasource)
}

type SchemaSetDelegate interface {
	SchemaSet(ds *Datasource)
}

type datasourceDelegate struct {
	delegate    any
	dataChanged DataChangedDelegate
	infoChanged InfoChangedDelegate
	schemaSet   SchemaSetDelegate
}

// store-specific behavior of a collection or stream
// the `Locked` methods are called with the datasource state lock held
type datasourceStore interface {
	mode() string
	appendUrlParams(params *urlParams)
	handshakeComplete()
	setSchemaLocked(schema *Schema) *Schema
	applyEventsLocked(message *protocol.EventsMessage) *applyResult
	applyInfoLocked(info *protocol.InfoMessage) bool
	clearLocked()
	rowsLocked() []Row
	keysLocked() []string
}

type applyResult struct {
	events      []*Event
	clear       bool
	infoChanged bool
	dropped     bool
}

// a subscription to one window, in updating (paged) or streaming mode
type Datasource struct {
	id      Id
	server  *ServerConnection
	conn    *Connection
	path    string
	options map[string]string
	store   datasourceStore
	log     LogFunction

	delegates *CallbackList[*datasourceDelegate]

	stateLock     sync.Mutex
	schema        *Schema
	filter        string
	paused        bool
	inUpdateBlock bool
}

func newDatasource(server *ServerConnection, path string, options map[string]string, tag string) *Datasource {
	id := NewId()
	// the filter is state of the datasource, not a fixed option
	urlOptions := map[string]string{}
	for name, value := range options {
		if name != "filter" {
			urlOptions[name] = value
		}
	}
	ds := &Datasource{
		id:        id,
		server:    server,
		path:      path,
		options:   urlOptions,
		log:       LogFn(LogLevelLifecycle, fmt.Sprintf("[%s]%s", tag, id)),
		delegates: NewCallbackList[*datasourceDelegate](),
		schema:    NewSchema(),
		filter:    options["filter"],
	}
	ds.conn = newConnection(fmt.Sprintf("[%s]%s", tag, id), ds, server.settings.TransportSettings)
	return ds
}

func (self *Datasource) Id() Id {
	return self.id
}

func (self *Datasource) Path() string {
	return self.path
}

func (self *Datasource) Connection() *Connection {
	return self.conn
}

func (self *Datasource) Schema() *Schema {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.schema
}

func (self *Datasource) Filter() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.filter
}

func (self *Datasource) IsPlaying() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return !self.paused
}

// the delegate must implement `DataChangedDelegate`
// `InfoChangedDelegate` and `SchemaSetDelegate` are optional
func (self *Datasource) AddDelegate(delegate any) error {
	dataChanged, ok := delegate.(DataChangedDelegate)
	if !ok || delegate == nil {
		return ErrMissingCapability
	}
	resolved := &datasourceDelegate{
		delegate:    delegate,
		dataChanged: dataChanged,
	}
	resolved.infoChanged, _ = delegate.(InfoChangedDelegate)
	resolved.schemaSet, _ = delegate.(SchemaSetDelegate)
	self.delegates.Add(resolved)
	return nil
}

func (self *Datasource) RemoveDelegate(delegate any) bool {
	_, removed := self.delegates.RemoveFunc(func(d *datasourceDelegate) bool {
		return d.delegate == delegate
	})
	return removed
}

func (self *Datasource) open(ctx context.Context) error {
	return self.conn.Start(ctx)
}

// stops the subscription and clears the store
func (self *Datasource) Close() {
	self.conn.Stop()
	self.Clear()
}

// clears the store and notifies delegates
func (self *Datasource) Clear() {
	self.stateLock.Lock()
	self.store.clearLocked()
	self.inUpdateBlock = false
	self.stateLock.Unlock()

	self.notifyDataChanged(nil, true)
}

// stores the filter and sends it when the subscription is ready
// otherwise the filter is sent as a url parameter on the next open
func (self *Datasource) SetFilter(filter string) error {
	self.stateLock.Lock()
	self.filter = filter
	self.stateLock.Unlock()

	if !self.conn.IsReady() {
		return nil
	}
	return self.conn.sendReady(protocol.FilterCommand(filter))
}

func (self *Datasource) Play() error {
	return self.setPlaying(true)
}

func (self *Datasource) Pause() error {
	return self.setPlaying(false)
}

// returns whether the datasource is playing after the toggle
func (self *Datasource) TogglePlay() (bool, error) {
	playing := !self.IsPlaying()
	return playing, self.setPlaying(playing)
}

func (self *Datasource) setPlaying(playing bool) error {
	self.stateLock.Lock()
	changed := self.paused == playing
	self.paused = !playing
	self.stateLock.Unlock()

	if !changed || !self.conn.IsReady() {
		return nil
	}
	if playing {
		return self.conn.sendReady(protocol.PlayCommand())
	}
	return self.conn.sendReady(protocol.PauseCommand())
}

func (self *Datasource) Rows() []Row {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	rows := self.store.rowsLocked()
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}

func (self *Datasource) Keys() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.store.keysLocked()
}

// the column in store order. Missing values are empty.
func (self *Datasource) Values(name string) []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	rows := self.store.rowsLocked()
	values := make([]string, len(rows))
	for i, row := range rows {
		values[i] = row[name]
	}
	return values
}

// the column as numbers. Missing or non numeric values are 0.
func (self *Datasource) NumericValues(name string) []float64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	rows := self.store.rowsLocked()
	values := make([]float64, len(rows))
	for i, row := range rows {
		values[i], _ = row.Float64(name)
	}
	return values
}

// rows as string tables in the given column order
// with no columns, uses the schema columns
func (self *Datasource) TableData(columns []string) [][]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(columns) == 0 {
		columns = self.schema.Columns()
	}
	rows := self.store.rowsLocked()
	table := make([][]string, len(rows))
	for i, row := range rows {
		values := make([]string, len(columns))
		for j, column := range columns {
			values[j] = row[column]
		}
		table[i] = values
	}
	return table
}

// connectionHandler

func (self *Datasource) connectUrl() string {
	self.stateLock.Lock()
	filter := self.filter
	self.stateLock.Unlock()

	params := &urlParams{}
	params.Add("mode", self.store.mode())
	params.Add("schema", "true")
	self.store.appendUrlParams(params)
	if filter != "" {
		params.Add("filter", filter)
	}
	params.AddSorted(self.options)
	return self.server.wsUrl(fmt.Sprintf("subscribers/%s", self.path), params)
}

func (self *Datasource) handshakeComplete() {
	self.store.handshakeComplete()
}

func (self *Datasource) handleMessage(message string) {
	root, err := protocol.ParseXml(message)
	if err != nil {
		glog.Infof("[ds]%s malformed message = %s\n", self.id, err)
		self.reportError(&MalformedMessageError{
			Message: message,
			Err:     err,
		})
		return
	}

	switch root.Tag() {
	case protocol.RootEvents:
		self.handleEvents(protocol.ParseEvents(root))
	case protocol.RootSchema:
		self.handleSchema(NewSchemaFromXml(root))
	case protocol.RootInfo:
		self.handleInfo(protocol.ParseInfo(root))
	default:
		glog.V(LogLevelTrace).Infof("[ds]%s drop <%s>\n", self.id, root.Tag())
	}
}

func (self *Datasource) handleData(data []byte) {
	if _, err := protocol.Decode(data); err != nil {
		self.reportError(&MalformedMessageError{
			Message: fmt.Sprintf("binary (%dB)", len(data)),
			Err:     err,
		})
		return
	}
	glog.V(LogLevelTrace).Infof("[ds]%s drop binary (%dB)\n", self.id, len(data))
}

func (self *Datasource) authenticate(scheme string) bool {
	return self.server.authenticate(scheme)
}

func (self *Datasource) reportError(err error) {
	self.server.reportError(err)
}

func (self *Datasource) handleClosed(requested bool, err error) {
	self.log("closed requested=%t", requested)
	if err != nil {
		self.server.reportError(err)
	}
}

func (self *Datasource) handleEvents(message *protocol.EventsMessage) {
	self.stateLock.Lock()
	result := self.store.applyEventsLocked(message)
	self.stateLock.Unlock()

	if result.dropped {
		glog.V(LogLevelTrace).Infof("[ds]%s paused, drop %d events\n", self.id, len(message.Events))
		return
	}
	self.notifyDataChanged(result.events, result.clear)
	if result.infoChanged {
		self.notifyInfoChanged()
	}
}

func (self *Datasource) handleSchema(schema *Schema) {
	self.stateLock.Lock()
	self.schema = self.store.setSchemaLocked(schema)
	self.inUpdateBlock = false
	self.stateLock.Unlock()

	self.log("schema %s", schema)
	for _, d := range self.delegates.Get() {
		if d.schemaSet != nil {
			HandleError(func() {
				d.schemaSet.SchemaSet(self)
			})
		}
	}
}

func (self *Datasource) handleInfo(info *protocol.InfoMessage) {
	self.stateLock.Lock()
	changed := self.store.applyInfoLocked(info)
	self.stateLock.Unlock()

	if changed {
		self.notifyInfoChanged()
	}
}

func (self *Datasource) notifyDataChanged(events []*Event, clear bool) {
	for _, d := range self.delegates.Get() {
		HandleError(func() {
			d.dataChanged.DataChanged(self, events, clear)
		})
	}
}

func (self *Datasource) notifyInfoChanged() {
	for _, d := range self.delegates.Get() {
		if d.infoChanged != nil {
			HandleError(func() {
				d.infoChanged.InfoChanged(self)
			})
		}
	}
}

// opcode, timestamp and values of each event, keyed by the current schema
// a delete that follows an updateblock is the other half of an in place update and is dropped
func (self *Datasource) extractEventsLocked(message *protocol.EventsMessage) []*Event {
	events := make([]*Event, 0, len(message.Events))
	for _, eventMessage := range message.Events {
		if eventMessage.Opcode == protocol.OpcodeDelete && self.inUpdateBlock {
			self.inUpdateBlock = false
			continue
		}
		self.inUpdateBlock = eventMessage.Opcode == protocol.OpcodeUpdateBlock

		values := Row{}
		for name, value := range eventMessage.Values {
			values[name] = value
		}
		values[FieldOpcode] = eventMessage.Opcode
		if eventMessage.Timestamp != "" {
			values[FieldTimestamp] = eventMessage.Timestamp
		}

		event := &Event{
			Opcode:    eventMessage.Opcode,
			Timestamp: eventMessage.Timestamp,
			Values:    values,
		}
		event.Key, event.HasKey = self.schema.Key(values)
		events = append(events, event)
	}
	return events
}

// query parameters in insertion order
type urlParams struct {
	names []string
	parts []string
}

func (self *urlParams) Add(name string, value string) {
	self.names = append(self.names, name)
	self.parts = append(self.parts, fmt.Sprintf("%s=%s", url.QueryEscape(name), url.QueryEscape(value)))
}

func (self *urlParams) AddInt(name string, value int) {
	self.Add(name, strconv.Itoa(value))
}

// adds all options in name order, except names already added
func (self *urlParams) AddSorted(options map[string]string) {
	names := make([]string, 0, len(options))
	for name := range options {
		if !slices.Contains(self.names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		self.Add(name, options[name])
	}
}

func (self *urlParams) Encode() string {
	query := ""
	for i, part := range self.parts {
		if 0 < i {
			query += "&"
		}
		query += part
	}
	return query
}
