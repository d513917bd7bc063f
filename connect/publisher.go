package connect

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/bringyour/espconnect/protocol"
)

type PublishCsvOptions struct {
	CsvOptions
	// opcode for rows without an opcode column. Default `insert`.
	Opcode string
	// stop the publisher once the csv is published
	CloseOnComplete bool
}

type pendingCsv struct {
	data    string
	options *PublishCsvOptions
}

// publishes rows into a window in the `properties` text format
type Publisher struct {
	id      Id
	server  *ServerConnection
	conn    *Connection
	path    string
	options map[string]string
	log     LogFunction

	stateLock sync.Mutex
	current   Row
	data      []Row
	schema    *Schema
	csv       *pendingCsv
}

func newPublisher(server *ServerConnection, path string, options map[string]string) *Publisher {
	id := NewId()
	if options == nil {
		options = map[string]string{}
	}
	publisher := &Publisher{
		id:      id,
		server:  server,
		path:    path,
		options: options,
		log:     LogFn(LogLevelLifecycle, fmt.Sprintf("[pub]%s", id)),
		data:    []Row{},
		schema:  NewSchema(),
	}
	publisher.conn = newConnection(fmt.Sprintf("[pub]%s", id), publisher, server.settings.TransportSettings)
	return publisher
}

func (self *Publisher) Id() Id {
	return self.id
}

func (self *Publisher) Path() string {
	return self.path
}

func (self *Publisher) Connection() *Connection {
	return self.conn
}

func (self *Publisher) Schema() *Schema {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.schema
}

// sets the schema used to map csv columns
// a schema message from the server replaces it
func (self *Publisher) SetSchema(schema *Schema) {
	self.stateLock.Lock()
	self.schema = schema
	self.stateLock.Unlock()

	if err := self.publishPendingCsv(); err != nil {
		self.reportError(err)
	}
}

func (self *Publisher) open(ctx context.Context) error {
	return self.conn.Start(ctx)
}

func (self *Publisher) Close() {
	self.conn.Stop()
}

// starts a new row
func (self *Publisher) Begin() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.current = Row{}
}

func (self *Publisher) Set(name string, value any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.current == nil {
		self.current = Row{}
	}
	self.current[name] = fmt.Sprint(value)
}

// appends the current row to the batch
func (self *Publisher) End() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.current != nil {
		self.data = append(self.data, self.current)
		self.current = nil
	}
}

func (self *Publisher) Add(row Row) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.data = append(self.data, row.Clone())
}

func (self *Publisher) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.data)
}

// sends the batch as one text frame and clears it
// an empty batch is a no-op. The batch is kept when the send fails.
func (self *Publisher) Publish() error {
	self.stateLock.Lock()
	if len(self.data) == 0 {
		self.stateLock.Unlock()
		return nil
	}
	data := self.data
	self.stateLock.Unlock()

	if err := self.conn.sendReady(PropertiesFormat(data)); err != nil {
		return err
	}

	self.stateLock.Lock()
	// rows added during the send stay pending
	if len(data) <= len(self.data) {
		self.data = slices.Clone(self.data[len(data):])
	} else {
		self.data = []Row{}
	}
	self.stateLock.Unlock()

	glog.V(LogLevelTrace).Infof("[pub]%s published %d rows\n", self.id, len(data))
	return nil
}

// publishes csv text using the schema field order
// when no schema is known yet, the csv is published once the schema arrives
func (self *Publisher) PublishCsv(data string, options *PublishCsvOptions) error {
	if options == nil {
		options = &PublishCsvOptions{}
	}
	self.stateLock.Lock()
	self.csv = &pendingCsv{
		data:    data,
		options: options,
	}
	self.stateLock.Unlock()

	return self.publishPendingCsv()
}

func (self *Publisher) publishPendingCsv() error {
	self.stateLock.Lock()
	csv := self.csv
	schema := self.schema
	if csv == nil || schema.Size() == 0 || !self.conn.IsReady() {
		self.stateLock.Unlock()
		return nil
	}
	self.csv = nil
	self.stateLock.Unlock()

	rows, err := schema.CreateDataFromCsv(csv.data, &csv.options.CsvOptions)
	if err != nil {
		return err
	}
	opcode := csv.options.Opcode
	if opcode == "" {
		opcode = protocol.OpcodeInsert
	}
	for _, row := range rows {
		values := row.Values
		if row.Opcode != "" {
			values["opcode"] = row.Opcode
		} else {
			values["opcode"] = opcode
		}
		self.Add(values)
	}
	if err := self.Publish(); err != nil {
		return err
	}
	self.log("published csv %d rows", len(rows))

	if csv.options.CloseOnComplete {
		self.Close()
	}
	return nil
}

// bulk injection of an event source url into the window, see `ServerConnection.PublishUrl`
func (self *Publisher) PublishUrl(eventUrl string, blocksize int, callback PublishUrlCallback) {
	self.server.PublishUrl(self.path, eventUrl, blocksize, callback)
}

// connectionHandler

func (self *Publisher) connectUrl() string {
	params := &urlParams{}
	params.Add("format", "properties")
	params.AddSorted(self.options)
	return self.server.wsUrl(fmt.Sprintf("publishers/%s", self.path), params)
}

func (self *Publisher) handshakeComplete() {
	if err := self.publishPendingCsv(); err != nil {
		self.reportError(err)
	}
}

func (self *Publisher) handleMessage(message string) {
	root, err := protocol.ParseXml(message)
	if err != nil {
		self.reportError(&MalformedMessageError{
			Message: message,
			Err:     err,
		})
		return
	}
	switch root.Tag() {
	case protocol.RootSchema:
		schema := NewSchemaFromXml(root)
		self.log("schema %s", schema)
		self.SetSchema(schema)
	default:
		glog.V(LogLevelTrace).Infof("[pub]%s drop <%s>\n", self.id, root.Tag())
	}
}

func (self *Publisher) handleData(data []byte) {
	glog.V(LogLevelTrace).Infof("[pub]%s drop binary (%dB)\n", self.id, len(data))
}

func (self *Publisher) authenticate(scheme string) bool {
	return self.server.authenticate(scheme)
}

func (self *Publisher) reportError(err error) {
	self.server.reportError(err)
}

func (self *Publisher) handleClosed(requested bool, err error) {
	self.log("closed requested=%t", requested)
	if err != nil {
		self.server.reportError(err)
	}
}

// every row becomes `name=value` lines in name order, rows separated by a blank line
func PropertiesFormat(rows []Row) string {
	var b strings.Builder
	for i, row := range rows {
		if 0 < i {
			b.WriteString("\n")
		}
		names := make([]string, 0, len(row))
		for name := range row {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			b.WriteString(name)
			b.WriteString("=")
			b.WriteString(row[name])
			b.WriteString("\n")
		}
	}
	return b.String()
}
