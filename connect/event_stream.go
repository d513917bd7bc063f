package connect

import (
	"strconv"

	"github.com/bringyour/espconnect/protocol"
)

// a bounded subscription in `streaming` mode
// rows are appended with an increasing `_counter` and the oldest are evicted past `maxevents`
type EventStream struct {
	*Datasource

	maxEvents     int
	ignoreDeletes bool

	// guarded by the datasource state lock
	rows    []Row
	counter int64
}

func newEventStream(server *ServerConnection, path string, options map[string]string) *EventStream {
	stream := &EventStream{
		maxEvents: DefaultMaxEvents,
		rows:      []Row{},
		counter:   1,
	}
	if maxEventsStr, ok := options["maxevents"]; ok {
		if maxEvents, err := strconv.Atoi(maxEventsStr); err == nil && 0 < maxEvents {
			stream.maxEvents = maxEvents
		}
	}
	if ignoreDeletesStr, ok := options["ignore_deletes"]; ok {
		stream.ignoreDeletes, _ = strconv.ParseBool(ignoreDeletesStr)
	}
	stream.Datasource = newDatasource(server, path, options, "es")
	stream.Datasource.store = stream
	return stream
}

func (self *EventStream) MaxEvents() int {
	return self.maxEvents
}

// datasourceStore

func (self *EventStream) mode() string {
	return "streaming"
}

func (self *EventStream) appendUrlParams(params *urlParams) {
	params.AddInt("maxevents", self.maxEvents)
}

func (self *EventStream) handshakeComplete() {
}

// puts `_counter`, `_timestamp` and `_opcode` in front of the server fields
// `_counter` becomes the only key
func (self *EventStream) setSchemaLocked(schema *Schema) *Schema {
	streamSchema := NewSchema()
	streamSchema.AddField(NewField(FieldCounter, "int64", true))
	timestampField := NewField(FieldTimestamp, "timestamp", false)
	timestampField.IsNumber = true
	streamSchema.AddField(timestampField)
	streamSchema.AddField(NewField(FieldOpcode, "utf8str", false))
	for _, field := range schema.Fields() {
		f := *field
		f.IsKey = false
		streamSchema.AddField(&f)
	}
	self.counter = 1
	return streamSchema
}

func (self *EventStream) applyEventsLocked(message *protocol.EventsMessage) *applyResult {
	extracted := self.extractEventsLocked(message)

	columns := self.schema.Columns()
	events := make([]*Event, 0, len(extracted))
	for _, event := range extracted {
		if self.ignoreDeletes && event.Opcode == protocol.OpcodeDelete {
			continue
		}

		counter := self.counter
		self.counter += 1

		row := Row{}
		for _, column := range columns {
			if value, ok := event.Values[column]; ok {
				row[column] = value
			}
		}
		counterStr := strconv.FormatInt(counter, 10)
		row[FieldCounter] = counterStr
		event.Values[FieldCounter] = counterStr
		event.Counter = counter
		event.Key = counterStr
		event.HasKey = true

		self.rows = append(self.rows, row)
		events = append(events, event)
	}

	if n := len(self.rows) - self.maxEvents; 0 < n {
		self.rows = append([]Row{}, self.rows[n:]...)
	}

	return &applyResult{
		events: events,
	}
}

func (self *EventStream) applyInfoLocked(info *protocol.InfoMessage) bool {
	return false
}

func (self *EventStream) clearLocked() {
	self.rows = []Row{}
}

func (self *EventStream) rowsLocked() []Row {
	return self.rows
}

func (self *EventStream) keysLocked() []string {
	keys := make([]string, len(self.rows))
	for i, row := range self.rows {
		keys[i] = row[FieldCounter]
	}
	return keys
}
