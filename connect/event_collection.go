package connect

import (
	"strconv"

	"golang.org/x/exp/slices"

	"github.com/bringyour/espconnect/protocol"
)

// seconds between info refreshes requested from the server
const DefaultInfoInterval = 5

// a paged subscription in `updating` mode
// the store holds the rows of the current page keyed by row key
type EventCollection struct {
	*Datasource

	// guarded by the datasource state lock
	rows  map[string]Row
	page  int
	pages int
}

func newEventCollection(server *ServerConnection, path string, options map[string]string) *EventCollection {
	collection := &EventCollection{
		rows: map[string]Row{},
	}
	collection.Datasource = newDatasource(server, path, options, "ec")
	collection.Datasource.store = collection
	return collection
}

func (self *EventCollection) Page() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.page
}

func (self *EventCollection) Pages() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pages
}

// the page attributes of the last delivered page or info message
func (self *EventCollection) Info() (page int, pages int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.page, self.pages
}

func (self *EventCollection) Row(key string) (Row, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	row, ok := self.rows[key]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// requests the current page
func (self *EventCollection) Load() error {
	return self.LoadPage("")
}

func (self *EventCollection) First() error {
	return self.LoadPage("first")
}

func (self *EventCollection) Prev() error {
	return self.LoadPage("prev")
}

func (self *EventCollection) Next() error {
	return self.LoadPage("next")
}

func (self *EventCollection) Last() error {
	return self.LoadPage("last")
}

// page is first, prev, next, last, a page number, or empty for the current page
func (self *EventCollection) LoadPage(page string) error {
	return self.conn.sendReady(protocol.LoadPageCommand(page))
}

// datasourceStore

func (self *EventCollection) mode() string {
	return "updating"
}

func (self *EventCollection) appendUrlParams(params *urlParams) {
	info := DefaultInfoInterval
	if infoStr, ok := self.options["info"]; ok {
		if i, err := strconv.Atoi(infoStr); err == nil {
			info = i
		}
	}
	params.AddInt("info", info)
}

func (self *EventCollection) handshakeComplete() {
	if err := self.Load(); err != nil {
		self.log("load error = %s", err)
	}
}

func (self *EventCollection) setSchemaLocked(schema *Schema) *Schema {
	return schema
}

func (self *EventCollection) applyEventsLocked(message *protocol.EventsMessage) *applyResult {
	if self.paused && !message.HasPage {
		return &applyResult{
			dropped: true,
		}
	}

	events := self.extractEventsLocked(message)

	clear := message.HasPage
	if clear {
		self.rows = map[string]Row{}
	}

	columns := self.schema.Columns()
	for _, event := range events {
		if !event.HasKey {
			continue
		}
		if event.Opcode == protocol.OpcodeDelete {
			delete(self.rows, event.Key)
			continue
		}
		row, ok := self.rows[event.Key]
		if !ok {
			row = Row{}
			self.rows[event.Key] = row
		}
		for _, column := range columns {
			if value, ok := event.Values[column]; ok {
				row[column] = value
			}
		}
	}

	infoChanged := false
	if clear {
		self.page = message.Page
		self.pages = message.Pages
		infoChanged = true
	}

	return &applyResult{
		events:      events,
		clear:       clear,
		infoChanged: infoChanged,
	}
}

func (self *EventCollection) applyInfoLocked(info *protocol.InfoMessage) bool {
	if !info.HasPage {
		return false
	}
	self.page = info.Page
	self.pages = info.Pages
	return true
}

func (self *EventCollection) clearLocked() {
	self.rows = map[string]Row{}
}

func (self *EventCollection) rowsLocked() []Row {
	keys := self.keysLocked()
	rows := make([]Row, len(keys))
	for i, key := range keys {
		rows[i] = self.rows[key]
	}
	return rows
}

func (self *EventCollection) keysLocked() []string {
	keys := make([]string, 0, len(self.rows))
	for key := range self.rows {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
