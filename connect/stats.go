package connect

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"

	"github.com/bringyour/espconnect/protocol"
)

type StatsOptions struct {
	// seconds between reports
	Interval int
	// windows below this cpu percentage are not reported
	MinCpu int
	Counts bool
	Config bool
	Memory bool
}

func DefaultStatsOptions() *StatsOptions {
	return &StatsOptions{
		Interval: 1,
		MinCpu:   5,
		Counts:   false,
		Config:   false,
		Memory:   true,
	}
}

type StatsRecord struct {
	// project.contquery.window
	Key       string
	Project   string
	Contquery string
	Window    string
	Cpu       float64
	Interval  float64
	Count     float64
}

type MemoryStats struct {
	System   int64
	Virtual  int64
	Resident int64
}

type StatsDelegate interface {
	HandleStats(stats *Stats)
}

// per window cpu usage of the server's projects
// connected only while at least one delegate is registered
type Stats struct {
	server *ServerConnection
	conn   *Connection

	delegates *CallbackList[StatsDelegate]

	stateLock sync.Mutex
	options   *StatsOptions
	records   []*StatsRecord
	memory    *MemoryStats
}

func newStats(server *ServerConnection) *Stats {
	stats := &Stats{
		server:    server,
		delegates: NewCallbackList[StatsDelegate](),
		options:   DefaultStatsOptions(),
		records:   []*StatsRecord{},
	}
	stats.conn = newConnection("[stats]", stats, server.settings.TransportSettings)
	return stats
}

func (self *Stats) Connection() *Connection {
	return self.conn
}

func (self *Stats) Options() StatsOptions {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return *self.options
}

// resends the set request when delegates are attached
func (self *Stats) SetOptions(options *StatsOptions) error {
	self.stateLock.Lock()
	optionsCopy := *options
	self.options = &optionsCopy
	self.stateLock.Unlock()

	if 0 < self.delegates.Len() && self.conn.IsReady() {
		return self.sendSet()
	}
	return nil
}

// records sorted by cpu descending
func (self *Stats) Records() []*StatsRecord {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.records
}

// nil until the server reports memory
func (self *Stats) Memory() *MemoryStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.memory
}

// the first delegate starts the stats connection
func (self *Stats) AddDelegate(delegate any) error {
	statsDelegate, ok := delegate.(StatsDelegate)
	if !ok || delegate == nil {
		return ErrMissingCapability
	}
	if self.delegates.Add(statsDelegate) == 1 && self.server.IsReady() {
		return self.start(self.server.ctx)
	}
	return nil
}

// the last delegate stops the stats connection
func (self *Stats) RemoveDelegate(delegate any) bool {
	remaining, removed := self.delegates.RemoveFunc(func(d StatsDelegate) bool {
		return any(d) == delegate
	})
	if removed && remaining == 0 {
		self.stop()
	}
	return removed
}

func (self *Stats) start(ctx context.Context) error {
	if self.delegates.Len() == 0 {
		return nil
	}
	return self.conn.Start(ctx)
}

func (self *Stats) stop() {
	if self.conn.IsReady() {
		if err := self.conn.sendValueReady(statsStopMessage()); err != nil {
			glog.V(LogLevelLifecycle).Infof("[stats]stop error = %s\n", err)
		}
	}
	self.conn.Stop()
}

func (self *Stats) sendSet() error {
	self.stateLock.Lock()
	options := *self.options
	self.stateLock.Unlock()
	return self.conn.sendValueReady(statsSetMessage(&options))
}

func statsSetMessage(options *StatsOptions) map[string]any {
	return map[string]any{
		"request":  "stats",
		"action":   "set",
		"interval": options.Interval,
		"minCpu":   options.MinCpu,
		"counts":   options.Counts,
		"config":   options.Config,
		"memory":   options.Memory,
	}
}

func statsStopMessage() map[string]any {
	return map[string]any{
		"request": "stats",
		"action":  "stop",
	}
}

func statsRecords(message *protocol.StatsMessage) []*StatsRecord {
	records := make([]*StatsRecord, 0, len(message.Windows))
	for _, window := range message.Windows {
		records = append(records, &StatsRecord{
			Key:       fmt.Sprintf("%s.%s.%s", window.Project, window.Contquery, window.Window),
			Project:   window.Project,
			Contquery: window.Contquery,
			Window:    window.Window,
			Cpu:       window.Cpu,
			Interval:  window.Interval,
			Count:     window.Count,
		})
	}
	slices.SortStableFunc(records, func(a *StatsRecord, b *StatsRecord) int {
		switch {
		case a.Cpu > b.Cpu:
			return -1
		case a.Cpu < b.Cpu:
			return 1
		default:
			return 0
		}
	})
	return records
}

// connectionHandler

func (self *Stats) connectUrl() string {
	params := &urlParams{}
	params.Add("memory", "true")
	params.Add("counts", "true")
	return self.server.wsUrl("projectStats", params)
}

func (self *Stats) handshakeComplete() {
	if err := self.sendSet(); err != nil {
		glog.Infof("[stats]set error = %s\n", err)
	}
}

func (self *Stats) handleMessage(message string) {
	root, err := protocol.ParseXml(message)
	if err != nil {
		self.reportError(&MalformedMessageError{
			Message: message,
			Err:     err,
		})
		return
	}
	statsMessage := protocol.ParseStats(root)
	records := statsRecords(statsMessage)

	self.stateLock.Lock()
	self.records = records
	if statsMessage.Memory != nil {
		self.memory = &MemoryStats{
			System:   statsMessage.Memory.System,
			Virtual:  statsMessage.Memory.Virtual,
			Resident: statsMessage.Memory.Resident,
		}
	}
	self.stateLock.Unlock()

	for _, delegate := range self.delegates.Get() {
		HandleError(func() {
			delegate.HandleStats(self)
		})
	}
}

func (self *Stats) handleData(data []byte) {
	value, err := protocol.Decode(data)
	if err != nil {
		self.reportError(&MalformedMessageError{
			Message: fmt.Sprintf("binary (%dB)", len(data)),
			Err:     err,
		})
		return
	}
	glog.V(LogLevelTrace).Infof("[stats]<- %v\n", value)
}

func (self *Stats) authenticate(scheme string) bool {
	return self.server.authenticate(scheme)
}

func (self *Stats) reportError(err error) {
	self.server.reportError(err)
}

func (self *Stats) handleClosed(requested bool, err error) {
	if err != nil {
		self.server.reportError(err)
	}
}
