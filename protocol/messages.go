package protocol

import (
	"strconv"
)

// server -> client xml messages

const (
	RootEvents = "events"
	RootSchema = "schema"
	RootInfo   = "info"
	RootStats  = "stats"
	RootLog    = "log"
)

const (
	OpcodeInsert      = "insert"
	OpcodeUpsert      = "upsert"
	OpcodeUpdate      = "update"
	OpcodeDelete      = "delete"
	OpcodeUpdateBlock = "updateblock"
)

// values with a type attribute are blobs or typed values, e.g. `_data://image:...`
const DataUrlPrefix = "_data://"

type EventMessage struct {
	Opcode    string
	Timestamp string
	// field name -> raw value
	Values map[string]string
	// field names in document order
	Names []string
}

type EventsMessage struct {
	// a page attribute marks a fresh page delivery
	HasPage bool
	Page    int
	Pages   int
	Events  []*EventMessage
}

func ParseEvents(root *Element) *EventsMessage {
	message := &EventsMessage{
		Events: []*EventMessage{},
	}

	if page, ok := root.Attr("page"); ok {
		message.HasPage = true
		message.Page, _ = strconv.Atoi(page)
		message.Pages, _ = strconv.Atoi(root.AttrOr("pages", "0"))
	}

	// events are either direct children or wrapped in an `entries` element
	nodes := root.ChildrenByTag("event")
	for _, entries := range root.ChildrenByTag("entries") {
		nodes = append(nodes, entries.ChildrenByTag("event")...)
	}

	for _, node := range nodes {
		event := &EventMessage{
			Opcode: node.AttrOr("opcode", OpcodeInsert),
			Values: map[string]string{},
			Names:  []string{},
		}
		event.Timestamp, _ = node.Attr("timestamp")
		for _, value := range node.Children {
			name := value.Tag()
			content := value.Text
			if dataType, ok := value.Attr("type"); ok {
				content = DataUrlPrefix + dataType + ":" + content
			}
			if _, ok := event.Values[name]; !ok {
				event.Names = append(event.Names, name)
			}
			event.Values[name] = content
		}
		message.Events = append(message.Events, event)
	}

	return message
}

type InfoMessage struct {
	HasPage bool
	Page    int
	Pages   int
}

func ParseInfo(root *Element) *InfoMessage {
	info := &InfoMessage{}
	if page, ok := root.Attr("page"); ok {
		info.HasPage = true
		info.Page, _ = strconv.Atoi(page)
		info.Pages, _ = strconv.Atoi(root.AttrOr("pages", "0"))
	}
	return info
}

type FieldMessage struct {
	Name string
	Type string
	Key  bool
}

func ParseSchemaFields(root *Element) []*FieldMessage {
	fields := []*FieldMessage{}
	for _, fieldsNode := range root.FindAll("fields") {
		for _, node := range fieldsNode.ChildrenByTag("field") {
			name, ok := node.Attr("name")
			if !ok {
				continue
			}
			fields = append(fields, &FieldMessage{
				Name: name,
				Type: node.AttrOr("type", ""),
				Key:  node.AttrOr("key", "false") == "true",
			})
		}
	}
	return fields
}

type WindowStatsMessage struct {
	Project   string
	Contquery string
	Window    string
	Cpu       float64
	Interval  float64
	Count     float64
}

type MemoryMessage struct {
	HasSystem   bool
	System      int64
	HasVirtual  bool
	Virtual     int64
	HasResident bool
	Resident    int64
}

type StatsMessage struct {
	Windows []*WindowStatsMessage
	// nil when the server did not include a memory snapshot
	Memory *MemoryMessage
}

func ParseStats(root *Element) *StatsMessage {
	message := &StatsMessage{
		Windows: []*WindowStatsMessage{},
	}
	projects := root.FindAll("project")
	if root.Tag() == "project" {
		projects = append([]*Element{root}, projects...)
	}
	for _, project := range projects {
		for _, contquery := range project.FindAll("contquery") {
			for _, window := range contquery.FindAll("window") {
				stats := &WindowStatsMessage{
					Project:   project.AttrOr("name", ""),
					Contquery: contquery.AttrOr("name", ""),
					Window:    window.AttrOr("name", ""),
				}
				stats.Cpu, _ = strconv.ParseFloat(window.AttrOr("cpu", "0"), 64)
				stats.Interval, _ = strconv.ParseFloat(window.AttrOr("interval", "0"), 64)
				stats.Count, _ = strconv.ParseFloat(window.AttrOr("count", "0"), 64)
				message.Windows = append(message.Windows, stats)
			}
		}
	}

	if memoryNodes := root.FindAll("server-memory"); len(memoryNodes) == 1 {
		memory := &MemoryMessage{}
		if node := memoryNodes[0].Child("system"); node != nil {
			memory.System, _ = strconv.ParseInt(node.Content(), 10, 64)
			memory.HasSystem = true
		}
		if node := memoryNodes[0].Child("virtual"); node != nil {
			memory.Virtual, _ = strconv.ParseInt(node.Content(), 10, 64)
			memory.HasVirtual = true
		}
		if node := memoryNodes[0].Child("resident"); node != nil {
			memory.Resident, _ = strconv.ParseInt(node.Content(), 10, 64)
			memory.HasResident = true
		}
		message.Memory = memory
	}

	return message
}
