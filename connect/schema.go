package connect

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/bringyour/espconnect/protocol"
)

type Field struct {
	Name string
	// type as declared by the server, e.g. `int64`
	EspType string
	// semantic type: string, int, float, date, datetime or the esp type
	Type     string
	IsKey    bool
	IsNumber bool
	IsDate   bool
	IsTime   bool
}

func NewField(name string, espType string, isKey bool) *Field {
	field := &Field{
		Name:    name,
		EspType: espType,
		IsKey:   isKey,
	}
	switch espType {
	case "utf8str":
		field.Type = "string"
	case "int32", "int64":
		field.Type = "int"
		field.IsNumber = true
	case "double", "money":
		field.Type = "float"
		field.IsNumber = true
	case "date":
		field.Type = "date"
		field.IsDate = true
	case "timestamp", "stamp":
		field.Type = "datetime"
		field.IsTime = true
	default:
		field.Type = espType
	}
	return field
}

// ordered fields with unique names
type Schema struct {
	fields    []*Field
	fieldMap  map[string]*Field
	keyFields []*Field
}

func NewSchema() *Schema {
	return &Schema{
		fields:    []*Field{},
		fieldMap:  map[string]*Field{},
		keyFields: []*Field{},
	}
}

func NewSchemaFromXml(root *protocol.Element) *Schema {
	schema := NewSchema()
	for _, fieldMessage := range protocol.ParseSchemaFields(root) {
		schema.AddField(NewField(fieldMessage.Name, fieldMessage.Type, fieldMessage.Key))
	}
	return schema
}

// ignores a field whose name is already present
func (self *Schema) AddField(field *Field) bool {
	if _, ok := self.fieldMap[field.Name]; ok {
		return false
	}
	self.fields = append(self.fields, field)
	self.fieldMap[field.Name] = field
	if field.IsKey {
		self.keyFields = append(self.keyFields, field)
	}
	return true
}

func (self *Schema) Size() int {
	return len(self.fields)
}

func (self *Schema) Fields() []*Field {
	return self.fields
}

func (self *Schema) Field(name string) (*Field, bool) {
	field, ok := self.fieldMap[name]
	return field, ok
}

func (self *Schema) KeyFields() []*Field {
	return self.keyFields
}

func (self *Schema) Columns() []string {
	columns := make([]string, len(self.fields))
	for i, field := range self.fields {
		columns[i] = field.Name
	}
	return columns
}

// key values joined with `-` in key field order
// undefined when any key field is missing or there are no key fields
func (self *Schema) Key(values map[string]string) (string, bool) {
	if len(self.keyFields) == 0 {
		return "", false
	}
	parts := make([]string, 0, len(self.keyFields))
	for _, field := range self.keyFields {
		value, ok := values[field.Name]
		if !ok {
			return "", false
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, "-"), true
}

// `name:type*` with key fields first, e.g. `id*:int64,name:utf8str`
func (self *Schema) String() string {
	parts := []string{}
	for _, field := range self.keyFields {
		parts = append(parts, fmt.Sprintf("%s*:%s", field.Name, field.EspType))
	}
	for _, field := range self.fields {
		if !field.IsKey {
			parts = append(parts, fmt.Sprintf("%s:%s", field.Name, field.EspType))
		}
	}
	return strings.Join(parts, ",")
}

type CsvOptions struct {
	// the first record names the columns
	Header bool
	// the first column is an opcode: i, u, p or d
	Opcodes bool
	// the column after the opcode is a flags column and is ignored
	Flags bool
}

type CsvRow struct {
	// empty when the record has no opcode column
	Opcode string
	Values Row
}

// converts csv text into rows in schema field order
// columns beyond the schema are ignored. Header names that are not fields are ignored.
func (self *Schema) CreateDataFromCsv(data string, options *CsvOptions) ([]*CsvRow, error) {
	if options == nil {
		options = &CsvOptions{}
	}

	reader := csv.NewReader(strings.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var headers []string
	rows := []*CsvRow{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if options.Header && headers == nil {
			headers = record
			continue
		}

		row := &CsvRow{
			Values: Row{},
		}
		index := 0
		for j, value := range record {
			if options.Opcodes && j == 0 {
				switch strings.ToLower(strings.TrimSpace(value)) {
				case "i":
					row.Opcode = protocol.OpcodeInsert
				case "u":
					row.Opcode = protocol.OpcodeUpdate
				case "p":
					row.Opcode = protocol.OpcodeUpsert
				case "d":
					row.Opcode = protocol.OpcodeDelete
				}
				continue
			}
			if options.Flags && j == 1 {
				continue
			}

			if headers != nil {
				if j < len(headers) {
					if field, ok := self.fieldMap[strings.TrimSpace(headers[j])]; ok {
						row.Values[field.Name] = value
					}
				}
			} else if index < len(self.fields) {
				row.Values[self.fields[index].Name] = value
				index += 1
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
