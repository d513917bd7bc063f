package connect

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/oklog/ulid/v2"
)

// the server version assumed until the handshake reports one
const DefaultServerVersion = "6.2"

// maximum number of rows kept by an event stream unless `maxevents` is set
const DefaultMaxEvents = 50

// synthetic fields injected into stream schemas
const (
	FieldCounter   = "_counter"
	FieldTimestamp = "_timestamp"
	FieldOpcode    = "_opcode"
)

// ids key the sub-connection registries
// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for id: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return dst, fmt.Errorf("cannot parse id %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// one row of a collection, stream or publisher batch
// field name -> raw value as delivered by the server
type Row map[string]string

func (self Row) Float64(name string) (float64, bool) {
	value, ok := self[name]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (self Row) Int64(name string) (int64, bool) {
	value, ok := self[name]
	if !ok {
		return 0, false
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return i, true
}

func (self Row) Clone() Row {
	row := Row{}
	for k, v := range self {
		row[k] = v
	}
	return row
}

// one parsed event of a delivered batch
type Event struct {
	Opcode    string
	Timestamp string
	// the row key. Not set when the row key is undefined.
	Key    string
	HasKey bool
	// stream events only
	Counter int64
	// includes `_opcode` and `_timestamp` when present
	Values Row
}
