package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"

	"golang.org/x/exp/slices"
)

// tagged binary format used for structured control payloads
// all lengths and numbers are big endian
//
// value  = tag body
// object = '{' (u32 name_len, name, value)* '}'
// array  = '[' value* ']'
// string = 'S' u32 len, utf8 bytes
// blob   = 'B' u32 len, bytes
// int32  = 'l' 4 bytes
// int64  = 'L' 8 bytes
// double = 'D' 8 bytes
//
// the encoder only emits objects, arrays, strings and blobs.
// numeric tags are produced by the server only.

const (
	TagObjectBegin byte = '{'
	TagObjectEnd   byte = '}'
	TagArrayBegin  byte = '['
	TagArrayEnd    byte = ']'
	TagString      byte = 'S'
	TagBlob        byte = 'B'
	TagInt32       byte = 'l'
	TagInt64       byte = 'L'
	TagDouble      byte = 'D'
)

type EncodeError struct {
	Message string
}

func (self *EncodeError) Error() string {
	return fmt.Sprintf("encode: %s", self.Message)
}

type DecodeErrorKind int

const (
	UnexpectedEnd DecodeErrorKind = iota
	UnknownTag
	TooDeep
)

// objects and arrays nested deeper than this fail to decode
const MaxDecodeDepth = 1024

func (self DecodeErrorKind) String() string {
	switch self {
	case UnexpectedEnd:
		return "unexpected end"
	case UnknownTag:
		return "unknown tag"
	case TooDeep:
		return "nesting too deep"
	default:
		return "unknown"
	}
}

type DecodeError struct {
	Kind   DecodeErrorKind
	Offset int
	Tag    byte
}

func (self *DecodeError) Error() string {
	switch self.Kind {
	case UnknownTag:
		return fmt.Sprintf("decode: unknown tag 0x%02x at %d", self.Tag, self.Offset)
	default:
		return fmt.Sprintf("decode: %s at %d", self.Kind, self.Offset)
	}
}

func Encode(value any) ([]byte, error) {
	encoder := &encoder{
		visiting: map[uintptr]bool{},
	}
	if err := encoder.encode(reflect.ValueOf(value), "", false); err != nil {
		return nil, err
	}
	return encoder.buffer.Bytes(), nil
}

func RequireEncode(value any) []byte {
	b, err := Encode(value)
	if err != nil {
		panic(err)
	}
	return b
}

func Decode(data []byte) (any, error) {
	decoder := &decoder{
		data: data,
	}
	return decoder.decodeValue()
}

func RequireDecode(data []byte) any {
	value, err := Decode(data)
	if err != nil {
		panic(err)
	}
	return value
}

type encoder struct {
	buffer bytes.Buffer
	// containers on the current path, for cycle detection
	visiting map[uintptr]bool
}

var bytesType = reflect.TypeOf([]byte(nil))

func (self *encoder) encode(v reflect.Value, name string, named bool) error {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			v = reflect.Value{}
			break
		}
		v = v.Elem()
	}

	if !v.IsValid() {
		self.writeName(name, named)
		// nil is an empty string
		self.writeString(TagString, nil)
		return nil
	}

	switch v.Kind() {
	case reflect.Map:
		if err := self.enter(v); err != nil {
			return err
		}
		defer self.leave(v)

		self.writeName(name, named)
		self.buffer.WriteByte(TagObjectBegin)
		type entry struct {
			name  string
			value reflect.Value
		}
		entries := make([]entry, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			entries = append(entries, entry{
				name:  mapKeyString(iter.Key()),
				value: iter.Value(),
			})
		}
		// fixed order so that equal values encode to equal bytes
		slices.SortFunc(entries, func(a entry, b entry) int {
			switch {
			case a.name < b.name:
				return -1
			case b.name < a.name:
				return 1
			default:
				return 0
			}
		})
		for _, e := range entries {
			if err := self.encode(e.value, e.name, true); err != nil {
				return err
			}
		}
		self.buffer.WriteByte(TagObjectEnd)
		return nil
	case reflect.Slice, reflect.Array:
		if v.Type() == bytesType || (v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8) {
			self.writeName(name, named)
			self.writeString(TagBlob, v.Bytes())
			return nil
		}
		if v.Kind() == reflect.Slice && 0 < v.Len() {
			if err := self.enter(v); err != nil {
				return err
			}
			defer self.leave(v)
		}

		self.writeName(name, named)
		self.buffer.WriteByte(TagArrayBegin)
		for i := 0; i < v.Len(); i += 1 {
			if err := self.encode(v.Index(i), "", false); err != nil {
				return err
			}
		}
		self.buffer.WriteByte(TagArrayEnd)
		return nil
	default:
		self.writeName(name, named)
		self.writeString(TagString, []byte(fmt.Sprint(v.Interface())))
		return nil
	}
}

func (self *encoder) enter(v reflect.Value) error {
	p := v.Pointer()
	if p == 0 {
		return nil
	}
	if self.visiting[p] {
		return &EncodeError{
			Message: fmt.Sprintf("cycle through %s", v.Type()),
		}
	}
	self.visiting[p] = true
	return nil
}

func (self *encoder) leave(v reflect.Value) {
	delete(self.visiting, v.Pointer())
}

func (self *encoder) writeName(name string, named bool) {
	// unnamed values (array elements and the top level value) have no prefix
	if !named {
		return
	}
	self.writeLength(len(name))
	self.buffer.WriteString(name)
}

func (self *encoder) writeString(tag byte, b []byte) {
	self.buffer.WriteByte(tag)
	self.writeLength(len(b))
	self.buffer.Write(b)
}

func (self *encoder) writeLength(n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	self.buffer.Write(b[:])
}

func mapKeyString(key reflect.Value) string {
	if key.Kind() == reflect.String {
		return key.String()
	}
	return fmt.Sprint(key.Interface())
}

type decoder struct {
	data  []byte
	index int
	depth int
}

func (self *decoder) decodeValue() (any, error) {
	tag, err := self.readTag()
	if err != nil {
		return nil, err
	}
	switch tag {
	case TagObjectBegin, TagArrayBegin:
		if MaxDecodeDepth <= self.depth {
			return nil, &DecodeError{
				Kind:   TooDeep,
				Offset: self.index - 1,
				Tag:    tag,
			}
		}
		self.depth += 1
		defer func() {
			self.depth -= 1
		}()
		if tag == TagObjectBegin {
			return self.decodeObject()
		}
		return self.decodeArray()
	case TagString:
		b, err := self.readBytes()
		if err != nil {
			return nil, err
		}
		return decodeUtf8(b), nil
	case TagBlob:
		b, err := self.readBytes()
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString(b), nil
	case TagInt32:
		b, err := self.read(4)
		if err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(b)), nil
	case TagInt64:
		b, err := self.read(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil
	case TagDouble:
		b, err := self.read(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	default:
		return nil, &DecodeError{
			Kind:   UnknownTag,
			Offset: self.index - 1,
			Tag:    tag,
		}
	}
}

func (self *decoder) decodeObject() (map[string]any, error) {
	o := map[string]any{}
	for {
		tag, err := self.peekTag()
		if err != nil {
			return nil, err
		}
		if tag == TagObjectEnd {
			self.index += 1
			return o, nil
		}
		nameBytes, err := self.readBytes()
		if err != nil {
			return nil, err
		}
		value, err := self.decodeValue()
		if err != nil {
			return nil, err
		}
		o[decodeUtf8(nameBytes)] = value
	}
}

func (self *decoder) decodeArray() ([]any, error) {
	a := []any{}
	for {
		tag, err := self.peekTag()
		if err != nil {
			return nil, err
		}
		if tag == TagArrayEnd {
			self.index += 1
			return a, nil
		}
		value, err := self.decodeValue()
		if err != nil {
			return nil, err
		}
		a = append(a, value)
	}
}

func (self *decoder) peekTag() (byte, error) {
	if len(self.data) <= self.index {
		return 0, &DecodeError{
			Kind:   UnexpectedEnd,
			Offset: self.index,
		}
	}
	return self.data[self.index], nil
}

func (self *decoder) readTag() (byte, error) {
	tag, err := self.peekTag()
	if err != nil {
		return 0, err
	}
	self.index += 1
	return tag, nil
}

// reads a u32 length followed by that many bytes
func (self *decoder) readBytes() ([]byte, error) {
	lengthBytes, err := self.read(4)
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes)
	return self.read(int(length))
}

func (self *decoder) read(n int) ([]byte, error) {
	if n < 0 || len(self.data)-self.index < n {
		return nil, &DecodeError{
			Kind:   UnexpectedEnd,
			Offset: self.index,
		}
	}
	b := self.data[self.index : self.index+n]
	self.index += n
	return b, nil
}

func decodeUtf8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string(bytes.ToValidUTF8(b, []byte(string(utf8.RuneError))))
}
