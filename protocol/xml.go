package protocol

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// generic xml tree for server pushed messages
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []*Element `xml:",any"`
	Text     string     `xml:",chardata"`
}

func ParseXml(message string) (*Element, error) {
	root := &Element{}
	if err := xml.Unmarshal([]byte(message), root); err != nil {
		return nil, err
	}
	return root, nil
}

// looks like an xml document, ignoring leading whitespace
func IsXml(message string) bool {
	return strings.HasPrefix(strings.TrimSpace(message), "<")
}

func (self *Element) Tag() string {
	return self.XMLName.Local
}

func (self *Element) Attr(name string) (string, bool) {
	for _, attr := range self.Attrs {
		if attr.Name.Local == name {
			return attr.Value, true
		}
	}
	return "", false
}

func (self *Element) AttrOr(name string, defaultValue string) string {
	if value, ok := self.Attr(name); ok {
		return value
	}
	return defaultValue
}

func (self *Element) Child(tag string) *Element {
	for _, child := range self.Children {
		if child.Tag() == tag {
			return child
		}
	}
	return nil
}

func (self *Element) ChildrenByTag(tag string) []*Element {
	children := []*Element{}
	for _, child := range self.Children {
		if child.Tag() == tag {
			children = append(children, child)
		}
	}
	return children
}

// all descendants with the tag, in document order, not including self
func (self *Element) FindAll(tag string) []*Element {
	found := []*Element{}
	var visit func(e *Element)
	visit = func(e *Element) {
		for _, child := range e.Children {
			if child.Tag() == tag {
				found = append(found, child)
			}
			visit(child)
		}
	}
	visit(self)
	return found
}

func (self *Element) Content() string {
	return strings.TrimSpace(self.Text)
}

// control messages client -> server

func LoadCommand() string {
	return "<load/>"
}

// page is one of first, prev, next, last or a page number
func LoadPageCommand(page string) string {
	if page == "" {
		return LoadCommand()
	}
	return fmt.Sprintf("<load page=\"%s\"/>", escapeXml(page))
}

func FilterCommand(filter string) string {
	return fmt.Sprintf("<load><filter>%s</filter></load>", escapeXml(filter))
}

func PlayCommand() string {
	return "<play/>"
}

func PauseCommand() string {
	return "<pause/>"
}

func escapeXml(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
