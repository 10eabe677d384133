/*******************************************************************************
*
* Copyright 2024 The Weft Authors
*
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You should have received a copy of the License along with this
* program. If not, you may obtain a copy of the License at
*
*     http://www.apache.org/licenses/LICENSE-2.0
*
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
*
*******************************************************************************/

package repo

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Element is a node in a parsed repository document. Unlike encoding/xml
// struct decoding, it preserves the order of heterogeneous children, which
// the synthesis pipeline relies on for stable output.
type Element struct {
	Tag      string
	Attrs    []Attr
	Text     string
	Children []*Element
}

// Attr is a single XML attribute. Attributes keep their document order so
// that re-serialization is deterministic.
type Attr struct {
	Name  string
	Value string
}

// NewElement builds an element with the given attributes, supplied as
// alternating name/value pairs.
func NewElement(tag string, attrPairs ...string) *Element {
	if len(attrPairs)%2 != 0 {
		panic("NewElement: odd number of attribute arguments")
	}
	e := &Element{Tag: tag}
	for i := 0; i < len(attrPairs); i += 2 {
		e.Attrs = append(e.Attrs, Attr{Name: attrPairs[i], Value: attrPairs[i+1]})
	}
	return e
}

// Get returns the value of the named attribute, or "" if unset.
func (e *Element) Get(name string) string {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// GetDefault returns the value of the named attribute, or `def` if unset.
func (e *Element) GetDefault(name, def string) string {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return def
}

// Has reports whether the named attribute is set.
func (e *Element) Has(name string) bool {
	for _, a := range e.Attrs {
		if a.Name == name {
			return true
		}
	}
	return false
}

// BoolAttr interprets the named attribute as a boolean. Unset attributes and
// anything other than "true" (case-insensitive) count as false.
func (e *Element) BoolAttr(name string) bool {
	return strings.EqualFold(e.Get(name), "true")
}

// Set replaces the value of the named attribute, appending it if unset.
func (e *Element) Set(name, value string) {
	for i, a := range e.Attrs {
		if a.Name == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
}

// Append adds child elements.
func (e *Element) Append(children ...*Element) {
	e.Children = append(e.Children, children...)
}

// FindChildren returns all direct children with the given tag.
func (e *Element) FindChildren(tag string) []*Element {
	var result []*Element
	for _, c := range e.Children {
		if c.Tag == tag {
			result = append(result, c)
		}
	}
	return result
}

// Copy returns a deep copy of the element.
func (e *Element) Copy() *Element {
	clone := &Element{
		Tag:  e.Tag,
		Text: e.Text,
	}
	if len(e.Attrs) > 0 {
		clone.Attrs = make([]Attr, len(e.Attrs))
		copy(clone.Attrs, e.Attrs)
	}
	for _, c := range e.Children {
		clone.Children = append(clone.Children, c.Copy())
	}
	return clone
}

// Parse reads a single XML document into an element tree. Comments and
// processing instructions are discarded; character data is trimmed.
func Parse(r io.Reader) (*Element, error) {
	dec := xml.NewDecoder(r)
	var root *Element
	var stack []*Element
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			e := &Element{Tag: t.Name.Local}
			for _, a := range t.Attr {
				// drop namespace declarations; the repository format does not use them
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				e.Attrs = append(e.Attrs, Attr{Name: a.Name.Local, Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("multiple root elements (second is <%s>)", e.Tag)
				}
				root = e
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, e)
			}
			stack = append(stack, e)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				text := strings.TrimSpace(string(t))
				if text != "" {
					cur := stack[len(stack)-1]
					if cur.Text != "" {
						cur.Text += "\n"
					}
					cur.Text += text
				}
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("document contains no elements")
	}
	return root, nil
}

// ParseString is a convenience wrapper around Parse.
func ParseString(doc string) (*Element, error) {
	return Parse(strings.NewReader(doc))
}

// String serializes the element tree without indentation. The output is
// deterministic: attributes and children appear in stored order.
func (e *Element) String() string {
	var buf bytes.Buffer
	e.write(&buf, -1, 0)
	return buf.String()
}

// Indent serializes the element tree with two-space indentation and a
// trailing newline, for human consumption and fixture files.
func (e *Element) Indent() string {
	var buf bytes.Buffer
	e.write(&buf, 0, 0)
	buf.WriteByte('\n')
	return buf.String()
}

func (e *Element) write(buf *bytes.Buffer, indent, depth int) {
	if indent >= 0 && depth > 0 {
		buf.WriteByte('\n')
	}
	pad := ""
	if indent >= 0 {
		pad = strings.Repeat("  ", depth)
	}
	buf.WriteString(pad)
	buf.WriteByte('<')
	buf.WriteString(e.Tag)
	for _, a := range e.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		escapeTo(buf, a.Value)
		buf.WriteByte('"')
	}
	if len(e.Children) == 0 && e.Text == "" {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	if e.Text != "" {
		escapeTo(buf, e.Text)
	}
	for _, c := range e.Children {
		c.write(buf, indent, depth+1)
	}
	if len(e.Children) > 0 && indent >= 0 {
		buf.WriteByte('\n')
		buf.WriteString(pad)
	}
	buf.WriteString("</")
	buf.WriteString(e.Tag)
	buf.WriteByte('>')
}

func escapeTo(buf *bytes.Buffer, s string) {
	//nolint:errcheck // bytes.Buffer does not fail
	xml.EscapeText(buf, []byte(s))
}
