// Package render serialises stored documents into the payloads sent to the host
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-hostlink/internal/storage"
	"github.com/sirosfoundation/go-hostlink/pkg/transmit"
)

// RootElement is the document element of rendered XML
const RootElement = "DOCUMENT"

// Envelope is the JSON shape of a rendered document
type Envelope struct {
	DocumentID string         `json:"document_id"`
	Number     string         `json:"number"`
	Kind       string         `json:"kind"`
	Data       map[string]any `json:"data"`
}

// Renderer implements transmit.Renderer for storage documents
type Renderer struct {
	// Indent is the XML indentation width. Zero writes compact XML.
	Indent int
}

// New creates a renderer producing compact output
func New() *Renderer {
	return &Renderer{}
}

func asDocument(doc transmit.Document) (*storage.Document, error) {
	switch d := doc.(type) {
	case *storage.Document:
		if d == nil {
			return nil, fmt.Errorf("nil document")
		}
		return d, nil
	case storage.Document:
		return &d, nil
	}
	return nil, fmt.Errorf("unsupported document type %T", doc)
}

// RenderJSON encodes the document envelope
func (r *Renderer) RenderJSON(ctx context.Context, doc transmit.Document) (string, error) {
	d, err := asDocument(doc)
	if err != nil {
		return "", err
	}
	data := d.Payload
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(Envelope{
		DocumentID: d.ID,
		Number:     d.Number,
		Kind:       d.Kind,
		Data:       data,
	})
	if err != nil {
		return "", fmt.Errorf("encoding document %s: %w", d.ID, err)
	}
	return string(b), nil
}

// RenderXML builds a DOCUMENT element holding a HEADER and one child per
// payload key. Keys are sorted; nested maps become nested elements and
// slices become repeated elements.
func (r *Renderer) RenderXML(ctx context.Context, doc transmit.Document) (string, error) {
	d, err := asDocument(doc)
	if err != nil {
		return "", err
	}

	x := etree.NewDocument()
	x.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := x.CreateElement(RootElement)

	header := root.CreateElement("HEADER")
	header.CreateElement("DOCUMENT_ID").SetText(d.ID)
	header.CreateElement("NUMBER").SetText(d.Number)
	header.CreateElement("KIND").SetText(d.Kind)

	if err := appendMap(root, d.Payload); err != nil {
		return "", fmt.Errorf("rendering document %s: %w", d.ID, err)
	}

	if r.Indent > 0 {
		x.Indent(r.Indent)
	}
	out, err := x.WriteToString()
	if err != nil {
		return "", fmt.Errorf("writing document %s: %w", d.ID, err)
	}
	return out, nil
}

func appendMap(parent *etree.Element, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := appendValue(parent, elementName(k), m[k]); err != nil {
			return err
		}
	}
	return nil
}

func appendValue(parent *etree.Element, name string, v any) error {
	switch t := v.(type) {
	case map[string]any:
		return appendMap(parent.CreateElement(name), t)
	case []any:
		for _, item := range t {
			if err := appendValue(parent, name, item); err != nil {
				return err
			}
		}
		return nil
	case []string:
		for _, item := range t {
			parent.CreateElement(name).SetText(item)
		}
		return nil
	}

	text, err := scalar(v)
	if err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	el := parent.CreateElement(name)
	if text != "" {
		el.SetText(text)
	}
	return nil
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(t), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case json.Number:
		return t.String(), nil
	case time.Time:
		return t.Format(time.RFC3339), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

// elementName maps a payload key to a valid XML name
func elementName(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case unicode.IsLetter(r) || r == '_':
			b.WriteRune(r)
		case i > 0 && (unicode.IsDigit(r) || r == '-' || r == '.'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

var _ transmit.Renderer = (*Renderer)(nil)
