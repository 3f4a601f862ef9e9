package soap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Namespace constants
const (
	NS12 = "http://www.w3.org/2003/05/soap-envelope"
	NS11 = "http://schemas.xmlsoap.org/soap/envelope/"
)

// ContentType is the media type of SOAP 1.2 requests
const ContentType = "application/soap+xml; charset=utf-8"

// Defaults for the host service
const (
	DefaultNamespace     = "http://services.beacukai.go.id/"
	DefaultOperation     = "CoCoTangki"
	DefaultResultElement = "CoCoTangkiResult"
)

// ErrNoResult is returned when a response carries neither a fault nor a result
var ErrNoResult = errors.New("result element not found")

// Service identifies the remote operation
type Service struct {
	Namespace     string
	Operation     string
	ResultElement string
}

// DefaultService returns the host's service description
func DefaultService() Service {
	return Service{
		Namespace:     DefaultNamespace,
		Operation:     DefaultOperation,
		ResultElement: DefaultResultElement,
	}
}

func (s Service) withDefaults() Service {
	def := DefaultService()
	if s.Namespace == "" {
		s.Namespace = def.Namespace
	}
	if s.Operation == "" {
		s.Operation = def.Operation
	}
	if s.ResultElement == "" {
		s.ResultElement = def.ResultElement
	}
	return s
}

// Request is the content of one operation call
type Request struct {
	Payload  string
	Username string
	Password string
}

// BuildEnvelope serialises req as a SOAP 1.2 envelope
func BuildEnvelope(svc Service, req Request) ([]byte, error) {
	svc = svc.withDefaults()

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", NS12)
	env.CreateAttr("xmlns:ns", svc.Namespace)

	body := env.CreateElement("soap:Body")
	op := body.CreateElement("ns:" + svc.Operation)

	stream := op.CreateElement("ns:fStream")
	writeCData(stream, req.Payload)

	op.CreateElement("ns:Username").SetText(req.Username)
	op.CreateElement("ns:Password").SetText(req.Password)

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return out, nil
}

// writeCData appends s as CDATA sections. A "]]>" sequence cannot appear
// inside one section, so it is split across two.
func writeCData(e *etree.Element, s string) {
	for {
		i := strings.Index(s, "]]>")
		if i < 0 {
			e.CreateCData(s)
			return
		}
		e.CreateCData(s[:i+2])
		s = s[i+2:]
	}
}

// Response is a parsed host response
type Response struct {
	Fault  *Fault
	Result string
}

// Fault is a SOAP fault
type Fault struct {
	Code   string
	Reason string
}

func (f *Fault) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("soap fault %s: %s", f.Code, f.Reason)
	}
	return "soap fault: " + f.Reason
}

// ParseResponse reads a response envelope. A fault takes precedence over the
// result. ErrNoResult is returned when neither is present.
func ParseResponse(svc Service, data []byte) (*Response, error) {
	svc = svc.withDefaults()

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse response XML: %w", err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("failed to parse response XML: empty document")
	}

	if fault := doc.FindElement("//*[local-name()='Fault']"); fault != nil {
		return &Response{Fault: parseFault(fault)}, nil
	}

	result := doc.FindElement("//*[local-name()='" + svc.ResultElement + "']")
	if result == nil {
		result = findByPrefix(doc.Root(), svc.ResultElement)
	}
	if result == nil {
		return nil, ErrNoResult
	}

	return &Response{Result: innerText(result)}, nil
}

func parseFault(fault *etree.Element) *Fault {
	f := &Fault{}

	// SOAP 1.2
	if code := fault.FindElement(".//*[local-name()='Code']/*[local-name()='Value']"); code != nil {
		f.Code = strings.TrimSpace(code.Text())
	}
	if text := fault.FindElement(".//*[local-name()='Reason']/*[local-name()='Text']"); text != nil {
		f.Reason = strings.TrimSpace(text.Text())
	}

	// SOAP 1.1
	if f.Code == "" {
		if code := fault.FindElement(".//*[local-name()='faultcode']"); code != nil {
			f.Code = strings.TrimSpace(code.Text())
		}
	}
	if f.Reason == "" {
		if s := fault.FindElement(".//*[local-name()='faultstring']"); s != nil {
			f.Reason = strings.TrimSpace(s.Text())
		}
	}

	if f.Reason == "" {
		f.Reason = "unknown fault"
	}
	return f
}

// findByPrefix returns the first element whose local name starts with prefix,
// such as CoCoTangkiResultValid for CoCoTangkiResult.
func findByPrefix(root *etree.Element, prefix string) *etree.Element {
	if strings.HasPrefix(root.Tag, prefix) {
		return root
	}
	for _, child := range root.ChildElements() {
		if found := findByPrefix(child, prefix); found != nil {
			return found
		}
	}
	return nil
}

// innerText concatenates every character data node below e
func innerText(e *etree.Element) string {
	var sb strings.Builder
	for _, tok := range e.Child {
		switch t := tok.(type) {
		case *etree.CharData:
			sb.WriteString(t.Data)
		case *etree.Element:
			sb.WriteString(innerText(t))
		}
	}
	return sb.String()
}
