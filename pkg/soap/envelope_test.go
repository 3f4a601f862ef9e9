package soap

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvelope(t *testing.T) {
	out, err := BuildEnvelope(Service{}, Request{
		Payload:  "<DOC/>",
		Username: "TPSDEMO",
		Password: "demo123",
	})
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))

	root := doc.Root()
	require.NotNil(t, root)
	assert.Equal(t, "Envelope", root.Tag)
	assert.Equal(t, NS12, root.SelectAttrValue("xmlns:soap", ""))
	assert.Equal(t, DefaultNamespace, root.SelectAttrValue("xmlns:ns", ""))

	op := doc.FindElement("//*[local-name()='Body']/*[local-name()='" + DefaultOperation + "']")
	require.NotNil(t, op)
	children := op.ChildElements()
	require.Len(t, children, 3)
	assert.Equal(t, "fStream", children[0].Tag)
	assert.Equal(t, "<DOC/>", children[0].Text())
	assert.Equal(t, "TPSDEMO", children[1].Text())
	assert.Equal(t, "demo123", children[2].Text())

	assert.Contains(t, string(out), "<![CDATA[<DOC/>]]>")
}

func TestBuildEnvelope_CustomService(t *testing.T) {
	out, err := BuildEnvelope(Service{Namespace: "urn:test", Operation: "kirimData"}, Request{Payload: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `xmlns:ns="urn:test"`)
	assert.Contains(t, string(out), "<ns:kirimData>")
}

func TestBuildEnvelope_PayloadWithCDataTerminator(t *testing.T) {
	payload := "<A><![CDATA[inner]]></A>"
	out, err := BuildEnvelope(Service{}, Request{Payload: payload})
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))
	stream := doc.FindElement("//*[local-name()='fStream']")
	require.NotNil(t, stream)
	assert.Equal(t, payload, innerText(stream))
}

func TestBuildEnvelope_EscapesCredentials(t *testing.T) {
	out, err := BuildEnvelope(Service{}, Request{Payload: "x", Username: "a&b", Password: "<p>"})
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))
	assert.Equal(t, "a&b", doc.FindElement("//*[local-name()='Username']").Text())
	assert.Equal(t, "<p>", doc.FindElement("//*[local-name()='Password']").Text())
}

func TestParseResponse_Result(t *testing.T) {
	resp := `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:ns="http://services.beacukai.go.id/">
  <soap:Body>
    <ns:CoCoTangkiResponse>
      <ns:CoCoTangkiResult>OK: accepted</ns:CoCoTangkiResult>
    </ns:CoCoTangkiResponse>
  </soap:Body>
</soap:Envelope>`

	r, err := ParseResponse(Service{}, []byte(resp))
	require.NoError(t, err)
	assert.Nil(t, r.Fault)
	assert.Equal(t, "OK: accepted", r.Result)
}

func TestParseResponse_ResultByPrefix(t *testing.T) {
	resp := `<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope" xmlns:ns="urn:x">
  <env:Body><ns:CoCoTangkiResultValid>OK: accepted</ns:CoCoTangkiResultValid></env:Body>
</env:Envelope>`

	r, err := ParseResponse(Service{}, []byte(resp))
	require.NoError(t, err)
	assert.Equal(t, "OK: accepted", r.Result)
}

func TestParseResponse_CDataResult(t *testing.T) {
	resp := `<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>
<CoCoTangkiResult><![CDATA[<RESPON>GAGAL</RESPON>]]></CoCoTangkiResult></s:Body></s:Envelope>`

	r, err := ParseResponse(Service{}, []byte(resp))
	require.NoError(t, err)
	assert.Equal(t, "<RESPON>GAGAL</RESPON>", r.Result)
}

func TestParseResponse_Fault12(t *testing.T) {
	resp := `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">
  <soap:Body>
    <soap:Fault>
      <soap:Code><soap:Value>soap:Sender</soap:Value></soap:Code>
      <soap:Reason><soap:Text xml:lang="en">Invalid user</soap:Text></soap:Reason>
    </soap:Fault>
  </soap:Body>
</soap:Envelope>`

	r, err := ParseResponse(Service{}, []byte(resp))
	require.NoError(t, err)
	require.NotNil(t, r.Fault)
	assert.Equal(t, "soap:Sender", r.Fault.Code)
	assert.Equal(t, "Invalid user", r.Fault.Reason)
	assert.Contains(t, r.Fault.Error(), "Invalid user")
}

func TestParseResponse_Fault11(t *testing.T) {
	resp := `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/">
  <soap:Body>
    <soap:Fault>
      <faultcode>soap:Server</faultcode>
      <faultstring>Server was unable to process request</faultstring>
    </soap:Fault>
  </soap:Body>
</soap:Envelope>`

	r, err := ParseResponse(Service{}, []byte(resp))
	require.NoError(t, err)
	require.NotNil(t, r.Fault)
	assert.Equal(t, "soap:Server", r.Fault.Code)
	assert.Equal(t, "Server was unable to process request", r.Fault.Reason)
}

func TestParseResponse_NoResult(t *testing.T) {
	resp := `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><Other/></soap:Body></soap:Envelope>`

	_, err := ParseResponse(Service{}, []byte(resp))
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestParseResponse_InvalidXML(t *testing.T) {
	_, err := ParseResponse(Service{}, []byte("<unclosed"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoResult)

	_, err = ParseResponse(Service{}, []byte(""))
	require.Error(t, err)
}
