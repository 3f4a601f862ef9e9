package transmit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-hostlink/pkg/credential"
	"github.com/sirosfoundation/go-hostlink/pkg/soap"
)

func soapResponse(result string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope" xmlns:ns="http://services.beacukai.go.id/">
  <soap:Body>
    <ns:CoCoTangkiResponse><ns:CoCoTangkiResult>` + result + `</ns:CoCoTangkiResult></ns:CoCoTangkiResponse>
  </soap:Body>
</soap:Envelope>`
}

type soapHost struct {
	hits     atomic.Int32
	lastBody atomic.Value
	status   int
	response string
}

func (h *soapHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.hits.Add(1)
	body, _ := io.ReadAll(r.Body)
	h.lastBody.Store(string(body))
	if r.Header.Get("Content-Type") != soap.ContentType {
		http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
		return
	}
	status := h.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", soap.ContentType)
	w.WriteHeader(status)
	io.WriteString(w, h.response)
}

func newSOAPFixture(t *testing.T, host *soapHost) (*SOAPTransmitter, *fakeRepo, *credential.Credential) {
	t.Helper()
	srv := httptest.NewServer(host)
	t.Cleanup(srv.Close)

	cred := soapCredential(srv.URL)
	repo := newFakeRepo(cred)
	tx := NewSOAPTransmitter(testDeps(repo, &stubRenderer{xml: "<DOC/>"}), soap.Service{}, testLogger())
	return tx, repo, cred.Clone()
}

func TestSOAPTransmitter_Send(t *testing.T) {
	host := &soapHost{response: soapResponse("OK: accepted")}
	tx, repo, cred := newSOAPFixture(t, host)

	result, err := tx.Send(context.Background(), nil, cred)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, credential.FormatXML, result.Format)
	assert.Equal(t, SOAPTransmitterName, result.TransmitterName)
	assert.Equal(t, "OK: accepted", result.Message)
	assert.Equal(t, testNow, result.TransmittedAt)
	assert.Positive(t, result.TransmissionSize)
	assert.Equal(t, 1, repo.usageOf(cred.ID))

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(host.lastBody.Load().(string)))
	assert.Equal(t, "<DOC/>", doc.FindElement("//*[local-name()='fStream']").Text())
	assert.Equal(t, "TPSDEMO", doc.FindElement("//*[local-name()='Username']").Text())
	assert.Equal(t, "demo123", doc.FindElement("//*[local-name()='Password']").Text())
}

func TestSOAPTransmitter_Send_BusinessFailure(t *testing.T) {
	for _, text := range []string{"GAGAL: nomor sudah ada", "Data tidak valid: ERROR 17", "invalid npwp"} {
		t.Run(text, func(t *testing.T) {
			host := &soapHost{response: soapResponse(text)}
			tx, repo, cred := newSOAPFixture(t, host)

			_, err := tx.Send(context.Background(), nil, cred)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindBusiness))
			assert.Contains(t, err.Error(), text)
			assert.Zero(t, repo.usageOf(cred.ID))
		})
	}
}

func TestSOAPTransmitter_Send_Fault(t *testing.T) {
	host := &soapHost{response: `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>
<soap:Fault><soap:Code><soap:Value>soap:Sender</soap:Value></soap:Code>
<soap:Reason><soap:Text>User not registered</soap:Text></soap:Reason></soap:Fault>
</soap:Body></soap:Envelope>`}
	tx, _, cred := newSOAPFixture(t, host)

	_, err := tx.Send(context.Background(), nil, cred)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindSOAPFault))
	assert.Contains(t, err.Error(), "User not registered")
}

func TestSOAPTransmitter_Send_HTTPError(t *testing.T) {
	host := &soapHost{status: http.StatusServiceUnavailable, response: "maintenance"}
	tx, repo, cred := newSOAPFixture(t, host)

	_, err := tx.Send(context.Background(), nil, cred)
	require.Error(t, err)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindHTTP, terr.Kind)
	assert.Equal(t, 503, terr.HTTPStatus())
	assert.Equal(t, "HTTP 503 Service Unavailable: maintenance", err.Error())
	assert.Zero(t, repo.usageOf(cred.ID))
}

func TestSOAPTransmitter_Send_MissingResult(t *testing.T) {
	long := strings.Repeat("x", 2000)
	host := &soapHost{response: `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body><Other>` + long + `</Other></soap:Body></soap:Envelope>`}
	tx, _, cred := newSOAPFixture(t, host)

	_, err := tx.Send(context.Background(), nil, cred)
	require.Error(t, err)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, KindParse, terr.Kind)
	assert.LessOrEqual(t, len(terr.Body), maxExcerpt+3)
	assert.Contains(t, err.Error(), "result element not found")
}

func TestSOAPTransmitter_Send_NotXML(t *testing.T) {
	host := &soapHost{response: "<html><body>gateway"}
	tx, _, cred := newSOAPFixture(t, host)

	_, err := tx.Send(context.Background(), nil, cred)
	assert.True(t, IsKind(err, KindParse))
}

func TestSOAPTransmitter_ValidateCredential(t *testing.T) {
	tx := NewSOAPTransmitter(Deps{}, soap.Service{}, testLogger())

	good := soapCredential("https://example/test")
	assert.True(t, tx.ValidateCredential(good))

	wrongType := good.Clone()
	wrongType.ServiceType = credential.ServiceTypeJSONBearer
	assert.False(t, tx.ValidateCredential(wrongType))

	noPassword := good.Clone()
	noPassword.Password = ""
	assert.False(t, tx.ValidateCredential(noPassword))

	assert.False(t, tx.ValidateCredential(nil))
}

func TestSOAPTransmitter_Send_MissingClientCertFallsBack(t *testing.T) {
	host := &soapHost{response: soapResponse("OK")}
	tx, _, cred := newSOAPFixture(t, host)
	cred.AdditionalConfig = map[string]any{
		credential.KeySSLCertPath: "/nonexistent/client.pem",
		credential.KeySSLKeyPath:  "/nonexistent/client.key",
	}

	result, err := tx.Send(context.Background(), nil, cred)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestSOAPTransmitter_Send_BadSecret(t *testing.T) {
	host := &soapHost{response: soapResponse("OK")}
	tx, _, cred := newSOAPFixture(t, host)
	cred.Password = "plaintext"

	_, err := tx.Send(context.Background(), nil, cred)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Zero(t, host.hits.Load())
}
