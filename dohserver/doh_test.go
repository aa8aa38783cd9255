package dohserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/dohfwd/accesslist"
	"github.com/semihalev/dohfwd/wire"
)

func echoHandler(t *testing.T) Handler {
	t.Helper()
	return func(r *http.Request, req *dns.Msg) *dns.Msg {
		resp := new(dns.Msg)
		resp.SetReply(req)
		rr, err := dns.NewRR(req.Question[0].Name + " 300 IN A 10.0.0.1")
		require.NoError(t, err)
		resp.Answer = append(resp.Answer, rr)
		return resp
	}
}

func packedQuery(t *testing.T, name string) []byte {
	t.Helper()
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	req.Id = 0x1234
	packed, err := wire.Pack(req)
	require.NoError(t, err)
	return packed
}

func TestServeHTTPWireFormatGET(t *testing.T) {
	s := New(echoHandler(t), nil, nil, 0, 0)

	r := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+wire.EncodeGETParam(packedQuery(t, "example.com")), nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/dns-message", w.Header().Get("Content-Type"))

	resp, err := wire.Unpack(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), resp.Id, "response must carry the inbound transaction id")
	require.Len(t, resp.Answer, 1)
}

func TestServeHTTPWireFormatPOST(t *testing.T) {
	s := New(echoHandler(t), nil, nil, 0, 0)

	r := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(packedQuery(t, "example.com")))
	r.Header.Set("Content-Type", "application/dns-message")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	resp, err := wire.Unpack(w.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
}

func TestServeHTTPRejectsPOSTWithWrongContentType(t *testing.T) {
	s := New(echoHandler(t), nil, nil, 0, 0)

	r := httptest.NewRequest(http.MethodPost, "/dns-query", bytes.NewReader(packedQuery(t, "example.com")))
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestServeHTTPRejectsGarbageQuery(t *testing.T) {
	s := New(echoHandler(t), nil, nil, 0, 0)

	r := httptest.NewRequest(http.MethodGet, "/dns-query?dns=!!!", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHTTPJSONQuery(t *testing.T) {
	s := New(echoHandler(t), nil, nil, 0, 0)

	r := httptest.NewRequest(http.MethodGet, "/dns-query?name=example.com&type=A", nil)
	r.Header.Set("Accept", "application/dns-json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/dns-json", w.Header().Get("Content-Type"))

	var jm wire.JSONMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jm))
	assert.Equal(t, dns.RcodeSuccess, jm.Status)
	require.Len(t, jm.Answer, 1)
	assert.Equal(t, "10.0.0.1", jm.Answer[0].Data)
}

func TestServeHTTPRejectsClientOutsideAccessList(t *testing.T) {
	acl, err := accesslist.New([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	s := New(echoHandler(t), acl, nil, 0, 0)

	r := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+wire.EncodeGETParam(packedQuery(t, "example.com")), nil)
	r.RemoteAddr = "192.0.2.1:4242"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodGet, "/dns-query?dns="+wire.EncodeGETParam(packedQuery(t, "example.com")), nil)
	r.RemoteAddr = "10.1.2.3:4242"
	w = httptest.NewRecorder()
	s.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServeHTTPRateLimitsPerRemoteAddr(t *testing.T) {
	s := New(echoHandler(t), nil, nil, 1, 1)

	statuses := make(map[int]int)
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodGet, "/dns-query?dns="+wire.EncodeGETParam(packedQuery(t, "example.com")), nil)
		r.RemoteAddr = "192.0.2.1:4242"
		w := httptest.NewRecorder()
		s.ServeHTTP(w, r)
		statuses[w.Code]++
	}

	assert.Equal(t, 1, statuses[http.StatusOK], "burst of 1 allows exactly one request through")
	assert.Equal(t, 4, statuses[http.StatusTooManyRequests])
}
