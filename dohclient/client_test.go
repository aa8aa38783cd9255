package dohclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/dohfwd/upstream"
	"github.com/semihalev/dohfwd/wire"
)

func wireAnswer(t *testing.T, req *dns.Msg, rrText string) []byte {
	t.Helper()
	resp := new(dns.Msg)
	resp.SetReply(req)
	rr, err := dns.NewRR(rrText)
	require.NoError(t, err)
	resp.Answer = append(resp.Answer, rr)
	packed, err := wire.Pack(resp)
	require.NoError(t, err)
	return packed
}

func aQuery(name string) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return req
}

func TestExchangeMessagePOST(t *testing.T) {
	var gotMethod, gotContentType, gotAccept string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotAccept = r.Header.Get("Accept")

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := wire.Unpack(body)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(wireAnswer(t, req, "example.com. 300 IN A 93.184.216.34"))
	}))
	defer srv.Close()

	s := &upstream.Server{URL: srv.URL, Method: "POST", ContentType: "message"}
	resp, err := Exchange(context.Background(), srv.Client(), s, aQuery("example.com"), nil)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/dns-message", gotContentType)
	assert.Equal(t, "application/dns-message", gotAccept)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "93.184.216.34", resp.Answer[0].(*dns.A).A.String())
}

func TestExchangeMessageGET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)

		buf, err := wire.DecodeGETParam(r.URL.Query().Get("dns"))
		require.NoError(t, err)
		req, err := wire.Unpack(buf)
		require.NoError(t, err)
		assert.Equal(t, "example.com.", req.Question[0].Name)

		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(wireAnswer(t, req, "example.com. 300 IN A 93.184.216.34"))
	}))
	defer srv.Close()

	s := &upstream.Server{URL: srv.URL, Method: "GET", ContentType: "message"}
	resp, err := Exchange(context.Background(), srv.Client(), s, aQuery("example.com"), nil)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
}

func TestExchangeJSONDialect(t *testing.T) {
	var gotMethod string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		assert.Equal(t, "a.test.", r.URL.Query().Get("name"))
		assert.Equal(t, "A", r.URL.Query().Get("type"))
		assert.Equal(t, "application/dns-json", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "application/dns-json")
		_, _ = w.Write([]byte(`{"Status":0,"Answer":[{"name":"a.test.","type":1,"TTL":300,"data":"1.2.3.4"}]}`))
	}))
	defer srv.Close()

	s := &upstream.Server{URL: srv.URL, Method: "GET", ContentType: "json"}
	resp, err := Exchange(context.Background(), srv.Client(), s, aQuery("a.test"), nil)
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", a.A.String())
	assert.Equal(t, uint32(300), a.Hdr.Ttl)
}

func TestExchangeJSONPropagatesRcodeAndAuthority(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dns-json")
		_, _ = w.Write([]byte(`{"Status":3,"Authority":[{"name":"test.","type":6,"TTL":900,` +
			`"data":"ns1.test. hostmaster.test. 1 7200 900 1209600 86400"}]}`))
	}))
	defer srv.Close()

	s := &upstream.Server{URL: srv.URL, Method: "GET", ContentType: "json"}
	resp, err := Exchange(context.Background(), srv.Client(), s, aQuery("nx.test"), nil)
	require.NoError(t, err)

	assert.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Len(t, resp.Ns, 1)
	_, ok := resp.Ns[0].(*dns.SOA)
	assert.True(t, ok)
}

func TestExchangeJSONCountsUnsupportedRecordTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dns-json")
		_, _ = w.Write([]byte(`{"Status":0,"Answer":[` +
			`{"name":"a.test.","type":33,"TTL":300,"data":"0 0 443 target.a.test."},` +
			`{"name":"a.test.","type":1,"TTL":300,"data":"1.2.3.4"}]}`))
	}))
	defer srv.Close()

	var skipped []uint16
	s := &upstream.Server{URL: srv.URL, Method: "GET", ContentType: "json"}
	resp, err := Exchange(context.Background(), srv.Client(), s, aQuery("a.test"), func(rtype uint16) {
		skipped = append(skipped, rtype)
	})
	require.NoError(t, err)

	assert.Equal(t, []uint16{dns.TypeSRV}, skipped, "the SRV record must be reported, not silently dropped")
	require.Len(t, resp.Answer, 1, "the supported A record must survive")
}

func TestExchangeSurfacesHTTPStatusAsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := &upstream.Server{URL: srv.URL, Method: "POST", ContentType: "message"}
	_, err := Exchange(context.Background(), srv.Client(), s, aQuery("example.com"), nil)

	var statusErr *upstream.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
	assert.True(t, statusErr.Retryable())
}

func TestExchangeSendsAuthorizationAndAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
		assert.Equal(t, "dohfwd-test", r.Header.Get("User-Agent"))

		body, _ := io.ReadAll(r.Body)
		req, err := wire.Unpack(body)
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(wireAnswer(t, req, "example.com. 300 IN A 93.184.216.34"))
	}))
	defer srv.Close()

	s := &upstream.Server{URL: srv.URL, Method: "POST", ContentType: "message", AuthHeader: "Bearer sekret", Agent: "dohfwd-test"}
	_, err := Exchange(context.Background(), srv.Client(), s, aQuery("example.com"), nil)
	require.NoError(t, err)
}
