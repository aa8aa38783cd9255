// Package dohclient implements the outbound DNS-over-HTTPS client: building
// and sending requests in both the application/dns-message and
// application/dns-json dialects against a chosen upstream server.
package dohclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/miekg/dns"

	"github.com/semihalev/dohfwd/upstream"
	"github.com/semihalev/dohfwd/wire"
)

// maxResponseBytes bounds how much of an upstream's HTTP body we will read,
// mirroring the 64KiB DNS message ceiling used by wire-format transports.
const maxResponseBytes = 65535

// Exchange sends req to s using client, using s's configured dialect and
// method, and returns the decoded response. onUnsupported, if non-nil, is
// invoked once per JSON-dialect record dropped because its type cannot be
// reconstructed; it is unused for the message dialect.
func Exchange(ctx context.Context, client *http.Client, s *upstream.Server, req *dns.Msg, onUnsupported func(rtype uint16)) (*dns.Msg, error) {
	if s.ContentType == "json" {
		return exchangeJSON(ctx, client, s, req, onUnsupported)
	}
	return exchangeMessage(ctx, client, s, req)
}

func exchangeMessage(ctx context.Context, client *http.Client, s *upstream.Server, req *dns.Msg) (*dns.Msg, error) {
	packed, err := wire.Pack(req)
	if err != nil {
		return nil, err
	}

	var httpReq *http.Request

	if s.Method == "GET" {
		u, err := url.Parse(s.URL)
		if err != nil {
			return nil, fmt.Errorf("dohclient: parse url %q: %w", s.URL, err)
		}
		q := u.Query()
		q.Set("dns", wire.EncodeGETParam(packed))
		u.RawQuery = q.Encode()

		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(packed))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/dns-message")
	}

	httpReq.Header.Set("Accept", "application/dns-message")
	applyAuth(httpReq, s)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dohclient: request to %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &upstream.StatusError{URL: s.URL, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("dohclient: read body from %s: %w", s.URL, err)
	}

	msg, err := wire.Unpack(body)
	if err != nil {
		return nil, fmt.Errorf("dohclient: decode response from %s: %w", s.URL, err)
	}

	return msg, nil
}

func exchangeJSON(ctx context.Context, client *http.Client, s *upstream.Server, req *dns.Msg, onUnsupported func(rtype uint16)) (*dns.Msg, error) {
	if len(req.Question) == 0 {
		return nil, fmt.Errorf("dohclient: json dialect requires a question")
	}
	q := req.Question[0]

	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("dohclient: parse url %q: %w", s.URL, err)
	}
	query := u.Query()
	query.Set("name", q.Name)
	query.Set("type", dns.TypeToString[q.Qtype])
	if req.CheckingDisabled {
		query.Set("cd", "true")
	}
	if opt := req.IsEdns0(); opt != nil && opt.Do() {
		query.Set("do", "true")
	}
	u.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/dns-json")
	applyAuth(httpReq, s)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dohclient: request to %s: %w", s.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &upstream.StatusError{URL: s.URL, Code: resp.StatusCode}
	}

	var jm wire.JSONMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&jm); err != nil {
		return nil, fmt.Errorf("dohclient: decode json response from %s: %w", s.URL, err)
	}

	return jsonToMsg(req, &jm, onUnsupported), nil
}

func jsonToMsg(req *dns.Msg, jm *wire.JSONMessage, onUnsupported func(rtype uint16)) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = jm.Status
	resp.Truncated = jm.TC
	resp.RecursionAvailable = jm.RA
	resp.AuthenticatedData = jm.AD
	resp.CheckingDisabled = jm.CD

	resp.Answer = sectionFromJSON(jm.Answer, onUnsupported)
	resp.Ns = sectionFromJSON(jm.Authority, onUnsupported)
	resp.Extra = sectionFromJSON(jm.Additional, onUnsupported)

	return resp
}

func sectionFromJSON(recs []wire.JSONRecord, onUnsupported func(rtype uint16)) []dns.RR {
	var out []dns.RR
	for _, rec := range recs {
		rr, err := wire.RecordFromJSON(rec)
		if err != nil {
			if onUnsupported != nil {
				onUnsupported(rec.Type)
			}
			continue
		}
		out = append(out, rr)
	}
	return out
}

func applyAuth(req *http.Request, s *upstream.Server) {
	if s.AuthHeader != "" {
		req.Header.Set("Authorization", s.AuthHeader)
	}
	if s.Agent != "" {
		req.Header.Set("User-Agent", s.Agent)
	}
}
