package verification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/seclab/internal/config"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/core"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/logger"
	"github.com/CodeMonkeyCybersecurity/seclab/internal/validation"
	"github.com/CodeMonkeyCybersecurity/seclab/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	topics []string
	last   map[string]interface{}
}

func (r *recorder) Publish(topic string, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = make(map[string]interface{})
	}
	r.topics = append(r.topics, topic)
	r.last[topic] = payload
}

func (r *recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

type staticTXT map[string][]string

func (s staticTXT) LookupTXT(_ context.Context, name string) ([]string, error) {
	return s[name], nil
}

func newVerifier(t *testing.T, require bool, opts ...Option) (*Verifier, *recorder) {
	t.Helper()
	lab := config.DefaultLabConfig()
	lab.RequireDomainVerification = require
	vcfg := config.DefaultConfig().Verification
	vcfg.Scheme = "http"
	vcfg.Timeout = 2 * time.Second
	rec := &recorder{}
	return New(config.NewStore(lab), vcfg, rec, logger.NewNop(), opts...), rec
}

func TestIssueInstructions(t *testing.T) {
	tests := []struct {
		method types.VerificationMethod
		want   string
	}{
		{types.VerificationDNSTXT, "Add TXT record to example.com: cube-verify="},
		{types.VerificationHTTPFile, "Place file at https://example.com/.well-known/cube-verify.txt containing: "},
		{types.VerificationMetaTag, `Add meta tag to homepage: <meta name="cube-verify" content="`},
	}

	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			v, rec := newVerifier(t, true)

			dv, err := v.Issue(context.Background(), "Example.com", tt.method)
			require.NoError(t, err)
			assert.Equal(t, "example.com", dv.Domain)
			assert.False(t, dv.Verified)
			assert.NotEmpty(t, dv.Token)
			assert.True(t, strings.HasPrefix(dv.Instructions, tt.want), dv.Instructions)
			assert.Contains(t, dv.Instructions, dv.Token)

			assert.Equal(t, []string{core.TopicVerificationRequired}, rec.Topics())
			payload, ok := rec.last[core.TopicVerificationRequired].(Required)
			require.True(t, ok)
			assert.Equal(t, dv.Token, payload.Token)
		})
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	v, _ := newVerifier(t, true)
	ctx := context.Background()

	_, err := v.Issue(ctx, "", types.VerificationDNSTXT)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = v.Issue(ctx, "co.uk", types.VerificationDNSTXT)
	assert.True(t, errors.Is(err, core.ErrInvalidInput))

	_, err = v.Issue(ctx, "example.com", types.VerificationMethod("carrier_pigeon"))
	assert.True(t, errors.Is(err, core.ErrInvalidInput))
}

func TestIssueWithoutVerificationRequired(t *testing.T) {
	v, rec := newVerifier(t, false)

	dv, err := v.Issue(context.Background(), "example.org", types.VerificationDNSTXT)
	require.NoError(t, err)
	assert.True(t, dv.Verified)
	assert.Empty(t, dv.Token)
	assert.True(t, v.IsVerified("anything.example"))
	assert.Equal(t, []string{core.TopicDomainVerified}, rec.Topics())
}

func TestCheckHTTPFile(t *testing.T) {
	var token atomic.Value
	token.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/cube-verify.txt" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "  %s\n", token.Load())
	}))
	defer srv.Close()

	v, rec := newVerifier(t, true, WithHTTPClient(srv.Client()))
	domain := strings.TrimPrefix(srv.URL, "http://")
	ctx := context.Background()

	dv, err := v.Issue(ctx, domain, types.VerificationHTTPFile)
	require.NoError(t, err)
	assert.False(t, v.IsVerified(domain))

	ok, err := v.Check(ctx, domain, dv.Token, types.VerificationHTTPFile)
	require.NoError(t, err)
	assert.False(t, ok, "file not yet in place")

	token.Store(dv.Token)
	ok, err = v.Check(ctx, domain, dv.Token, types.VerificationHTTPFile)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.IsVerified(domain))
	assert.Contains(t, rec.Topics(), core.TopicDomainVerified)

	// Tokens are single use.
	_, err = v.Check(ctx, domain, dv.Token, types.VerificationHTTPFile)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestDomainProvenOnPortPassesGate(t *testing.T) {
	var token atomic.Value
	token.Store("")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, token.Load())
	}))
	defer srv.Close()

	// Every request lands on srv whatever host it names.
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Listener.Addr().String())
		},
	}}

	lab := config.DefaultLabConfig()
	lab.RequireDomainVerification = true
	store := config.NewStore(lab)
	vcfg := config.DefaultConfig().Verification
	vcfg.Scheme = "http"
	vcfg.Timeout = 2 * time.Second
	v := New(store, vcfg, &recorder{}, logger.NewNop(), WithHTTPClient(client))
	gate := validation.NewGate(store, v, logger.NewNop())
	ctx := context.Background()

	dv, err := v.Issue(ctx, "app.example.com:8443", types.VerificationHTTPFile)
	require.NoError(t, err)
	assert.True(t, errors.Is(gate.CheckEthicalCompliance(ctx, "http://app.example.com:8443/"), core.ErrNotAuthorized))

	token.Store(dv.Token)
	ok, err := v.Check(ctx, "app.example.com:8443", dv.Token, types.VerificationHTTPFile)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "app.example.com:8443", v.Verified()[0].Domain)

	assert.NoError(t, gate.CheckEthicalCompliance(ctx, "http://app.example.com:8443/"))
	assert.NoError(t, gate.CheckEthicalCompliance(ctx, "https://app.example.com/login"))
	assert.Error(t, gate.CheckEthicalCompliance(ctx, "https://other.example.com/"))
}

func TestCheckMetaTag(t *testing.T) {
	tests := []struct {
		name string
		page func(token string) string
		want bool
	}{
		{
			name: "exact tag",
			page: func(token string) string {
				return `<html><head><meta name="cube-verify" content="` + token + `"></head></html>`
			},
			want: true,
		},
		{
			name: "reordered attributes",
			page: func(token string) string {
				return `<html><head><meta content='` + token + `' name='cube-verify' /></head></html>`
			},
			want: true,
		},
		{
			name: "wrong token",
			page: func(string) string {
				return `<html><head><meta name="cube-verify" content="nope"></head></html>`
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body atomic.Value
			body.Store("")
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, body.Load())
			}))
			defer srv.Close()

			v, _ := newVerifier(t, true, WithHTTPClient(srv.Client()))
			domain := strings.TrimPrefix(srv.URL, "http://")

			dv, err := v.Issue(context.Background(), domain, types.VerificationMetaTag)
			require.NoError(t, err)
			body.Store(tt.page(dv.Token))

			ok, err := v.Check(context.Background(), domain, dv.Token, types.VerificationMetaTag)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestCheckUnknownToken(t *testing.T) {
	v, _ := newVerifier(t, true, WithResolver(staticTXT{}))
	ctx := context.Background()

	_, err := v.Check(ctx, "example.com", "never-issued", types.VerificationDNSTXT)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	dv, err := v.Issue(ctx, "example.com", types.VerificationDNSTXT)
	require.NoError(t, err)
	_, err = v.Check(ctx, "example.com", dv.Token, types.VerificationHTTPFile)
	assert.True(t, errors.Is(err, core.ErrNotFound), "token is bound to its method")
}

func TestCheckExpiredToken(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	v, _ := newVerifier(t, true, WithClock(clock), WithResolver(staticTXT{}))

	dv, err := v.Issue(context.Background(), "example.com", types.VerificationDNSTXT)
	require.NoError(t, err)

	now = now.Add(31 * 24 * time.Hour)
	_, err = v.Check(context.Background(), "example.com", dv.Token, types.VerificationDNSTXT)
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestVerifiedEntriesExpire(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	txt := staticTXT{}
	v, _ := newVerifier(t, true, WithClock(func() time.Time { return now }), WithResolver(txt))

	dv, err := v.Issue(context.Background(), "example.com", types.VerificationDNSTXT)
	require.NoError(t, err)
	txt["example.com"] = []string{"cube-verify=" + dv.Token}

	ok, err := v.Check(context.Background(), "example.com", dv.Token, types.VerificationDNSTXT)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, v.Verified(), 1)
	assert.True(t, v.IsVerified("app.example.com"))

	now = now.Add(31 * 24 * time.Hour)
	assert.False(t, v.IsVerified("example.com"))
	assert.Empty(t, v.Verified())
}

func TestRevoke(t *testing.T) {
	v, _ := newVerifier(t, true, WithResolver(staticTXT{}))
	v.markVerified("example.com", types.VerificationDNSTXT, time.Now())

	assert.True(t, v.Revoke("example.com"))
	assert.False(t, v.Revoke("example.com"))
	assert.False(t, v.IsVerified("example.com"))
}

type txtZone struct {
	mu      sync.Mutex
	records map[string][]string
}

func (z *txtZone) Set(name string, txt ...string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.records[name] = txt
}

func (z *txtZone) get(name string) ([]string, bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	txt, ok := z.records[name]
	return txt, ok
}

func startDNSServer(t *testing.T, zone *txtZone) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(req)
			q := req.Question[0]
			txts, ok := zone.get(q.Name)
			if !ok {
				m.Rcode = dns.RcodeNameError
			}
			for _, txt := range txts {
				m.Answer = append(m.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
					Txt: []string{txt},
				})
			}
			_ = w.WriteMsg(m)
		}),
	}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	zone := &txtZone{records: map[string][]string{
		"lab.example.com.": {"v=spf1 -all", "cube-verify=abc"},
	}}
	addr := startDNSServer(t, zone)
	r := NewDNSResolver([]string{addr}, time.Second)

	got, err := r.LookupTXT(context.Background(), "lab.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"v=spf1 -all", "cube-verify=abc"}, got)

	got, err = r.LookupTXT(context.Background(), "missing.example.com")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDNSVerificationRoundTrip(t *testing.T) {
	zone := &txtZone{records: map[string][]string{}}
	addr := startDNSServer(t, zone)
	v, _ := newVerifier(t, true, WithResolver(NewDNSResolver([]string{addr}, time.Second)))
	ctx := context.Background()

	dv, err := v.Issue(ctx, "lab.example.com", types.VerificationDNSTXT)
	require.NoError(t, err)

	ok, err := v.Check(ctx, "lab.example.com", dv.Token, types.VerificationDNSTXT)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, v.IsVerified("lab.example.com"))

	zone.Set("lab.example.com.", "cube-verify="+dv.Token)
	ok, err = v.Check(ctx, "lab.example.com", dv.Token, types.VerificationDNSTXT)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.IsVerified("lab.example.com"))
}
