package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	client := New(DefaultConfig())

	assert.NotNil(t, client)
	assert.Equal(t, 10*time.Second, client.Timeout)
}

func TestUserAgent(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	resp, err := New(DefaultConfig()).Get(server.URL)
	require.NoError(t, err)
	CloseBody(resp)
	assert.Equal(t, "seclab/1.0", got)
}

func TestBlockPrivateIPs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Config{Timeout: 5 * time.Second, BlockPrivateIPs: true})
	resp, err := client.Get(server.URL)
	if err == nil {
		CloseBody(resp)
		t.Fatal("expected loopback target to be blocked")
	}
	assert.Contains(t, err.Error(), "SSRF protection")

	open := New(Config{Timeout: 5 * time.Second})
	resp, err = open.Get(server.URL)
	require.NoError(t, err)
	CloseBody(resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNoRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(Config{Timeout: 5 * time.Second, FollowRedirects: false})
	resp, err := client.Get(server.URL + "/start")
	require.NoError(t, err)
	defer CloseBody(resp)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestMaxRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer server.Close()

	client := New(Config{Timeout: 5 * time.Second, FollowRedirects: true, MaxRedirects: 2})
	_, err := client.Get(server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 2 redirects")
}

func TestDoWithContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = DoWithContext(ctx, New(DefaultConfig()), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request cancelled")
}

func TestReadBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 100)))
	}))
	defer server.Close()

	resp, err := New(DefaultConfig()).Get(server.URL)
	require.NoError(t, err)
	defer CloseBody(resp)

	body, err := ReadBody(resp, 10)
	require.NoError(t, err)
	assert.Len(t, body, 10)
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"8.8.8.8", false},
		{"93.184.216.34", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPrivateIP(net.ParseIP(tt.ip)), tt.ip)
	}
}

func TestCloseBodyNil(t *testing.T) {
	CloseBody(nil)
	CloseBody(&http.Response{})
}
