package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chromagen/chromagen/ml"
	"github.com/chromagen/chromagen/version"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	backend, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 1})
	if err != nil {
		t.Fatal(err)
	}

	return &Server{backend: backend}
}

func TestGeneralRoutes(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.GenerateRoutes())
	t.Cleanup(srv.Close)

	cases := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/", "Chromagen is running"},
		{http.MethodHead, "/", ""},
		{http.MethodGet, "/api/version", `{"version":"` + version.Version + `"}`},
	}

	for _, tt := range cases {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req, err := http.NewRequestWithContext(context.TODO(), tt.method, srv.URL+tt.path, nil)
			if err != nil {
				t.Fatal(err)
			}

			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d, want %d", resp.StatusCode, http.StatusOK)
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatal(err)
			}

			if got := string(body); got != tt.body {
				t.Errorf("body %q, want %q", got, tt.body)
			}
		})
	}
}

func TestAllowedHost(t *testing.T) {
	cases := map[string]bool{
		"":               true,
		"localhost":      true,
		"Localhost":      true,
		"api.localhost":  true,
		"models.local":   true,
		"build.internal": true,
		"example.com":    false,
		"localhost.com":  false,
	}

	for host, want := range cases {
		if got := allowedHost(host); got != want {
			t.Errorf("allowedHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestAllowedHostsMiddleware(t *testing.T) {
	s := newTestServer(t)
	s.addr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 11941}

	srv := httptest.NewServer(s.GenerateRoutes())
	t.Cleanup(srv.Close)

	cases := []struct {
		method string
		host   string
		status int
	}{
		{http.MethodGet, "localhost", http.StatusOK},
		{http.MethodOptions, "localhost", http.StatusNoContent},
		{http.MethodGet, "example.com", http.StatusForbidden},
	}

	for _, tt := range cases {
		t.Run(tt.method+" "+tt.host, func(t *testing.T) {
			req, err := http.NewRequestWithContext(context.TODO(), tt.method, srv.URL+"/", nil)
			if err != nil {
				t.Fatal(err)
			}
			req.Host = tt.host

			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("status %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}
