package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(base, srv.Client())
}

func TestClientHistogram(t *testing.T) {
	want := &HistogramResponse{
		Bits:          2,
		Histogram:     []Bin{{R: 3, G: 0, B: 0, Mass: 1}},
		Channels:      [3][]float32{{0, 0, 0, 1}, {1, 0, 0, 0}, {1, 0, 0, 0}},
		ExpectedColor: [3]float32{0.875, 0.125, 0.125},
	}

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/histogram" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var req HistogramRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if string(req.Image) != "not really an image" {
			t.Errorf("image data = %q", req.Image)
		}

		json.NewEncoder(w).Encode(want)
	})

	got, err := client.Histogram(context.Background(), &HistogramRequest{
		Image: ImageData("not really an image"),
		Bits:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestClientStatusError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "image is required"})
	})

	_, err := client.Encode(context.Background(), &EncodeRequest{})
	var statusErr StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %T, want StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status code = %d, want %d", statusErr.StatusCode, http.StatusBadRequest)
	}
	if statusErr.ErrorMessage != "image is required" {
		t.Errorf("message = %q, want %q", statusErr.ErrorMessage, "image is required")
	}
}

func TestClientVersion(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"version": "1.2.3"})
	})

	got, err := client.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "1.2.3" {
		t.Errorf("version = %q, want %q", got, "1.2.3")
	}
}

func TestImageDataTravelsAsBase64(t *testing.T) {
	raw, err := json.Marshal(HistogramRequest{Image: ImageData{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"image":"AQID"}` {
		t.Errorf("encoded request = %s", raw)
	}
}
