package geoip

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duskline/meridian/internal/errs"
)

func TestLookupDecodesReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/203.0.113.5" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Reply{
			Status:  "success",
			Country: "Narnia",
			City:    "Cair Paravel",
			Query:   "203.0.113.5",
		})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	reply, cerr := c.Lookup(context.Background(), "203.0.113.5")
	if cerr != nil {
		t.Fatalf("Lookup: %v", cerr)
	}
	if reply.Country != "Narnia" || reply.City != "Cair Paravel" {
		t.Fatalf("Lookup reply = %+v, want country/city populated", reply)
	}
}

func TestLookupFailureStatusIsRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Reply{
			Status:  "fail",
			Message: "invalid query",
		})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	_, cerr := c.Lookup(context.Background(), "not-an-ip")
	if cerr == nil || cerr.Kind != errs.RequestError {
		t.Fatalf("Lookup error = %v, want RequestError", cerr)
	}
}

func TestLookupHTTPErrorStatusIsRequestError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	_, cerr := c.Lookup(context.Background(), "203.0.113.5")
	if cerr == nil || cerr.Kind != errs.RequestError {
		t.Fatalf("Lookup error = %v, want RequestError", cerr)
	}
}
