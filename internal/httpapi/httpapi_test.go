package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duskline/meridian/internal/errs"
	"github.com/duskline/meridian/internal/facade"
	"github.com/duskline/meridian/internal/logging"
	"github.com/duskline/meridian/internal/registry"
	"github.com/duskline/meridian/internal/tunnel"
)

func newTestAPI() *API {
	reg := registry.New()
	fac := facade.New(reg)
	tunnels := tunnel.NewManager(fac, logging.New("test", logging.LevelError))
	return New(fac, tunnels)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) errs.Error {
	t.Helper()
	var e errs.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decoding error envelope: %s (body=%s)", err, rec.Body.String())
	}
	return e
}

func TestServerQueryClientsEmpty(t *testing.T) {
	api := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/v1/server/query?op=Clients", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var addrs []string
	if err := json.Unmarshal(rec.Body.Bytes(), &addrs); err != nil {
		t.Fatalf("decoding body: %s", err)
	}
	if len(addrs) != 0 {
		t.Fatalf("addrs = %v, want empty", addrs)
	}
}

func TestServerQueryUnknownOp(t *testing.T) {
	api := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/v1/server/query?op=Bogus", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Kind != errs.ParamInvalid {
		t.Fatalf("error kind = %s, want ParamInvalid", e.Kind)
	}
}

func TestClientQuerySyntacticallyInvalidAddr(t *testing.T) {
	api := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/v1/client/not-a-host-port/query?op=Summary", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Kind != errs.AddressInvalid {
		t.Fatalf("error kind = %s, want AddressInvalid", e.Kind)
	}
}

func TestClientQueryValidAddrNoSession(t *testing.T) {
	api := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/v1/client/10.0.0.5:1244/query?op=Summary", nil)
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Kind != errs.ClientNotFound {
		t.Fatalf("error kind = %s, want ClientNotFound", e.Kind)
	}
}

func TestPowerOnUnknownClient(t *testing.T) {
	api := newTestAPI()
	body, _ := json.Marshal(map[string]string{"op": "Sleep"})
	req := httptest.NewRequest(http.MethodPost, "/v1/client/10.0.0.5:1244/power", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestFileHandlerMalformedBody(t *testing.T) {
	api := newTestAPI()
	req := httptest.NewRequest(http.MethodPost, "/v1/client/10.0.0.5:1244/file", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Kind != errs.ParamInvalid {
		t.Fatalf("error kind = %s, want ParamInvalid", e.Kind)
	}
}

func TestProxyCloseUnknownClientIsClientNotFound(t *testing.T) {
	api := newTestAPI()
	body, _ := json.Marshal(map[string]interface{}{
		"op": "Close", "type": "Socks5", "addr": "127.0.0.1", "port": 19999,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/client/10.0.0.5:1244/proxy", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)

	// No session exists for this address at all, so the façade fails at
	// session resolution before the proxy table is even consulted.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if e := decodeEnvelope(t, rec); e.Kind != errs.ClientNotFound {
		t.Fatalf("error kind = %s, want ClientNotFound", e.Kind)
	}
}
