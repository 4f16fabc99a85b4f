// Package httpapi is the operator's HTTP control surface: a gorilla/mux
// router translating each route into one or more facade calls and mapping
// every errs.Error onto its HTTP status via the single status table in
// internal/errs.
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/duskline/meridian/internal/errs"
	"github.com/duskline/meridian/internal/facade"
	"github.com/duskline/meridian/internal/geoip"
	"github.com/duskline/meridian/internal/osadapt"
	"github.com/duskline/meridian/internal/tunnel"
)

// API wires the HTTP surface to the operator's façade and tunnel manager.
type API struct {
	facade  *facade.Facade
	tunnels *tunnel.Manager
}

// New builds an API and its gorilla/mux router.
func New(f *facade.Facade, tunnels *tunnel.Manager) *API {
	return &API{facade: f, tunnels: tunnels}
}

// Router builds the operator API's route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/server/query", a.handleServerQuery).Methods(http.MethodGet)
	r.HandleFunc("/v1/client/{addr}/query", a.handleClientQuery).Methods(http.MethodGet)
	r.HandleFunc("/v1/client/{addr}/power", a.handlePower).Methods(http.MethodPost)
	r.HandleFunc("/v1/client/{addr}/file", a.handleFile).Methods(http.MethodPost)
	r.HandleFunc("/v1/client/{addr}/process", a.handleProcess).Methods(http.MethodPost)
	r.HandleFunc("/v1/client/{addr}/app", a.handleApp).Methods(http.MethodPost)
	r.HandleFunc("/v1/client/{addr}/display", a.handleDisplay).Methods(http.MethodPost)
	r.HandleFunc("/v1/client/{addr}/proxy", a.handleProxy).Methods(http.MethodPost)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, cerr *errs.Error) {
	writeJSON(w, cerr.HTTPStatus(), cerr)
}

func validAddr(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

func addrOrError(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr := mux.Vars(r)["addr"]
	if !validAddr(addr) {
		writeError(w, errs.New(errs.AddressInvalid, addr))
		return "", false
	}
	return addr, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errs.Newf(errs.ParamInvalid, "decoding request body: %s", err))
		return false
	}
	return true
}

func (a *API) handleServerQuery(w http.ResponseWriter, r *http.Request) {
	switch op := r.URL.Query().Get("op"); op {
	case "Clients":
		writeJSON(w, http.StatusOK, a.facade.Clients())
	case "Proxies":
		type entry struct {
			Client  string   `json:"client"`
			Proxies []string `json:"proxies"`
		}
		var out []entry
		for _, addr := range a.facade.Clients() {
			proxies, cerr := a.facade.ProxyAddrs(addr)
			if cerr != nil {
				continue
			}
			out = append(out, entry{Client: addr, Proxies: proxies})
		}
		writeJSON(w, http.StatusOK, out)
	default:
		writeError(w, errs.Newf(errs.ParamInvalid, "unknown op %q", op))
	}
}

func (a *API) handleClientQuery(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrOrError(w, r)
	if !ok {
		return
	}
	switch op := r.URL.Query().Get("op"); op {
	case "Summary":
		info, cerr := a.facade.SystemInfo(r.Context(), addr)
		if cerr != nil {
			writeError(w, cerr)
			return
		}
		ip, cerr := geoip.Lookup(r.Context(), hostOf(addr))
		if cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			IP   *geoip.Reply        `json:"ip"`
			Info *osadapt.SystemInfo `json:"info"`
		}{IP: ip, Info: info})
	default:
		writeError(w, errs.Newf(errs.ParamInvalid, "unknown op %q", op))
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type powerRequest struct {
	Op string `json:"op"`
}

func (a *API) handlePower(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrOrError(w, r)
	if !ok {
		return
	}
	var req powerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if cerr := a.facade.SystemPower(r.Context(), addr, osadapt.PowerAction(req.Op)); cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, errs.New(errs.Success, ""))
}

type fileRequest struct {
	Op      string `json:"op"`
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
}

func (a *API) handleFile(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrOrError(w, r)
	if !ok {
		return
	}
	var req fileRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	switch req.Op {
	case "Enumerate":
		files, cerr := a.facade.ListDir(ctx, addr, req.Path)
		if cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, files)
	case "Read":
		data, cerr := a.facade.ReadFile(ctx, addr, req.Path)
		if cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, data)
	case "Create":
		if cerr := a.facade.CreateFile(ctx, addr, req.Path); cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, errs.New(errs.Success, ""))
	case "Write":
		if cerr := a.facade.WriteFile(ctx, addr, req.Path, req.Content); cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, errs.New(errs.Success, ""))
	case "DeleteFile":
		if cerr := a.facade.DeleteFile(ctx, addr, req.Path); cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, errs.New(errs.Success, ""))
	case "DeleteDir":
		if cerr := a.facade.DeleteDirRecursive(ctx, addr, req.Path); cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, errs.New(errs.Success, ""))
	case "Open":
		res, cerr := a.facade.OpenFile(ctx, addr, req.Path)
		if cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, errs.Newf(errs.ParamInvalid, "unknown file op %q", req.Op))
	}
}

type processRequest struct {
	Op  string  `json:"op"`
	PID *uint32 `json:"pid,omitempty"`
}

func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrOrError(w, r)
	if !ok {
		return
	}
	var req processRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Op {
	case "Enumerate":
		procs, cerr := a.facade.Processes(r.Context(), addr)
		if cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, procs)
	case "Kill":
		if req.PID == nil {
			writeError(w, errs.New(errs.ParamInvalid, "kill requires pid"))
			return
		}
		if cerr := a.facade.KillProcess(r.Context(), addr, int32(*req.PID)); cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, errs.New(errs.Success, ""))
	default:
		writeError(w, errs.Newf(errs.ParamInvalid, "unknown process op %q", req.Op))
	}
}

type opOnlyRequest struct {
	Op string `json:"op"`
}

func (a *API) handleApp(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrOrError(w, r)
	if !ok {
		return
	}
	var req opOnlyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Op != "Enumerate" {
		writeError(w, errs.Newf(errs.ParamInvalid, "unknown app op %q", req.Op))
		return
	}
	apps, cerr := a.facade.InstalledApps(r.Context(), addr)
	if cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (a *API) handleDisplay(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrOrError(w, r)
	if !ok {
		return
	}
	var req opOnlyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Op != "Enumerate" {
		writeError(w, errs.Newf(errs.ParamInvalid, "unknown display op %q", req.Op))
		return
	}
	displays, cerr := a.facade.Displays(r.Context(), addr)
	if cerr != nil {
		writeError(w, cerr)
		return
	}
	writeJSON(w, http.StatusOK, displays)
}

type proxyRequest struct {
	Op       string `json:"op"`
	Type     string `json:"type"`
	Addr     string `json:"addr"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (a *API) handleProxy(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrOrError(w, r)
	if !ok {
		return
	}
	var req proxyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	listenAddr := net.JoinHostPort(req.Addr, strconv.Itoa(req.Port))
	switch req.Op {
	case "Open":
		if req.Type != "Socks5" {
			writeError(w, errs.Newf(errs.ParamInvalid, "unsupported proxy type %q", req.Type))
			return
		}
		if cerr := a.tunnels.Open(addr, listenAddr, req.User, req.Password); cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, errs.New(errs.Success, ""))
	case "Close":
		if cerr := a.tunnels.Close(addr, listenAddr); cerr != nil {
			writeError(w, cerr)
			return
		}
		writeJSON(w, http.StatusOK, errs.New(errs.Success, ""))
	default:
		writeError(w, errs.Newf(errs.ParamInvalid, "unknown proxy op %q", req.Op))
	}
}
