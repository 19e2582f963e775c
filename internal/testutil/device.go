package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// FakeDoxie is an in-process stand-in for a Doxie scanner. It serves the
// device's HTTP API from an httptest server and counts calls so tests can
// assert caching behavior. All exported fields must be set before Start.
type FakeDoxie struct {
	Model        string
	Name         string
	MAC          string
	Mode         string
	Network      string
	FirmwareWiFi string
	Firmware     string

	// Password, when non-empty, makes the device require basic auth with
	// account "doxie" and report hasPassword in its hello response.
	Password string

	ExternalPower bool

	// DropOnRestart makes the device cut the connection on /restart.json
	// without writing a response, the way real hardware honors a restart.
	DropOnRestart bool

	// HelloBody, when non-empty, is served verbatim from the hello
	// endpoint instead of the generated JSON (for protocol-error tests).
	HelloBody string

	mu      sync.Mutex
	order   []string          // listing order
	content map[string][]byte // remote name -> bytes; nil entry = listed but gone
	deletes [][]string

	helloCalls int
	extraCalls int
	listCalls  int

	srv *httptest.Server
}

// NewFakeDoxie returns a fixture with plausible identity defaults.
func NewFakeDoxie() *FakeDoxie {
	return &FakeDoxie{
		Model:        "DX250",
		Name:         "Doxie_0591E2",
		MAC:          "00:1D:A5:05:91:E2",
		Mode:         "Client",
		Network:      "testnet",
		FirmwareWiFi: "1.29",
		Firmware:     "2.0.4",
		content:      make(map[string][]byte),
	}
}

// AddScan registers a scan the device will list and serve.
func (f *FakeDoxie) AddScan(name string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, name)
	f.content[name] = data
}

// AddStaleScan registers a scan the device lists but can no longer serve,
// mimicking the record/file desync seen after bulk deletes.
func (f *FakeDoxie) AddStaleScan(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, name)
	f.content[name] = nil
}

// Start serves the fake device and returns its base URL. The server is
// shut down with the test.
func (f *FakeDoxie) Start(t *testing.T) string {
	t.Helper()
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f.srv.URL
}

// HelloCalls reports how many times the identity endpoint was hit.
func (f *FakeDoxie) HelloCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.helloCalls
}

// ExtraCalls reports how many times the costly hello_extra endpoint was hit.
func (f *FakeDoxie) ExtraCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extraCalls
}

// ListCalls reports how many times the scan listing was hit.
func (f *FakeDoxie) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// Deletes returns every batch of names the device was asked to delete.
func (f *FakeDoxie) Deletes() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *FakeDoxie) handle(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/hello.json":
		f.handleHello(w)
	case r.URL.Path == "/hello_extra.json":
		f.handleHelloExtra(w)
	case r.URL.Path == "/scans.json":
		f.handleList(w)
	case r.URL.Path == "/scans/delete.json" && r.Method == http.MethodPost:
		f.handleDelete(w, r)
	case strings.HasPrefix(r.URL.Path, "/scans"):
		f.handleDownload(w, r)
	case r.URL.Path == "/restart.json":
		if f.DropOnRestart {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// authorized enforces basic auth on every endpoint when a password is set;
// real devices protect even the hello endpoint's extended calls, but hello
// itself stays open so clients can learn that a password is needed.
func (f *FakeDoxie) authorized(r *http.Request) bool {
	if f.Password == "" || r.URL.Path == "/hello.json" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == "doxie" && pass == f.Password
}

func (f *FakeDoxie) handleHello(w http.ResponseWriter) {
	f.mu.Lock()
	f.helloCalls++
	f.mu.Unlock()

	if f.HelloBody != "" {
		w.Write([]byte(f.HelloBody))
		return
	}
	hello := map[string]any{
		"model":        f.Model,
		"name":         f.Name,
		"MAC":          f.MAC,
		"mode":         f.Mode,
		"firmwareWiFi": f.FirmwareWiFi,
		"hasPassword":  f.Password != "",
	}
	if f.Mode == "Client" {
		hello["network"] = f.Network
	}
	json.NewEncoder(w).Encode(hello)
}

func (f *FakeDoxie) handleHelloExtra(w http.ResponseWriter) {
	f.mu.Lock()
	f.extraCalls++
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{
		"firmware":                 f.Firmware,
		"connectedToExternalPower": f.ExternalPower,
	})
}

func (f *FakeDoxie) handleList(w http.ResponseWriter) {
	f.mu.Lock()
	f.listCalls++
	type scan struct {
		Name     string `json:"name"`
		Size     int    `json:"size"`
		Modified string `json:"modified"`
	}
	var scans []scan
	for _, name := range f.order {
		scans = append(scans, scan{
			Name:     name,
			Size:     len(f.content[name]),
			Modified: "2014-01-01 00:00:00",
		})
	}
	f.mu.Unlock()

	if scans == nil {
		// Real devices report a bare null for an empty backlog.
		w.Write([]byte("null"))
		return
	}
	json.NewEncoder(w).Encode(scans)
}

func (f *FakeDoxie) handleDelete(w http.ResponseWriter, r *http.Request) {
	var names []string
	if err := json.NewDecoder(r.Body).Decode(&names); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.deletes = append(f.deletes, names)
	for _, name := range names {
		delete(f.content, name)
	}
	f.order = nil
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *FakeDoxie) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/scans")
	f.mu.Lock()
	data, ok := f.content[name]
	f.mu.Unlock()
	if !ok || data == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Write(data)
}
