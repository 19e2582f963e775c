// Package doxie implements the client core for one Doxie network scanner:
// identity loading at construction, basic-auth request execution, a
// lazily-cached firmware detail, and the scan list/download/delete API.
package doxie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Bonneykins/doxie-scan-save-send/internal/vault"
)

// scansPathPrefix is the device-side prefix every scan download URL
// must carry; listings sometimes report names without it.
const scansPathPrefix = "/scans"

// CredentialResolver looks up the secret for a device by its hardware
// address. Implementations must be safe for concurrent use; the vault
// package provides the file-backed one.
type CredentialResolver interface {
	Resolve(deviceID string) (string, error)
}

// Options configures a Client. Zero values get sensible defaults.
type Options struct {
	// HTTPClient issues every device call. Defaults to a client with a
	// 30s timeout so an unreachable device fails fast.
	HTTPClient *http.Client

	// Credentials resolves the device secret when the device reports
	// hasPassword. Required for protected devices; construction against
	// such a device fails with the resolver's not-found error when nil.
	Credentials CredentialResolver

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Client owns one device's connection state.
//
// A Client is intended for use by a single goroutine: the device cannot
// service overlapping requests, so no internal locking is done. Distinct
// Clients are fully independent and may run in parallel.
type Client struct {
	baseURL *url.URL
	httpc   *http.Client
	logger  *zap.Logger

	identity Identity
	password string // empty when the device is unprotected

	// firmware is the lazily-populated cache cell for the costly
	// hello_extra firmware string; valid for the Client's lifetime.
	firmware       string
	firmwareLoaded bool
}

// NewClient connects to the device at base (scheme + host + port),
// loads its identity, and resolves a credential if the device requires
// one. It returns ErrDeviceUnreachable, ErrDeviceProtocol, or the
// resolver's not-found error on failure.
func NewClient(ctx context.Context, base string, opts Options) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base address %q", ErrDeviceProtocol, base)
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		baseURL: u,
		httpc:   httpc,
		logger:  logger,
	}
	if err := c.loadIdentity(ctx, opts.Credentials); err != nil {
		return nil, err
	}
	c.logger.Info("doxie client ready",
		zap.String("model", c.identity.Model),
		zap.String("name", c.identity.Name),
		zap.String("mac", c.identity.MAC),
		zap.String("mode", string(c.identity.Mode)),
		zap.Bool("protected", c.password != ""),
	)
	return c, nil
}

// String renders the device as a human-readable label, e.g.
// "Doxie model DX250 (Doxie_0591E2) at http://192.168.1.5:8080/".
func (c *Client) String() string {
	return fmt.Sprintf("%s at %s", c.identity, c.baseURL)
}

// Identity returns the attributes loaded at construction. No network call.
func (c *Client) Identity() Identity {
	return c.identity
}

// FirmwareDetail returns the firmware string from the costly hello_extra
// call, fetching it on first use and serving the cache afterwards.
// Firmware cannot change while the client session is open, so the cache
// is never invalidated.
func (c *Client) FirmwareDetail(ctx context.Context) (string, error) {
	if c.firmwareLoaded {
		return c.firmware, nil
	}
	if _, err := c.helloExtra(ctx); err != nil {
		return "", err
	}
	return c.firmware, nil
}

// OnExternalPower reports whether the scanner runs on AC power. The value
// can change over a session, so every call hits the device; the response
// also carries the firmware string, so the cache is refreshed for free.
func (c *Client) OnExternalPower(ctx context.Context) (bool, error) {
	extra, err := c.helloExtra(ctx)
	if err != nil {
		return false, err
	}
	return *extra.ConnectedToExternalPower, nil
}

// ListScans returns the scans currently available on the device. The
// result is a point-in-time snapshot and is never cached; a record's
// presence does not guarantee its file is still retrievable.
func (c *Client) ListScans(ctx context.Context) ([]Scan, error) {
	resp, err := c.get(ctx, "/scans.json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, mapStatus(resp.StatusCode, "/scans.json", false)
	}
	// The device reports a JSON null when the backlog is empty; decoding
	// that leaves scans nil, which callers treat as an empty listing.
	var scans []Scan
	if err := json.NewDecoder(resp.Body).Decode(&scans); err != nil {
		return nil, fmt.Errorf("%w: decoding /scans.json: %w", ErrDeviceProtocol, err)
	}
	return scans, nil
}

// DownloadScan streams the scan's bytes into destDir, named after the
// record's remote base name, overwriting any existing file. The copy is
// incremental so memory use is independent of scan size. A not-found or
// error status for this specific record yields ErrScanUnavailable.
func (c *Client) DownloadScan(ctx context.Context, scan Scan, destDir string) (string, error) {
	remote := scan.Name
	if !strings.HasPrefix(remote, scansPathPrefix) {
		remote = scansPathPrefix + remote
	}
	resp, err := c.get(ctx, remote)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", mapStatus(resp.StatusCode, remote, true)
	}

	dest := filepath.Join(destDir, path.Base(remote))
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", mapTransport(remote, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", dest, err)
	}
	c.logger.Debug("scan downloaded",
		zap.String("scan", scan.Name),
		zap.String("dest", dest),
	)
	return dest, nil
}

// DeleteScans asks the device to remove the named scans in a single call.
// The device tolerates names whose files are already gone, so deletion is
// idempotent from the caller's viewpoint. The call is atomic as far as the
// client can tell: it is either accepted or rejected as a whole.
func (c *Client) DeleteScans(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	body, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encoding delete request: %w", err)
	}
	const deletePath = "/scans/delete.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(deletePath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return mapTransport(deletePath, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return mapStatus(resp.StatusCode, deletePath, false)
	}
	c.logger.Info("scans deleted", zap.Int("count", len(names)))
	return nil
}

// RestartWiFi restarts the device's wireless interface. Fire and forget:
// a device that honors the restart cuts the connection before a response
// can be written, so a dropped connection counts as success. Only a
// failure to reach the device at all is reported.
func (c *Client) RestartWiFi(ctx context.Context) error {
	resp, err := c.get(ctx, "/restart.json")
	if err != nil {
		if connectionDropped(err) {
			c.logger.Info("wifi restart requested, device dropped the connection",
				zap.String("device", c.identity.Name))
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	c.logger.Info("wifi restart requested", zap.String("device", c.identity.Name))
	return nil
}

// connectionDropped reports whether the device cut the connection after
// the request went out, as opposed to never accepting it.
func connectionDropped(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET)
}

// loadIdentity performs the hello call, validates required attributes,
// and resolves a credential when the device reports one is needed.
func (c *Client) loadIdentity(ctx context.Context, creds CredentialResolver) error {
	resp, err := c.get(ctx, "/hello.json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return mapStatus(resp.StatusCode, "/hello.json", false)
	}

	var hello helloResponse
	if err := json.NewDecoder(resp.Body).Decode(&hello); err != nil {
		return fmt.Errorf("%w: decoding /hello.json: %w", ErrDeviceProtocol, err)
	}
	id, hasPassword, err := parseIdentity(hello)
	if err != nil {
		return err
	}
	c.identity = id

	if hasPassword {
		if creds == nil {
			return fmt.Errorf("%w: device %s requires a password but no resolver is configured",
				vault.ErrCredentialNotFound, id.MAC)
		}
		secret, err := creds.Resolve(id.MAC)
		if err != nil {
			return err
		}
		c.password = secret
	}
	return nil
}

// parseIdentity converts the loosely-typed hello response into a fixed
// Identity, failing closed on any missing required attribute. network is
// required only in Client mode.
func parseIdentity(hello helloResponse) (Identity, bool, error) {
	required := map[string]bool{
		"model":        hello.Model != nil,
		"name":         hello.Name != nil,
		"MAC":          hello.MAC != nil,
		"mode":         hello.Mode != nil,
		"firmwareWiFi": hello.FirmwareWiFi != nil,
		"hasPassword":  hello.HasPassword != nil,
	}
	for field, present := range required {
		if !present {
			return Identity{}, false, fmt.Errorf("%w: hello response missing %q", ErrDeviceProtocol, field)
		}
	}
	id := Identity{
		Model:        *hello.Model,
		Name:         *hello.Name,
		MAC:          *hello.MAC,
		Mode:         Mode(*hello.Mode),
		FirmwareWiFi: *hello.FirmwareWiFi,
	}
	if id.Mode == ModeClient {
		if hello.Network == nil {
			return Identity{}, false, fmt.Errorf("%w: hello response missing %q in Client mode", ErrDeviceProtocol, "network")
		}
		id.Network = *hello.Network
	}
	return id, *hello.HasPassword, nil
}

// helloExtra performs the costly extended identity call and refreshes the
// firmware cache as a side effect.
func (c *Client) helloExtra(ctx context.Context) (helloExtraResponse, error) {
	resp, err := c.get(ctx, "/hello_extra.json")
	if err != nil {
		return helloExtraResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return helloExtraResponse{}, mapStatus(resp.StatusCode, "/hello_extra.json", false)
	}

	var extra helloExtraResponse
	if err := json.NewDecoder(resp.Body).Decode(&extra); err != nil {
		return helloExtraResponse{}, fmt.Errorf("%w: decoding /hello_extra.json: %w", ErrDeviceProtocol, err)
	}
	if extra.Firmware == nil || extra.ConnectedToExternalPower == nil {
		return helloExtraResponse{}, fmt.Errorf("%w: hello_extra response incomplete", ErrDeviceProtocol)
	}
	c.firmware = *extra.Firmware
	c.firmwareLoaded = true
	return extra, nil
}

// get performs an authenticated GET against a device path. Transport
// failures map to ErrDeviceUnreachable; status handling is per-endpoint.
func (c *Client) get(ctx context.Context, devicePath string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(devicePath), nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", devicePath, err)
	}
	c.applyAuth(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, mapTransport(devicePath, err)
	}
	return resp, nil
}

// applyAuth attaches basic auth when the device is protected.
func (c *Client) applyAuth(req *http.Request) {
	if c.password != "" {
		req.SetBasicAuth(authUsername, c.password)
	}
}

// endpoint resolves a device path against the base address.
func (c *Client) endpoint(devicePath string) string {
	u := *c.baseURL
	u.Path = devicePath
	return u.String()
}
