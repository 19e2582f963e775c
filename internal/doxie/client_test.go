package doxie_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Bonneykins/doxie-scan-save-send/internal/doxie"
	"github.com/Bonneykins/doxie-scan-save-send/internal/testutil"
	"github.com/Bonneykins/doxie-scan-save-send/internal/vault"
)

// staticResolver returns one password for every device.
type staticResolver struct {
	password string
}

func (r staticResolver) Resolve(deviceID string) (string, error) {
	return r.password, nil
}

// emptyResolver always reports the credential missing.
type emptyResolver struct{}

func (emptyResolver) Resolve(deviceID string) (string, error) {
	return "", fmt.Errorf("%w: no entry for %s", vault.ErrCredentialNotFound, deviceID)
}

func newClient(t *testing.T, fake *testutil.FakeDoxie, opts doxie.Options) *doxie.Client {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testutil.Logger()
	}
	client, err := doxie.NewClient(context.Background(), fake.Start(t), opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_LoadsIdentityOnce(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	client := newClient(t, fake, doxie.Options{})

	for i := 0; i < 5; i++ {
		id := client.Identity()
		if id.Model != "DX250" || id.Name != "Doxie_0591E2" || id.MAC != "00:1D:A5:05:91:E2" {
			t.Fatalf("unexpected identity: %+v", id)
		}
		if id.Mode != doxie.ModeClient || id.Network != "testnet" {
			t.Fatalf("client-mode attributes not loaded: %+v", id)
		}
	}
	if got := fake.HelloCalls(); got != 1 {
		t.Errorf("hello called %d times, want 1", got)
	}
}

func TestNewClient_HostModeOmitsNetwork(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.Mode = "Host"
	client := newClient(t, fake, doxie.Options{})

	id := client.Identity()
	if id.Mode != doxie.ModeHost {
		t.Fatalf("mode = %q, want Host", id.Mode)
	}
	if id.Network != "" {
		t.Errorf("network = %q, want empty in Host mode", id.Network)
	}
}

func TestNewClient_MissingRequiredFieldFailsClosed(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.HelloBody = `{"model":"DX250","name":"Doxie_0591E2","mode":"Host","firmwareWiFi":"1.29","hasPassword":false}`

	_, err := doxie.NewClient(context.Background(), fake.Start(t), doxie.Options{})
	if !errors.Is(err, doxie.ErrDeviceProtocol) {
		t.Fatalf("err = %v, want ErrDeviceProtocol", err)
	}
}

func TestNewClient_ClientModeRequiresNetwork(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.HelloBody = `{"model":"DX250","name":"Doxie_0591E2","MAC":"00:11:22:33:44:55","mode":"Client","firmwareWiFi":"1.29","hasPassword":false}`

	_, err := doxie.NewClient(context.Background(), fake.Start(t), doxie.Options{})
	if !errors.Is(err, doxie.ErrDeviceProtocol) {
		t.Fatalf("err = %v, want ErrDeviceProtocol", err)
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	// Reserved port with nothing listening: connect must fail fast.
	_, err := doxie.NewClient(context.Background(), "http://127.0.0.1:1/", doxie.Options{})
	if !errors.Is(err, doxie.ErrDeviceUnreachable) {
		t.Fatalf("err = %v, want ErrDeviceUnreachable", err)
	}
}

func TestNewClient_CredentialNotFound(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.Password = "hunter2"
	fake.AddScan("/DOXIE/JPEG/IMG_0001.JPG", []byte("img"))

	_, err := doxie.NewClient(context.Background(), fake.Start(t), doxie.Options{
		Credentials: emptyResolver{},
	})
	if !errors.Is(err, vault.ErrCredentialNotFound) {
		t.Fatalf("err = %v, want ErrCredentialNotFound", err)
	}
	if got := fake.ListCalls(); got != 0 {
		t.Errorf("listing hit %d times during failed construction, want 0", got)
	}
}

func TestNewClient_NilResolverOnProtectedDevice(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.Password = "hunter2"

	_, err := doxie.NewClient(context.Background(), fake.Start(t), doxie.Options{})
	if !errors.Is(err, vault.ErrCredentialNotFound) {
		t.Fatalf("err = %v, want ErrCredentialNotFound", err)
	}
}

func TestAuthenticatedCalls(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.Password = "hunter2"
	fake.AddScan("/DOXIE/JPEG/IMG_0001.JPG", []byte("img"))

	client := newClient(t, fake, doxie.Options{Credentials: staticResolver{password: "hunter2"}})
	scans, err := client.ListScans(context.Background())
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("got %d scans, want 1", len(scans))
	}
}

func TestWrongPasswordIsAuthError(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.Password = "hunter2"

	client := newClient(t, fake, doxie.Options{Credentials: staticResolver{password: "wrong"}})
	_, err := client.ListScans(context.Background())
	if !errors.Is(err, doxie.ErrDeviceAuth) {
		t.Fatalf("err = %v, want ErrDeviceAuth", err)
	}
}

func TestFirmwareDetail_CachedForClientLifetime(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	client := newClient(t, fake, doxie.Options{})

	for i := 0; i < 4; i++ {
		fw, err := client.FirmwareDetail(context.Background())
		if err != nil {
			t.Fatalf("FirmwareDetail: %v", err)
		}
		if fw != "2.0.4" {
			t.Fatalf("firmware = %q, want 2.0.4", fw)
		}
	}
	if got := fake.ExtraCalls(); got != 1 {
		t.Errorf("hello_extra called %d times across 4 reads, want 1", got)
	}
}

func TestOnExternalPower_FreshCallEveryTime(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.ExternalPower = true
	client := newClient(t, fake, doxie.Options{})

	for i := 0; i < 3; i++ {
		on, err := client.OnExternalPower(context.Background())
		if err != nil {
			t.Fatalf("OnExternalPower: %v", err)
		}
		if !on {
			t.Fatal("OnExternalPower = false, want true")
		}
	}
	if got := fake.ExtraCalls(); got != 3 {
		t.Errorf("hello_extra called %d times across 3 power reads, want 3", got)
	}

	// The power read already carried the firmware string, so a firmware
	// read must be served from cache.
	if _, err := client.FirmwareDetail(context.Background()); err != nil {
		t.Fatalf("FirmwareDetail: %v", err)
	}
	if got := fake.ExtraCalls(); got != 3 {
		t.Errorf("firmware read after power read hit the device (%d calls), want cached", got)
	}
}

func TestListScans_NeverCached(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.AddScan("/DOXIE/JPEG/IMG_0001.JPG", []byte("img"))
	client := newClient(t, fake, doxie.Options{})

	ctx := context.Background()
	if _, err := client.ListScans(ctx); err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if _, err := client.ListScans(ctx); err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if got := fake.ListCalls(); got != 2 {
		t.Errorf("listing called %d times, want 2", got)
	}
}

func TestListScans_EmptyBacklogIsEmptyListing(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	client := newClient(t, fake, doxie.Options{})

	scans, err := client.ListScans(context.Background())
	if err != nil {
		t.Fatalf("ListScans: %v", err)
	}
	if len(scans) != 0 {
		t.Errorf("got %d scans from empty device, want 0", len(scans))
	}
}

func TestDownloadScan_WritesAndOverwrites(t *testing.T) {
	content := []byte("scan bytes v2")
	fake := testutil.NewFakeDoxie()
	fake.AddScan("/DOXIE/JPEG/IMG_0001.JPG", content)
	client := newClient(t, fake, doxie.Options{})

	dir := t.TempDir()
	stale := filepath.Join(dir, "IMG_0001.JPG")
	if err := os.WriteFile(stale, []byte("old contents that must go away"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := client.DownloadScan(context.Background(), doxie.Scan{Name: "/DOXIE/JPEG/IMG_0001.JPG"}, dir)
	if err != nil {
		t.Fatalf("DownloadScan: %v", err)
	}
	if got != stale {
		t.Errorf("path = %q, want %q", got, stale)
	}
	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("downloaded bytes differ from source stream")
	}
}

func TestDownloadScan_NameWithoutScansPrefix(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.AddScan("/DOXIE/JPEG/IMG_0002.JPG", []byte("img2"))
	client := newClient(t, fake, doxie.Options{})

	// Listings report device paths without the /scans URL prefix.
	path, err := client.DownloadScan(context.Background(), doxie.Scan{Name: "/DOXIE/JPEG/IMG_0002.JPG"}, t.TempDir())
	if err != nil {
		t.Fatalf("DownloadScan: %v", err)
	}
	if filepath.Base(path) != "IMG_0002.JPG" {
		t.Errorf("local name = %q, want IMG_0002.JPG", filepath.Base(path))
	}
}

func TestDownloadScan_StaleRecord(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.AddStaleScan("/DOXIE/JPEG/GONE.JPG")
	client := newClient(t, fake, doxie.Options{})

	_, err := client.DownloadScan(context.Background(), doxie.Scan{Name: "/DOXIE/JPEG/GONE.JPG"}, t.TempDir())
	if !errors.Is(err, doxie.ErrScanUnavailable) {
		t.Fatalf("err = %v, want ErrScanUnavailable", err)
	}
}

func TestDeleteScans(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	fake.AddScan("/DOXIE/JPEG/IMG_0001.JPG", []byte("a"))
	client := newClient(t, fake, doxie.Options{})

	names := []string{"/DOXIE/JPEG/IMG_0001.JPG", "/DOXIE/JPEG/ALREADY_GONE.JPG"}
	if err := client.DeleteScans(context.Background(), names); err != nil {
		t.Fatalf("DeleteScans: %v", err)
	}
	deletes := fake.Deletes()
	if len(deletes) != 1 {
		t.Fatalf("device saw %d delete requests, want 1", len(deletes))
	}
	if len(deletes[0]) != 2 || deletes[0][0] != names[0] || deletes[0][1] != names[1] {
		t.Errorf("delete request named %v, want %v", deletes[0], names)
	}

	// Deleting names that no longer back files is not an error.
	if err := client.DeleteScans(context.Background(), names); err != nil {
		t.Errorf("re-deleting gone names: %v", err)
	}
}

func TestDeleteScans_EmptyIsNoop(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	client := newClient(t, fake, doxie.Options{})

	if err := client.DeleteScans(context.Background(), nil); err != nil {
		t.Fatalf("DeleteScans(nil): %v", err)
	}
	if got := fake.Deletes(); len(got) != 0 {
		t.Errorf("device saw %d delete requests for an empty name set, want 0", len(got))
	}
}

func TestRestartWiFi(t *testing.T) {
	fake := testutil.NewFakeDoxie()
	client := newClient(t, fake, doxie.Options{})

	if err := client.RestartWiFi(context.Background()); err != nil {
		t.Fatalf("RestartWiFi: %v", err)
	}
}

func TestRestartWiFi_ToleratesDroppedConnection(t *testing.T) {
	// A device that actually restarts cuts the connection before any
	// response goes out; that must read as success, not unreachable.
	fake := testutil.NewFakeDoxie()
	fake.DropOnRestart = true
	client := newClient(t, fake, doxie.Options{})

	if err := client.RestartWiFi(context.Background()); err != nil {
		t.Fatalf("RestartWiFi after dropped connection: %v", err)
	}
}

func TestClientsDoNotShareState(t *testing.T) {
	// Two clients against two devices, driven from separate goroutines:
	// there is no shared lock to serialize them, so both finish and each
	// device sees exactly its own traffic.
	fakeA := testutil.NewFakeDoxie()
	fakeA.Name = "Doxie_AAAAAA"
	fakeB := testutil.NewFakeDoxie()
	fakeB.Name = "Doxie_BBBBBB"

	clientA := newClient(t, fakeA, doxie.Options{})
	clientB := newClient(t, fakeB, doxie.Options{})

	var wg sync.WaitGroup
	for _, c := range []*doxie.Client{clientA, clientB} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				if _, err := c.FirmwareDetail(context.Background()); err != nil {
					t.Errorf("FirmwareDetail: %v", err)
				}
				if _, err := c.ListScans(context.Background()); err != nil {
					t.Errorf("ListScans: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if fakeA.ExtraCalls() != 1 || fakeB.ExtraCalls() != 1 {
		t.Errorf("firmware cache shared or missed: device A %d calls, device B %d calls, want 1 each",
			fakeA.ExtraCalls(), fakeB.ExtraCalls())
	}
	if fakeA.ListCalls() != 3 || fakeB.ListCalls() != 3 {
		t.Errorf("listings: device A %d, device B %d, want 3 each", fakeA.ListCalls(), fakeB.ListCalls())
	}
}
