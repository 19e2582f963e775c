package discovery

import (
	"context"
	"net/http"
	"testing"

	"github.com/Bonneykins/doxie-scan-save-send/internal/doxie"
	"github.com/Bonneykins/doxie-scan-save-send/internal/testutil"
)

// fakeSearcher replays canned SSDP replies without touching the network.
type fakeSearcher struct {
	responses []*http.Response
}

func (f *fakeSearcher) DoWithContext(req *http.Request, numSends int) ([]*http.Response, error) {
	return f.responses, nil
}

func ssdpReply(usn, location string) *http.Response {
	h := http.Header{}
	h.Set("ST", doxie.SSDPServiceType)
	h.Set("USN", usn)
	h.Set("Location", location)
	return &http.Response{StatusCode: http.StatusOK, Header: h}
}

func newTestService(t *testing.T, replies ...*http.Response) *Service {
	t.Helper()
	s, err := New(testutil.Logger(), WithSearcher(&fakeSearcher{responses: replies}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestDiscover_NoRespondersIsEmptyNotError(t *testing.T) {
	s := newTestService(t)
	locations, err := s.Discover(context.Background(), doxie.SSDPServiceType)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(locations) != 0 {
		t.Errorf("got %d locations from silent network, want 0", len(locations))
	}
}

func TestDiscover_NormalizesLocationToBase(t *testing.T) {
	s := newTestService(t,
		ssdpReply("uuid:dev-1", "http://192.168.1.5:8080/device.xml?id=1"),
	)
	locations, err := s.Discover(context.Background(), doxie.SSDPServiceType)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(locations) != 1 || locations[0] != "http://192.168.1.5:8080/" {
		t.Errorf("locations = %v, want [http://192.168.1.5:8080/]", locations)
	}
}

func TestDiscover_OneEntryPerDistinctDevice(t *testing.T) {
	s := newTestService(t,
		ssdpReply("uuid:dev-2", "http://192.168.1.6:8080/device.xml"),
		ssdpReply("uuid:dev-1", "http://192.168.1.5:8080/device.xml"),
		// Same device answering a repeated M-SEARCH send.
		ssdpReply("uuid:dev-1", "http://192.168.1.5:8080/device.xml"),
		// Re-announce under a new USN but the same location.
		ssdpReply("uuid:dev-1-bis", "http://192.168.1.5:8080/other.xml"),
	)
	locations, err := s.Discover(context.Background(), doxie.SSDPServiceType)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{"http://192.168.1.5:8080/", "http://192.168.1.6:8080/"}
	if len(locations) != len(want) {
		t.Fatalf("locations = %v, want %v", locations, want)
	}
	for i := range want {
		if locations[i] != want[i] {
			t.Errorf("locations[%d] = %q, want %q", i, locations[i], want[i])
		}
	}
}

func TestDiscover_IgnoresRepliesForOtherServices(t *testing.T) {
	other := ssdpReply("uuid:printer", "http://192.168.1.9:631/")
	other.Header.Set("ST", "urn:schemas-upnp-org:device:Printer:1")

	s := newTestService(t, other,
		ssdpReply("uuid:dev-1", "http://192.168.1.5:8080/device.xml"),
	)
	locations, err := s.Discover(context.Background(), doxie.SSDPServiceType)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(locations) != 1 || locations[0] != "http://192.168.1.5:8080/" {
		t.Errorf("locations = %v, want only the scanner", locations)
	}
}
