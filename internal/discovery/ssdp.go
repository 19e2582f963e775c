// Package discovery finds scanners on the local network via SSDP.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/huin/goupnp/httpu"
	"github.com/huin/goupnp/ssdp"
	"go.uber.org/zap"
)

// searcher is the slice of the goupnp httpu client the service needs,
// injectable so tests can run without multicast access.
type searcher interface {
	DoWithContext(req *http.Request, numSends int) ([]*http.Response, error)
}

// Service broadcasts SSDP M-SEARCH queries and collects device locations.
// A single Discover call is a point-in-time snapshot: it waits out a
// bounded listen window and returns whatever answered, with no ordering
// guarantee among replies.
type Service struct {
	client   searcher
	logger   *zap.Logger
	maxWait  time.Duration
	numSends int
}

// Option adjusts Service construction.
type Option func(*Service)

// WithListenWindow bounds how long Discover waits for replies. Values
// under one second are rounded up; SSDP expresses MX in whole seconds.
func WithListenWindow(d time.Duration) Option {
	return func(s *Service) { s.maxWait = d }
}

// WithSearcher replaces the UDP client, for tests.
func WithSearcher(c searcher) Option {
	return func(s *Service) { s.client = c }
}

// New creates a discovery Service bound to a multicast UDP socket.
func New(logger *zap.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		logger:   logger,
		maxWait:  3 * time.Second,
		numSends: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		c, err := httpu.NewHTTPUClient()
		if err != nil {
			return nil, fmt.Errorf("opening multicast socket: %w", err)
		}
		s.client = c
	}
	return s, nil
}

// Discover broadcasts a query for serviceType and returns one canonical
// base address (scheme://host:port/) per distinct responding device.
// Zero responders is an empty slice, not an error.
func (s *Service) Discover(ctx context.Context, serviceType string) ([]string, error) {
	maxWaitSeconds := int(s.maxWait.Round(time.Second) / time.Second)
	if maxWaitSeconds < 1 {
		maxWaitSeconds = 1
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(maxWaitSeconds)*time.Second)
	defer cancel()

	responses, err := ssdp.RawSearch(ctx, s.client, serviceType, s.numSends)
	if err != nil {
		return nil, fmt.Errorf("ssdp search for %s: %w", serviceType, err)
	}

	seen := make(map[string]struct{}, len(responses))
	locations := make([]string, 0, len(responses))
	for _, resp := range responses {
		loc, err := resp.Location()
		if err != nil {
			s.logger.Warn("ssdp reply without usable location", zap.Error(err))
			continue
		}
		base := canonicalBase(loc)
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		locations = append(locations, base)
		s.logger.Info("device discovered",
			zap.String("service_type", serviceType),
			zap.String("location", base),
		)
	}
	// Stable output across runs makes logs and tests easier to compare;
	// SSDP itself guarantees no reply order.
	sort.Strings(locations)

	s.logger.Debug("ssdp search complete",
		zap.String("service_type", serviceType),
		zap.Int("devices_found", len(locations)),
	)
	return locations, nil
}

// canonicalBase reduces an advertised location to scheme + host + port
// with the path reset to root.
func canonicalBase(loc *url.URL) string {
	base := url.URL{Scheme: loc.Scheme, Host: loc.Host, Path: "/"}
	return base.String()
}
