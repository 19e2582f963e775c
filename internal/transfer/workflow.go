// Package transfer drives the fetch-everything, hand-off, clean-up cycle
// for one scanner: list the backlog, download each scan, pass downloads to
// the handoff collaborators, then clear the device.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"go.uber.org/zap"

	"github.com/Bonneykins/doxie-scan-save-send/internal/doxie"
)

// Device is the slice of the doxie client the workflow needs.
type Device interface {
	fmt.Stringer
	Identity() doxie.Identity
	ListScans(ctx context.Context) ([]doxie.Scan, error)
	DownloadScan(ctx context.Context, scan doxie.Scan, destDir string) (string, error)
	DeleteScans(ctx context.Context, names []string) error
}

// Handoff takes ownership of a downloaded scan. Deliver must not return
// nil before the file is durably accepted: the workflow removes its
// working copy as soon as every handoff has accepted it.
type Handoff interface {
	Deliver(ctx context.Context, localPath, label string) error
}

// Result summarizes one cycle.
type Result struct {
	Listed     int      // records in the captured listing
	Downloaded int      // records fetched and handed off
	Skipped    int      // stale records (listed but no longer retrievable)
	Delivered  []string // remote names that were handed off
}

// Workflow orchestrates one device's transfer cycle. It owns no retry
// policy; a failed cycle is reported to the caller and re-run by the
// scheduler on its next pass.
type Workflow struct {
	device    Device
	handoffs  []Handoff
	workDir   string
	keepLocal bool
	logger    *zap.Logger
}

// Options configures a Workflow.
type Options struct {
	// WorkDir receives downloads before handoff. Defaults to os.TempDir().
	WorkDir string

	// KeepLocal suppresses removal of the working copy after handoff.
	KeepLocal bool

	Logger *zap.Logger
}

// New creates a Workflow for one device. Handoffs run in order for every
// downloaded scan; at least one is required.
func New(device Device, handoffs []Handoff, opts Options) *Workflow {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Workflow{
		device:    device,
		handoffs:  handoffs,
		workDir:   workDir,
		keepLocal: opts.KeepLocal,
		logger:    logger,
	}
}

// Run executes one full cycle.
//
// Stale records (doxie.ErrScanUnavailable) are logged and skipped; any
// other failure aborts the cycle before the device backlog is touched, so
// a scan is never deleted unless its whole listing was processed. The
// final deletion names every record captured in the opening listing —
// including skipped ones, since the device tolerates deleting a name
// whose file is already gone.
func (w *Workflow) Run(ctx context.Context) (*Result, error) {
	scans, err := w.device.ListScans(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing scans on %s: %w", w.device, err)
	}
	res := &Result{Listed: len(scans)}
	if len(scans) == 0 {
		w.logger.Debug("no scans available", zap.String("device", w.device.String()))
		return res, nil
	}

	for _, scan := range scans {
		localPath, err := w.device.DownloadScan(ctx, scan, w.workDir)
		if errors.Is(err, doxie.ErrScanUnavailable) {
			// The listing said it existed but the file is already gone
			// (seen after bulk deletes). Recoverable by design; the
			// record is still named in the final delete.
			res.Skipped++
			w.logger.Warn("skipping stale scan record",
				zap.String("device", w.device.String()),
				zap.String("scan", scan.Name),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("downloading %s: %w", scan.Name, err)
		}

		label := fmt.Sprintf("%s from %s", path.Base(scan.Name), w.device)
		for _, h := range w.handoffs {
			if err := h.Deliver(ctx, localPath, label); err != nil {
				// The working copy stays on disk: nothing downstream has
				// taken ownership yet.
				return nil, fmt.Errorf("handing off %s: %w", scan.Name, err)
			}
		}
		if !w.keepLocal {
			if err := os.Remove(localPath); err != nil {
				w.logger.Warn("could not remove working copy",
					zap.String("path", localPath),
					zap.Error(err),
				)
			}
		}
		res.Downloaded++
		res.Delivered = append(res.Delivered, scan.Name)
		w.logger.Info("scan transferred",
			zap.String("device", w.device.String()),
			zap.String("scan", scan.Name),
		)
	}

	names := make([]string, len(scans))
	for i, scan := range scans {
		names[i] = scan.Name
	}
	if err := w.device.DeleteScans(ctx, names); err != nil {
		return nil, fmt.Errorf("clearing backlog on %s: %w", w.device, err)
	}
	w.logger.Info("cycle complete",
		zap.String("device", w.device.String()),
		zap.Int("listed", res.Listed),
		zap.Int("downloaded", res.Downloaded),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}
