// Copyright (c) 2024 The ScientistCloud Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/dstore"
	"github.com/scientistcloud/ucp/sessions"
)

// This type sweeps up after dead workers. A claimed dataset whose record
// hasn't moved within the staleness window was abandoned by a worker that
// crashed mid-phase (live upload workers bump the record every second, and
// live conversions hold a PID lock we can check). Abandoned work is requeued
// while retry budget remains and failed permanently after that. The sweep
// also expires idle chunked-upload sessions.
type Reaper struct {
	store        *dstore.Store
	sessions     *sessions.Manager
	loop         *pollLoop
	workerId     string
	uploadDir    string
	convertedDir string
	staleAfter   time.Duration
	deleteAfter  time.Duration
	maxRetries   int
}

func NewReaper(store *dstore.Store, sessionManager *sessions.Manager) *Reaper {
	return &Reaper{
		store:        store,
		sessions:     sessionManager,
		loop:         newPollLoop(time.Duration(config.Jobs.ReaperInterval) * time.Second),
		workerId:     workerId("reaper"),
		uploadDir:    config.Directories.Upload,
		convertedDir: config.Directories.Converted,
		staleAfter:   time.Duration(config.Jobs.StaleAfter) * time.Minute,
		deleteAfter:  time.Duration(config.Jobs.DeleteAfter) * time.Second,
		maxRetries:   config.Jobs.MaxRetries,
	}
}

// Starts the periodic sweep.
func (r *Reaper) Start() error {
	slog.Info(fmt.Sprintf("Reaper %s sweeping every %d s (stale after %s)",
		r.workerId, config.Jobs.ReaperInterval, r.staleAfter))
	return r.loop.start(func() bool {
		r.sweep(context.Background())
		return false // a sweep covers everything; no need to re-run immediately
	})
}

// Stops the periodic sweep.
func (r *Reaper) Stop() error {
	return r.loop.halt()
}

// runs one full sweep
func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.staleAfter)
	r.sweepStatus(ctx, datasets.Uploading, datasets.Uploading,
		datasets.UploadingFailed, cutoff)
	r.sweepStatus(ctx, datasets.Converting, datasets.ConversionQueued,
		datasets.ConversionFailed, cutoff)
	if r.sessions != nil {
		if reaped := r.sessions.ReapExpired(time.Now()); reaped > 0 {
			slog.Info(fmt.Sprintf("Reaped %d expired upload session(s)", reaped))
		}
	}
	if r.deleteAfter > 0 {
		r.purgeConsumed(ctx)
	}
}

// removes the raw staging bytes of converted datasets once they have been
// done for longer than the purge window (the converter's output is the
// product; the staging copy is only kept around long enough to re-run a
// conversion by hand)
func (r *Reaper) purgeConsumed(ctx context.Context) {
	cutoff := time.Now().Add(-r.deleteAfter)
	var consumed []*datasets.Dataset
	err := r.store.ScanByStatus(ctx, datasets.Done, cutoff, func(d *datasets.Dataset) error {
		if d.ConvertRequested && !d.CompletedAt.IsZero() && d.CompletedAt.Before(cutoff) {
			consumed = append(consumed, d)
		}
		return nil
	})
	if err != nil {
		slog.Error(fmt.Sprintf("Scanning for purgeable datasets: %s", err.Error()))
		return
	}

	for _, d := range consumed {
		staging := filepath.Join(r.uploadDir, d.Id.String())
		if _, err := os.Stat(staging); err != nil {
			continue // already purged
		}
		// never discard the staging bytes unless the converted output exists
		manifest := filepath.Join(r.convertedDir, d.Id.String(), manifestFilename)
		if _, err := os.Stat(manifest); err != nil {
			continue
		}
		if err := os.RemoveAll(staging); err != nil {
			slog.Error(fmt.Sprintf("Purging staging for dataset %s: %s",
				d.Id.String(), err.Error()))
			continue
		}
		slog.Info(fmt.Sprintf("Dataset %s: purged staging bytes at %s",
			d.Id.String(), staging))
	}
}

// requeues (or fails) claimed datasets abandoned in the given in-flight
// status
func (r *Reaper) sweepStatus(ctx context.Context, inFlight, requeue,
	failed datasets.Status, cutoff time.Time) {
	var stale []*datasets.Dataset
	err := r.store.ScanByStatus(ctx, inFlight, cutoff, func(d *datasets.Dataset) error {
		if d.WorkerId != "" {
			stale = append(stale, d)
		}
		return nil
	})
	if err != nil {
		slog.Error(fmt.Sprintf("Scanning for stale %s datasets: %s", inFlight, err.Error()))
		return
	}

	for _, d := range stale {
		// a conversion holding a live PID lock is slow, not dead
		if inFlight == datasets.Converting && r.conversionAlive(d) {
			continue
		}

		retries := d.RetryCount + 1
		next := requeue
		message := fmt.Sprintf("abandoned by worker %s", d.WorkerId)
		if input := stagingInput(inFlight, d); input != "" {
			// no staging bytes means another attempt can't succeed
			if _, statErr := os.Stat(input); statErr != nil {
				next = failed
				message = (&InputVanishedError{Path: input}).Error()
			}
		}
		if retries > r.maxRetries {
			next = failed
		}
		err = r.store.Release(ctx, d.Id, inFlight, next, d.WorkerId,
			dstore.Patch{ErrorMessage: &message, RetryCount: &retries})
		if err != nil {
			// the worker came back (or someone cancelled); leave it alone
			var staleErr *dstore.StaleError
			if !errors.As(err, &staleErr) {
				slog.Error(fmt.Sprintf("Reaping dataset %s: %s", d.Id.String(), err.Error()))
			}
			continue
		}
		slog.Warn(fmt.Sprintf("Dataset %s: reaped from %s (worker %s), now %s",
			d.Id.String(), inFlight, d.WorkerId, next))
	}
}

// returns the path an abandoned in-flight dataset reads its bytes from, or
// "" when the phase has no local input (cloud sources are fetched anew on
// retry)
func stagingInput(inFlight datasets.Status, d *datasets.Dataset) string {
	if inFlight == datasets.Converting {
		return d.DestinationPath
	}
	if d.SourceType == datasets.SourceLocal {
		return d.Source.Path
	}
	return ""
}

// reports whether the process converting this dataset is still alive,
// according to the PID lock in its output directory
func (r *Reaper) conversionAlive(d *datasets.Dataset) bool {
	lockPath := filepath.Join(r.convertedDir, d.Id.String(), lockFilename)
	pid, err := readLockPid(lockPath)
	return err == nil && processAlive(pid)
}
