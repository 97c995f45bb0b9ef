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
	"path/filepath"
	"time"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/credentials"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/dstore"
	"github.com/scientistcloud/ucp/executors"
)

// how often a running transfer writes its byte counters back to the store
const progressWriteInterval = time.Second

// This type polls the store for datasets awaiting ingestion and runs the
// executor matching each dataset's source type. Fresh submissions sit in
// submitted; requeued retries sit in uploading with an empty claim stamp.
// Either way the claim is a guarded status write, so schedulers in separate
// processes never run the same dataset twice.
type UploadScheduler struct {
	store        *dstore.Store
	loop         *pollLoop
	workerId     string
	uploadDir    string
	maxRetries   int
	phaseTimeout time.Duration
}

func NewUploadScheduler(store *dstore.Store) *UploadScheduler {
	return &UploadScheduler{
		store:        store,
		loop:         newPollLoop(time.Duration(config.Jobs.PollInterval) * time.Millisecond),
		workerId:     workerId("upload"),
		uploadDir:    config.Directories.Upload,
		maxRetries:   config.Jobs.MaxRetries,
		phaseTimeout: time.Duration(config.Jobs.PhaseTimeout) * time.Minute,
	}
}

// Starts polling for upload work.
func (s *UploadScheduler) Start() error {
	slog.Info(fmt.Sprintf("Upload scheduler %s polling every %d ms",
		s.workerId, config.Jobs.PollInterval))
	return s.loop.start(func() bool { return s.pollOnce(context.Background()) })
}

// Stops polling, letting any in-flight transfer finish first.
func (s *UploadScheduler) Stop() error {
	return s.loop.halt()
}

// claims and runs one waiting dataset, reporting whether there was work
func (s *UploadScheduler) pollOnce(ctx context.Context) bool {
	// fresh submissions first, requeued retries second
	d, err := s.store.FindOneByStatus(ctx, datasets.Submitted, 0)
	if err != nil {
		slog.Error(fmt.Sprintf("Polling for submitted datasets: %s", err.Error()))
		return false
	}
	from := datasets.Submitted
	if d == nil {
		if d, err = s.store.FindOneByStatus(ctx, datasets.Uploading, 0); err != nil {
			slog.Error(fmt.Sprintf("Polling for requeued datasets: %s", err.Error()))
			return false
		}
		from = datasets.Uploading
	}
	if d == nil {
		return false
	}

	if err = s.store.Claim(ctx, d.Id, from, datasets.Uploading, s.workerId); err != nil {
		// somebody else got there first
		var stale *dstore.StaleError
		if !errors.As(err, &stale) {
			slog.Error(fmt.Sprintf("Claiming dataset %s: %s", d.Id.String(), err.Error()))
		}
		return false
	}
	s.run(ctx, d)
	return true
}

// runs the executor for one claimed dataset and releases it into its next
// status
func (s *UploadScheduler) run(ctx context.Context, d *datasets.Dataset) {
	slog.Info(fmt.Sprintf("Dataset %s (%s): starting %s upload (attempt %d)",
		d.Id.String(), d.Slug, d.SourceType, d.RetryCount+1))

	destination := filepath.Join(s.uploadDir, d.Id.String())
	runCtx, cancel := context.WithTimeout(ctx, s.phaseTimeout)
	defer cancel()

	executor, err := executors.NewExecutor(d.SourceType)
	if err == nil {
		err = executor.Execute(runCtx, d, destination, s.progressFunc(runCtx, d))
	}

	switch {
	case err == nil:
		s.succeed(ctx, d, destination)
	case errors.As(err, new(*TransferCancelledError)):
		// the record is already cancelled; just log the abort
		slog.Info(fmt.Sprintf("Dataset %s: upload cancelled", d.Id.String()))
	default:
		if runCtx.Err() == context.DeadlineExceeded {
			err = &executors.NetworkTransientError{
				Message: fmt.Sprintf("transfer exceeded its %s budget", s.phaseTimeout),
			}
		}
		s.fail(ctx, d, err)
	}
}

// builds the progress callback for a running transfer: it throttles byte
// counter writes and aborts the transfer if the dataset has been cancelled
// underneath it
func (s *UploadScheduler) progressFunc(ctx context.Context, d *datasets.Dataset) executors.ProgressFunc {
	var lastWrite time.Time
	return func(soFar, total int64) error {
		if time.Since(lastWrite) < progressWriteInterval && soFar != total {
			return nil
		}
		lastWrite = time.Now()

		current, err := s.store.Get(ctx, d.Id.String())
		if err == nil && current.Status == datasets.Cancelled {
			return &TransferCancelledError{}
		}
		patch := dstore.Patch{BytesUploaded: &soFar}
		if total > 0 {
			patch.BytesTotal = &total
		}
		if err = s.store.Update(ctx, d.Id, patch); err != nil {
			slog.Error(fmt.Sprintf("Dataset %s: writing progress: %s",
				d.Id.String(), err.Error()))
		}
		return nil
	}
}

// moves a finished upload to its next status: queued for conversion when one
// was requested (and there are local bytes to convert), otherwise done
func (s *UploadScheduler) succeed(ctx context.Context, d *datasets.Dataset,
	destination string) {
	now := time.Now()
	empty := ""
	patch := dstore.Patch{DestinationPath: &destination, ErrorMessage: &empty}

	// URL datasets only reference remote bytes, so there is nothing for a
	// converter to read
	next := datasets.Done
	if d.ConvertRequested && d.SourceType != datasets.SourceURL {
		next = datasets.ConversionQueued
		jobId := datasets.NewJobId("convert", now)
		zero := 0
		patch.JobId = &jobId
		patch.RetryCount = &zero
	} else {
		patch.CompletedAt = &now
	}

	err := s.store.Release(ctx, d.Id, datasets.Uploading, next, s.workerId, patch)
	if err != nil {
		slog.Error(fmt.Sprintf("Dataset %s: releasing to %s: %s",
			d.Id.String(), next, err.Error()))
		return
	}
	slog.Info(fmt.Sprintf("Dataset %s (%s): upload finished, now %s",
		d.Id.String(), d.Slug, next))
}

// reports whether a failure needs the user to re-authorize; such failures
// don't count against the retry budget, since retrying without a new grant
// can never succeed
func credentialFailure(err error) bool {
	return errors.As(err, new(*executors.CredentialExpiredError)) ||
		errors.As(err, new(*credentials.CredentialInvalidError))
}

// requeues a failed upload when retry budget remains and the failure is
// worth retrying, and fails the dataset otherwise
func (s *UploadScheduler) fail(ctx context.Context, d *datasets.Dataset, cause error) {
	message := cause.Error()
	patch := dstore.Patch{ErrorMessage: &message}

	next := datasets.UploadingFailed
	retries := d.RetryCount
	if !credentialFailure(cause) {
		retries = d.RetryCount + 1
		patch.RetryCount = &retries
		if executors.Retriable(cause) && retries <= s.maxRetries {
			next = datasets.Uploading
		}
	}

	err := s.store.Release(ctx, d.Id, datasets.Uploading, next, s.workerId, patch)
	if err != nil {
		// a cancellation while we were failing is fine; anything else isn't
		var stale *dstore.StaleError
		if !errors.As(err, &stale) {
			slog.Error(fmt.Sprintf("Dataset %s: releasing to %s: %s",
				d.Id.String(), next, err.Error()))
		}
		return
	}
	if next == datasets.Uploading {
		slog.Warn(fmt.Sprintf("Dataset %s: upload attempt %d failed, requeued: %s",
			d.Id.String(), retries, message))
	} else {
		slog.Error(fmt.Sprintf("Dataset %s: upload failed permanently: %s",
			d.Id.String(), message))
	}
}
