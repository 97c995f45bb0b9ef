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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scientistcloud/ucp/credentials"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/executors"
)

func TestUploadLeadsToConversionQueue(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	installFake(&fakeExecutor{bytes: 4096})

	d := createDataset(t, store, datasets.Submitted, true)
	scheduler := NewUploadScheduler(store)
	assert.True(scheduler.pollOnce(ctx))

	after, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.ConversionQueued, after.Status)
	assert.Empty(after.WorkerId)
	assert.Contains(after.DestinationPath, d.Id.String())
	assert.Equal(int64(4096), after.BytesUploaded)
	assert.Equal(int64(4096), after.BytesTotal)
	assert.Zero(after.RetryCount)
	assert.True(strings.HasPrefix(after.JobId, "convert_"))

	// nothing left to do
	assert.False(scheduler.pollOnce(ctx))
}

func TestUploadLeadsToDone(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	installFake(&fakeExecutor{bytes: 100})

	d := createDataset(t, store, datasets.Submitted, false)
	scheduler := NewUploadScheduler(store)
	assert.True(scheduler.pollOnce(ctx))

	after, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.Done, after.Status)
	assert.False(after.CompletedAt.IsZero())
	assert.InDelta(100.0, after.ProgressPercent(), 1e-9)
}

func TestUrlUploadSkipsConversion(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	executors.RegisterProvider(datasets.SourceURL,
		func() (executors.Executor, error) { return &fakeExecutor{bytes: 10}, nil })

	d := createUrlDataset(t, store)
	scheduler := NewUploadScheduler(store)
	assert.True(scheduler.pollOnce(ctx))

	// conversion was requested, but a URL dataset has no local bytes to
	// convert
	after, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.Done, after.Status)
}

func TestUploadRetriableFailureRequeues(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	installFake(&fakeExecutor{fail: &executors.NetworkTransientError{Message: "flaky"}})

	d := createDataset(t, store, datasets.Submitted, false)
	scheduler := NewUploadScheduler(store)
	assert.True(scheduler.pollOnce(ctx))

	after, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.Uploading, after.Status)
	assert.Empty(after.WorkerId)
	assert.Equal(1, after.RetryCount)
	assert.Contains(after.ErrorMessage, "flaky")

	// the requeued dataset is claimable again, and this time it succeeds
	installFake(&fakeExecutor{bytes: 50})
	assert.True(scheduler.pollOnce(ctx))
	after, err = store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.Done, after.Status)
}

func TestUploadPermanentFailure(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	installFake(&fakeExecutor{fail: &executors.SourceNotFoundError{Source: "/gone"}})

	d := createDataset(t, store, datasets.Submitted, false)
	scheduler := NewUploadScheduler(store)
	assert.True(scheduler.pollOnce(ctx))

	after, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.UploadingFailed, after.Status)
	assert.Contains(after.ErrorMessage, "/gone")
}

func TestUploadCredentialFailureKeepsRetryBudget(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	scheduler := NewUploadScheduler(store)

	// a rejected refresh token needs the user to re-authorize, so the
	// attempt doesn't count against the budget
	installFake(&fakeExecutor{fail: &executors.CredentialExpiredError{
		Email: "marie@lab.edu", Message: "invalid_grant"}})
	d := createDataset(t, store, datasets.Submitted, false)
	assert.True(scheduler.pollOnce(ctx))

	after, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.UploadingFailed, after.Status)
	assert.Zero(after.RetryCount)
	assert.Contains(after.ErrorMessage, "invalid_grant")

	// same for a credential already flagged invalid on the profile
	installFake(&fakeExecutor{fail: &credentials.CredentialInvalidError{
		Email: "marie@lab.edu", Reason: "invalid_grant"}})
	d = createDataset(t, store, datasets.Submitted, false)
	assert.True(scheduler.pollOnce(ctx))

	after, err = store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.UploadingFailed, after.Status)
	assert.Zero(after.RetryCount)
}

func TestUploadRetryBudgetExhausted(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	installFake(&fakeExecutor{fail: &executors.NetworkTransientError{Message: "flaky"}})

	scheduler := NewUploadScheduler(store)
	d := createDataset(t, store, datasets.Submitted, false)
	for i := 0; i <= scheduler.maxRetries; i++ {
		assert.True(scheduler.pollOnce(ctx))
	}

	after, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.UploadingFailed, after.Status)
	assert.Equal(scheduler.maxRetries+1, after.RetryCount)
}

func TestUploadCancelledMidTransfer(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()

	d := createDataset(t, store, datasets.Submitted, false)
	installFake(&fakeExecutor{
		bytes: 100,
		midTransfer: func() {
			assert.Nil(store.Cancel(ctx, d.Id))
		},
	})

	scheduler := NewUploadScheduler(store)
	assert.True(scheduler.pollOnce(ctx))

	// the final progress report saw the cancellation and aborted; the
	// record stays cancelled
	after, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.Cancelled, after.Status)
	assert.Empty(after.WorkerId)
}

func TestUploadSchedulerStartStop(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	installFake(&fakeExecutor{bytes: 1})

	scheduler := NewUploadScheduler(store)
	assert.Nil(scheduler.Start())
	assert.IsType(&AlreadyRunningError{}, scheduler.Start())
	assert.Nil(scheduler.Stop())
	assert.IsType(&NotRunningError{}, scheduler.Stop())
}
