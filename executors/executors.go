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

// Package executors defines the source-specific upload executors that fetch
// a dataset's bytes into the staging area. Each source type (local file,
// Google Drive, S3, plain URL) registers a provider; the upload scheduler
// looks executors up by the dataset's source type and knows nothing about
// how any of them move bytes.
package executors

import (
	"context"

	"github.com/scientistcloud/ucp/datasets"
)

// Called by executors as bytes land, at most about once a second. A total of
// -1 means the executor doesn't know the full size yet. Returning an error
// aborts the transfer; this is how cancellation requested through the API
// reaches a running executor.
type ProgressFunc func(bytesSoFar, bytesTotal int64) error

// This interface is implemented by every upload executor. Execute fetches
// the dataset's source into destinationDir, reporting progress along the
// way, and returns only when the transfer has fully succeeded or failed.
type Executor interface {
	// fetches the dataset's bytes into destinationDir
	Execute(ctx context.Context, d *datasets.Dataset, destinationDir string,
		progress ProgressFunc) error
}

// creates an executor for a source type
type Provider func() (Executor, error)

// we maintain a table of executor providers, identified by source type
var allProviders = make(map[datasets.SourceType]Provider)

// instances already created, so registration cost is paid once
var allExecutors = make(map[datasets.SourceType]Executor)

// Registers a provider that creates executors for the given source type.
// Called from init() in each executor subpackage and from tests that
// substitute fakes.
func RegisterProvider(sourceType datasets.SourceType, provider Provider) {
	allProviders[sourceType] = provider
	delete(allExecutors, sourceType)
}

// creates an executor for the given source type, or returns an existing
// instance
func NewExecutor(sourceType datasets.SourceType) (Executor, error) {
	executor, found := allExecutors[sourceType]
	if !found {
		provider, ok := allProviders[sourceType]
		if !ok {
			return nil, &NoExecutorError{SourceType: sourceType}
		}
		var err error
		executor, err = provider()
		if err != nil {
			return nil, err
		}
		allExecutors[sourceType] = executor
	}
	return executor, nil
}
