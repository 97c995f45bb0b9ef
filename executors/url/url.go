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

// Package url implements the upload executor for URL sources. These
// datasets reference data hosted elsewhere: the executor probes the URL to
// confirm it answers and to learn its size, but never downloads the bytes.
package url

import (
	"context"
	"net/http"
	"time"

	"github.com/StalkR/hsts"

	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/executors"
)

const probeTimeout = 30 * time.Second

func init() {
	executors.RegisterProvider(datasets.SourceURL,
		func() (executors.Executor, error) {
			return &Executor{client: probeClient(probeTimeout)}, nil
		})
}

// builds an HSTS-aware HTTP client for probing source URLs
func probeClient(timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	client.Transport = hsts.New(client.Transport)
	return client
}

type Executor struct {
	client *http.Client
}

func (e *Executor) Execute(ctx context.Context, d *datasets.Dataset,
	destinationDir string, progress executors.ProgressFunc) error {
	size, err := e.probe(ctx, d.Source.Url)
	if err != nil {
		return err
	}
	// nothing is fetched; reporting size == total marks the dataset complete
	return progress(size, size)
}

// issues a HEAD request (falling back to a one-byte ranged GET for servers
// that refuse HEAD) and returns the reported content length, or 0 if the
// server doesn't say
func (e *Executor) probe(ctx context.Context, sourceUrl string) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceUrl, nil)
	if err != nil {
		return 0, &executors.SourceNotFoundError{Source: sourceUrl}
	}
	response, err := e.client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &executors.NetworkTransientError{Message: err.Error()}
	}
	response.Body.Close()

	if response.StatusCode == http.StatusMethodNotAllowed {
		request, err = http.NewRequestWithContext(ctx, http.MethodGet, sourceUrl, nil)
		if err != nil {
			return 0, &executors.SourceNotFoundError{Source: sourceUrl}
		}
		request.Header.Set("Range", "bytes=0-0")
		if response, err = e.client.Do(request); err != nil {
			return 0, &executors.NetworkTransientError{Message: err.Error()}
		}
		response.Body.Close()
	}

	switch {
	case response.StatusCode == http.StatusNotFound ||
		response.StatusCode == http.StatusGone:
		return 0, &executors.SourceNotFoundError{Source: sourceUrl}
	case response.StatusCode == http.StatusUnauthorized ||
		response.StatusCode == http.StatusForbidden:
		return 0, &executors.PermissionDeniedError{Source: sourceUrl}
	case response.StatusCode == http.StatusTooManyRequests:
		return 0, &executors.RateLimitedError{Source: sourceUrl}
	case response.StatusCode >= 500:
		return 0, &executors.NetworkTransientError{
			Message: sourceUrl + " answered " + response.Status,
		}
	case response.StatusCode >= 400:
		return 0, &executors.SourceNotFoundError{Source: sourceUrl}
	}

	// a ranged GET answers with the full size in Content-Range, not
	// Content-Length, but either way an unknown size is fine
	if response.ContentLength > 0 && response.StatusCode != http.StatusPartialContent {
		return response.ContentLength, nil
	}
	return 0, nil
}
