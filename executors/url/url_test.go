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

package url

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/executors"
)

func urlDataset(sourceUrl string) *datasets.Dataset {
	return &datasets.Dataset{
		Id:         uuid.New(),
		SourceType: datasets.SourceURL,
		Source:     datasets.SourceDescriptor{Url: sourceUrl},
	}
}

// an executor probing through a plain client, since httptest servers speak
// HTTP and the HSTS transport would refuse to downgrade
func testExecutor() *Executor {
	return &Executor{client: &http.Client{}}
}

func TestProbeReportsSize(t *testing.T) {
	assert := assert.New(t)
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(http.MethodHead, r.Method)
			w.Header().Set("Content-Length", "12345")
		}))
	defer server.Close()

	var soFar, total int64
	err := testExecutor().Execute(context.Background(), urlDataset(server.URL), "",
		func(s, t int64) error {
			soFar, total = s, t
			return nil
		})
	assert.Nil(err)
	assert.Equal(int64(12345), soFar)
	assert.Equal(int64(12345), total)
}

func TestProbeFallsBackToRangedGet(t *testing.T) {
	assert := assert.New(t)
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			assert.Equal("bytes=0-0", r.Header.Get("Range"))
			w.Header().Set("Content-Range", "bytes 0-0/999")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte{0})
		}))
	defer server.Close()

	err := testExecutor().Execute(context.Background(), urlDataset(server.URL), "",
		func(int64, int64) error { return nil })
	assert.Nil(err)
}

func TestProbeErrors(t *testing.T) {
	assert := assert.New(t)
	status := http.StatusNotFound
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
	defer server.Close()

	progress := func(int64, int64) error { return nil }
	executor := testExecutor()

	err := executor.Execute(context.Background(), urlDataset(server.URL), "", progress)
	assert.IsType(&executors.SourceNotFoundError{}, err)

	status = http.StatusForbidden
	err = executor.Execute(context.Background(), urlDataset(server.URL), "", progress)
	assert.IsType(&executors.PermissionDeniedError{}, err)

	status = http.StatusTooManyRequests
	err = executor.Execute(context.Background(), urlDataset(server.URL), "", progress)
	assert.IsType(&executors.RateLimitedError{}, err)
	assert.True(executors.Retriable(err))

	status = http.StatusInternalServerError
	err = executor.Execute(context.Background(), urlDataset(server.URL), "", progress)
	assert.IsType(&executors.NetworkTransientError{}, err)

	// an unreachable host
	err = executor.Execute(context.Background(),
		urlDataset("http://127.0.0.1:1/data.zip"), "", progress)
	assert.IsType(&executors.NetworkTransientError{}, err)
}

func TestProviderRegistration(t *testing.T) {
	assert := assert.New(t)
	executor, err := executors.NewExecutor(datasets.SourceURL)
	assert.Nil(err)
	assert.NotNil(executor)
}
