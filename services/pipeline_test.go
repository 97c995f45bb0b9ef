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

package services

// This file defines a unit test setup for the pipeline service. The service
// runs against a real dataset store and session manager rooted in a
// temporary directory; no workers run, so submitted datasets stay submitted.
import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/dstore"
	"github.com/scientistcloud/ucp/sessions"
)

// temporary testing directory
var TESTING_DIR string

// service URL
var baseUrl = "http://localhost:8130/"

// service instance and its backing state
var (
	service        PipelineService
	testStore      *dstore.Store
	sessionManager *sessions.Manager
)

const serviceConfig string = `
service:
  name: ucp-service-test
  port: 8130
  max_connections: 100
store:
  path: TESTING_DIR/datasets.db
directories:
  upload: TESTING_DIR/upload
  converted: TESTING_DIR/converted
  scratch: TESTING_DIR/scratch
jobs:
  chunk_size: 4
  max_file_size: 64
`

// performs testing setup
func setup() {
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "ucp-service-tests-")
	if err != nil {
		log.Panicf("Couldn't create testing directory: %s", err)
	}

	myConfig := strings.ReplaceAll(serviceConfig, "TESTING_DIR", TESTING_DIR)
	if err = config.Init([]byte(myConfig)); err != nil {
		log.Panicf("Couldn't initialize configuration: %s", err)
	}

	testStore, err = dstore.Open(config.Store.Path)
	if err != nil {
		log.Panicf("Couldn't open the dataset store: %s", err)
	}
	sessionManager, err = sessions.NewManager(testStore,
		filepath.Join(config.Directories.Scratch, "sessions"),
		config.Jobs.ChunkSize, config.Jobs.MaxFileSize, time.Hour)
	if err != nil {
		log.Panicf("Couldn't create the session manager: %s", err)
	}

	// Start the service.
	log.Print("Starting test pipeline service...\n")
	go func() {
		service, err = NewPipelineService(testStore, sessionManager)
		if err != nil {
			log.Panicf("Couldn't construct the service: %s", err.Error())
		}
		err = service.Start(config.Service.Port)
		if err != nil {
			log.Panicf("Couldn't start the service: %s", err.Error())
		}
	}()

	// Give the service time to start up.
	time.Sleep(100 * time.Millisecond)
}

// Performs testing breakdown.
func breakdown() {
	if service != nil {
		// Gracefully shut the service down when it finishes its work.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		service.Shutdown(ctx)
	}
	if testStore != nil {
		testStore.Close()
	}
	if TESTING_DIR != "" {
		os.RemoveAll(TESTING_DIR)
	}
}

// sends a GET query
func get(resource string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, resource, http.NoBody)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

// sends a POST query with a JSON payload
func post(resource string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, resource, body)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json")
	return http.DefaultClient.Do(req)
}

// sends a PUT query with a binary payload
func put(resource string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPut, resource, body)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/octet-stream")
	return http.DefaultClient.Do(req)
}

// sends a DELETE query
func delete_(resource string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodDelete, resource, http.NoBody)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

// reads and unmarshals a response body into the given value
func unmarshal(t *testing.T, resp *http.Response, value any) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Nil(t, err)
	assert.Nil(t, json.Unmarshal(body, value))
}

// submits an upload request for a URL-sourced dataset, returning its record
func submitUrlUpload(t *testing.T, name string) DatasetCreatedResponse {
	payload, err := json.Marshal(UploadRequest{
		Name:       name,
		OwnerEmail: "marie@lab.edu",
		Sensor:     "NETCDF",
		SourceType: "url",
		Source:     SourceRequest{Url: "https://example.com/scan.nc"},
	})
	assert.Nil(t, err)
	resp, err := post(baseUrl+"api/uploads", bytes.NewReader(payload))
	assert.Nil(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created DatasetCreatedResponse
	unmarshal(t, resp, &created)
	return created
}

// queries the service's root endpoint
func TestQueryRoot(t *testing.T) {
	assert := assert.New(t)

	resp, err := get(baseUrl)
	assert.Nil(err)

	var root ServiceInfoResponse
	unmarshal(t, resp, &root)
	assert.Equal("ucp-service-test", root.Name)
	assert.Equal(version, root.Version)
	assert.Equal("/docs", root.Documentation)
}

// submits an upload and fetches its status through every identifier form
func TestSubmitUpload(t *testing.T) {
	assert := assert.New(t)

	created := submitUrlUpload(t, "Remote Scan")
	assert.True(strings.HasPrefix(created.Slug, "marie-remote-scan-"))
	assert.True(strings.HasPrefix(created.JobId, "upload_"))
	assert.Equal("submitted", created.Status)

	identifiers := []string{
		created.Id,
		created.Slug,
		fmt.Sprintf("%d", created.ShortId),
		created.JobId,
	}
	for _, identifier := range identifiers {
		resp, err := get(baseUrl + "api/datasets/" + identifier + "/status")
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		var status DatasetStatusResponse
		unmarshal(t, resp, &status)
		assert.Equal(created.Id, status.Id)
		assert.Equal("submitted", status.Status)
		assert.Equal("Remote Scan", status.Name)
		assert.NotEmpty(status.CreatedAt)
	}
}

// submits an upload with a sensor the pipeline doesn't recognize
func TestSubmitUploadWithBadSensor(t *testing.T) {
	assert := assert.New(t)

	payload, _ := json.Marshal(UploadRequest{
		Name:       "Bad Sensor",
		OwnerEmail: "marie@lab.edu",
		Sensor:     "POLAROID",
		SourceType: "url",
		Source:     SourceRequest{Url: "https://example.com/x"},
	})
	resp, err := post(baseUrl+"api/uploads", bytes.NewReader(payload))
	assert.Nil(err)
	assert.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

// submits an S3 upload whose descriptor is missing its credentials
func TestSubmitUploadWithIncompleteSource(t *testing.T) {
	assert := assert.New(t)

	payload, _ := json.Marshal(UploadRequest{
		Name:       "No Credentials",
		OwnerEmail: "marie@lab.edu",
		Sensor:     "TIFF",
		SourceType: "s3",
		Source:     SourceRequest{Bucket: "scans", Key: "raw/scan.tiff"},
	})
	resp, err := post(baseUrl+"api/uploads", bytes.NewReader(payload))
	assert.Nil(err)
	assert.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

// attempts to fetch the status of a nonexistent dataset
func TestQueryMissingDataset(t *testing.T) {
	assert := assert.New(t)

	resp, err := get(baseUrl + "api/datasets/" + uuid.NewString() + "/status")
	assert.Nil(err)
	assert.Equal(http.StatusNotFound, resp.StatusCode)
}

// cancels a submitted dataset, then tries to cancel it again
func TestCancelDataset(t *testing.T) {
	assert := assert.New(t)

	created := submitUrlUpload(t, "Doomed Scan")
	resp, err := post(baseUrl+"api/datasets/"+created.Id+"/cancel", http.NoBody)
	assert.Nil(err)
	assert.Equal(http.StatusAccepted, resp.StatusCode)

	resp, err = get(baseUrl + "api/datasets/" + created.Id + "/status")
	assert.Nil(err)
	var status DatasetStatusResponse
	unmarshal(t, resp, &status)
	assert.Equal("cancelled", status.Status)

	// cancelled is terminal, so a second cancellation conflicts
	resp, err = post(baseUrl+"api/datasets/"+created.Id+"/cancel", http.NoBody)
	assert.Nil(err)
	assert.Equal(http.StatusConflict, resp.StatusCode)
}

// retries a failed dataset, which requeues its failed phase
func TestRetryFailedDataset(t *testing.T) {
	assert := assert.New(t)

	d := &datasets.Dataset{
		Id:           uuid.New(),
		Slug:         "marie-stuck-scan-2024",
		ShortId:      200001,
		Name:         "Stuck Scan",
		OwnerEmail:   "marie@lab.edu",
		Sensor:       datasets.SensorTIFF,
		SourceType:   datasets.SourceURL,
		Source:       datasets.SourceDescriptor{Url: "https://example.com/stuck"},
		Status:       datasets.UploadingFailed,
		ErrorMessage: "network unreachable",
		RetryCount:   4,
		JobId:        datasets.NewJobId("upload", time.Now()),
	}
	assert.Nil(testStore.Create(context.Background(), d))

	// only the phase that actually failed can be retried
	body, _ := json.Marshal(RetryRequest{Phase: "converting"})
	resp, err := post(baseUrl+"api/datasets/"+d.Id.String()+"/retry",
		bytes.NewReader(body))
	assert.Nil(err)
	assert.Equal(http.StatusConflict, resp.StatusCode)

	body, _ = json.Marshal(RetryRequest{Phase: "uploading"})
	resp, err = post(baseUrl+"api/datasets/"+d.Id.String()+"/retry",
		bytes.NewReader(body))
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	var status DatasetStatusResponse
	unmarshal(t, resp, &status)
	assert.Equal("uploading", status.Status)
	assert.Zero(status.RetryCount)
	assert.Empty(status.ErrorMessage)
	assert.True(strings.HasPrefix(status.JobId, "upload_"))
	assert.NotEqual(d.JobId, status.JobId)

	// the dataset is no longer failed, so another retry conflicts
	resp, err = post(baseUrl+"api/datasets/"+d.Id.String()+"/retry",
		bytes.NewReader(body))
	assert.Nil(err)
	assert.Equal(http.StatusConflict, resp.StatusCode)
}

// queries the queue overview
func TestQueueOverview(t *testing.T) {
	assert := assert.New(t)

	submitUrlUpload(t, "Queued Scan")
	resp, err := get(baseUrl + "api/queue")
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)

	var queue QueueResponse
	unmarshal(t, resp, &queue)
	assert.True(queue.Counts["submitted"] >= 1)
	assert.True(queue.Total >= queue.Counts["submitted"])
}

// walks a chunked upload through its whole life: initiate, push chunks out
// of order, resume, complete, and observe the submitted dataset
func TestChunkedUploadLifecycle(t *testing.T) {
	assert := assert.New(t)

	fileSum := sha256.Sum256([]byte("abcdefghi"))
	payload, _ := json.Marshal(ChunkedUploadRequest{
		Filename:  "scan.tiff",
		TotalSize: 9, // 3 chunks of size 4, 4, 1
		WholeHash: hex.EncodeToString(fileSum[:]),
		Dataset: sessions.DatasetSpec{
			Name:       "Chunked Scan",
			OwnerEmail: "marie@lab.edu",
			Sensor:     datasets.SensorTIFF,
			Convert:    true,
		},
	})
	resp, err := post(baseUrl+"api/uploads/chunked", bytes.NewReader(payload))
	assert.Nil(err)
	assert.Equal(http.StatusCreated, resp.StatusCode)
	var session SessionResponse
	unmarshal(t, resp, &session)
	assert.Equal(3, session.NumChunks)
	assert.Equal(int64(4), session.ChunkSize)

	sendChunk := func(index int, data string) *http.Response {
		sum := sha256.Sum256([]byte(data))
		resp, err := put(fmt.Sprintf("%sapi/uploads/chunked/%s/%d?checksum=%s",
			baseUrl, session.Id, index, hex.EncodeToString(sum[:])),
			strings.NewReader(data))
		assert.Nil(err)
		return resp
	}

	// chunks arrive out of order
	assert.Equal(http.StatusNoContent, sendChunk(0, "abcd").StatusCode)
	assert.Equal(http.StatusNoContent, sendChunk(2, "i").StatusCode)

	// the session reports the gap
	resp, err = get(baseUrl + "api/uploads/chunked/" + session.Id)
	assert.Nil(err)
	unmarshal(t, resp, &session)
	assert.Equal(2, session.Received)
	assert.Equal([]int{1}, session.Missing)

	// completing with a chunk still missing is rejected
	resp, err = post(baseUrl+"api/uploads/chunked/"+session.Id+"/complete",
		http.NoBody)
	assert.Nil(err)
	assert.Equal(http.StatusUnprocessableEntity, resp.StatusCode)

	// fill the gap; completion verifies the hash declared at initiation
	assert.Equal(http.StatusNoContent, sendChunk(1, "efgh").StatusCode)
	resp, err = post(baseUrl+"api/uploads/chunked/"+session.Id+"/complete",
		http.NoBody)
	assert.Nil(err)
	assert.Equal(http.StatusCreated, resp.StatusCode)
	var created DatasetCreatedResponse
	unmarshal(t, resp, &created)
	assert.Equal("submitted", created.Status)

	// the session is gone, the dataset is queued for upload
	resp, err = get(baseUrl + "api/uploads/chunked/" + session.Id)
	assert.Nil(err)
	assert.Equal(http.StatusNotFound, resp.StatusCode)
	resp, err = get(baseUrl + "api/datasets/" + created.Id + "/status")
	assert.Nil(err)
	var status DatasetStatusResponse
	unmarshal(t, resp, &status)
	assert.Equal("submitted", status.Status)
	assert.Equal(int64(9), status.BytesTotal)
}

// initiates a session for a file larger than the configured limit
func TestChunkedUploadRejectsOversizedFile(t *testing.T) {
	assert := assert.New(t)

	payload, _ := json.Marshal(ChunkedUploadRequest{
		Filename:  "huge.tiff",
		TotalSize: config.Jobs.MaxFileSize + 1,
		WholeHash: "deadbeef",
		Dataset: sessions.DatasetSpec{
			Name:       "Huge Scan",
			OwnerEmail: "marie@lab.edu",
			Sensor:     datasets.SensorTIFF,
		},
	})
	resp, err := post(baseUrl+"api/uploads/chunked", bytes.NewReader(payload))
	assert.Nil(err)
	assert.Equal(http.StatusRequestEntityTooLarge, resp.StatusCode)
}

// pushes a chunk whose index is outside the session's range
func TestChunkOutOfRange(t *testing.T) {
	assert := assert.New(t)

	payload, _ := json.Marshal(ChunkedUploadRequest{
		Filename:  "tiny.bin",
		TotalSize: 4,
		WholeHash: "deadbeef",
		Dataset: sessions.DatasetSpec{
			Name:       "Tiny",
			OwnerEmail: "marie@lab.edu",
			Sensor:     datasets.SensorOther,
		},
	})
	resp, err := post(baseUrl+"api/uploads/chunked", bytes.NewReader(payload))
	assert.Nil(err)
	var session SessionResponse
	unmarshal(t, resp, &session)

	resp, err = put(fmt.Sprintf("%sapi/uploads/chunked/%s/3", baseUrl, session.Id),
		strings.NewReader("data"))
	assert.Nil(err)
	assert.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
}

// abandons a session and verifies it's gone
func TestCancelSession(t *testing.T) {
	assert := assert.New(t)

	payload, _ := json.Marshal(ChunkedUploadRequest{
		Filename:  "abandoned.bin",
		TotalSize: 8,
		WholeHash: "deadbeef",
		Dataset: sessions.DatasetSpec{
			Name:       "Abandoned",
			OwnerEmail: "marie@lab.edu",
			Sensor:     datasets.SensorOther,
		},
	})
	resp, err := post(baseUrl+"api/uploads/chunked", bytes.NewReader(payload))
	assert.Nil(err)
	var session SessionResponse
	unmarshal(t, resp, &session)

	resp, err = delete_(baseUrl + "api/uploads/chunked/" + session.Id)
	assert.Nil(err)
	assert.Equal(http.StatusNoContent, resp.StatusCode)

	resp, err = get(baseUrl + "api/uploads/chunked/" + session.Id)
	assert.Nil(err)
	assert.Equal(http.StatusNotFound, resp.StatusCode)
}

// runs setup, runs all tests, and does breakdown
func TestMain(m *testing.M) {
	var status int
	setup()
	if TESTING_DIR != "" {
		status = m.Run()
	}
	breakdown()
	os.Exit(status)
}
