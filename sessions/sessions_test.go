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

package sessions

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/dstore"
)

var testDir string

func setup() {
	var err error
	testDir, err = os.MkdirTemp(os.TempDir(), "ucp-sessions-")
	if err != nil {
		panic(err)
	}
}

func breakdown() {
	if testDir != "" {
		os.RemoveAll(testDir)
	}
}

func TestMain(m *testing.M) {
	setup()
	status := m.Run()
	breakdown()
	os.Exit(status)
}

const testChunkSize = 1024

func testManager(t *testing.T) (*Manager, *dstore.Store) {
	store, err := dstore.Open(filepath.Join(testDir, t.Name()+".db"))
	assert.Nil(t, err)
	t.Cleanup(func() { store.Close() })

	manager, err := NewManager(store, filepath.Join(testDir, t.Name()),
		testChunkSize, 1<<30, time.Hour)
	assert.Nil(t, err)
	return manager, store
}

func testSpec() DatasetSpec {
	return DatasetSpec{
		Name:       "Chunked Scan",
		OwnerEmail: "marie@lab.edu",
		Sensor:     datasets.SensorHDF5,
		Convert:    true,
	}
}

// a deterministic payload split into session chunks
func makePayload(size int) ([]byte, [][]byte) {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	var chunks [][]byte
	for offset := 0; offset < size; offset += testChunkSize {
		end := offset + testChunkSize
		if end > size {
			end = size
		}
		chunks = append(chunks, payload[offset:end])
	}
	return payload, chunks
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestFullSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	manager, store := testManager(t)
	ctx := context.Background()

	payload, chunks := makePayload(2*testChunkSize + 100)
	session, err := manager.Initiate("scan.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)
	assert.Equal(3, session.NumChunks)
	assert.Equal([]int{0, 1, 2}, session.Missing())

	// push chunks out of order, each with its checksum
	for _, i := range []int{2, 0, 1} {
		err = manager.ReceiveChunk(session.Id, i, checksum(chunks[i]),
			bytes.NewReader(chunks[i]))
		assert.Nil(err)
	}
	status, err := manager.Status(session.Id)
	assert.Nil(err)
	assert.Empty(status.Missing())

	d, err := manager.Complete(ctx, session.Id)
	assert.Nil(err)
	assert.Equal(datasets.Submitted, d.Status)
	assert.Equal(datasets.SourceLocal, d.SourceType)
	assert.Equal(int64(len(payload)), d.BytesTotal)
	assert.True(d.ConvertRequested)

	// the assembled file matches the original payload
	assembled, err := os.ReadFile(filepath.Join(d.Source.Path, "scan.h5"))
	assert.Nil(err)
	assert.Equal(payload, assembled)

	// the dataset is in the store, ready for the upload scheduler
	stored, err := store.Get(ctx, d.Id.String())
	assert.Nil(err)
	assert.Equal(datasets.Submitted, stored.Status)

	// the session is gone
	_, err = manager.Status(session.Id)
	assert.IsType(&SessionNotFoundError{}, err)
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	manager, _ := testManager(t)

	payload, chunks := makePayload(testChunkSize + 10)
	session, err := manager.Initiate("dup.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)

	for i := 0; i < 3; i++ {
		err = manager.ReceiveChunk(session.Id, 0, checksum(chunks[0]),
			bytes.NewReader(chunks[0]))
		assert.Nil(err)
	}
	status, _ := manager.Status(session.Id)
	assert.Equal([]int{1}, status.Missing())
}

func TestChunkChecksumRejection(t *testing.T) {
	assert := assert.New(t)
	manager, _ := testManager(t)

	payload, chunks := makePayload(testChunkSize)
	session, err := manager.Initiate("bad.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)

	err = manager.ReceiveChunk(session.Id, 0, checksum([]byte("other bytes")),
		bytes.NewReader(chunks[0]))
	assert.NotNil(err)
	assert.IsType(&ChunkChecksumError{}, err)

	// the rejected chunk is still missing and can be resent
	status, _ := manager.Status(session.Id)
	assert.Equal([]int{0}, status.Missing())
	err = manager.ReceiveChunk(session.Id, 0, checksum(chunks[0]),
		bytes.NewReader(chunks[0]))
	assert.Nil(err)
}

func TestCompleteWithMissingChunks(t *testing.T) {
	assert := assert.New(t)
	manager, _ := testManager(t)

	payload, chunks := makePayload(3 * testChunkSize)
	session, err := manager.Initiate("partial.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)
	assert.Nil(manager.ReceiveChunk(session.Id, 1, "", bytes.NewReader(chunks[1])))

	_, err = manager.Complete(context.Background(), session.Id)
	assert.NotNil(err)
	incomplete := err.(*SessionIncompleteError)
	assert.Equal([]int{0, 2}, incomplete.Missing)
}

func TestChunkBounds(t *testing.T) {
	assert := assert.New(t)
	manager, _ := testManager(t)

	payload, _ := makePayload(testChunkSize)
	session, err := manager.Initiate("bounds.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)

	err = manager.ReceiveChunk(session.Id, 5, "", bytes.NewReader(payload))
	assert.IsType(&ChunkOutOfRangeError{}, err)

	// an oversized chunk is refused
	err = manager.ReceiveChunk(session.Id, 0, "",
		bytes.NewReader(make([]byte, testChunkSize+1)))
	assert.IsType(&InvalidSessionError{}, err)
}

func TestInitiateValidation(t *testing.T) {
	assert := assert.New(t)
	manager, _ := testManager(t)

	_, err := manager.Initiate("x.h5", 0, "abc123", testSpec())
	assert.IsType(&InvalidSessionError{}, err)
	_, err = manager.Initiate("x.h5", 1<<40, "abc123", testSpec())
	assert.IsType(&InvalidSessionError{}, err)
	_, err = manager.Initiate("../evil.h5", 100, "abc123", testSpec())
	assert.IsType(&InvalidSessionError{}, err)
	_, err = manager.Initiate("x.h5", 100, "", testSpec())
	assert.IsType(&InvalidSessionError{}, err)
}

func TestCompleteRejectsHashMismatch(t *testing.T) {
	assert := assert.New(t)
	manager, _ := testManager(t)

	payload, chunks := makePayload(testChunkSize + 5)
	session, err := manager.Initiate("tampered.h5", int64(len(payload)),
		checksum([]byte("some other file")), testSpec())
	assert.Nil(err)
	for i, chunk := range chunks {
		assert.Nil(manager.ReceiveChunk(session.Id, i, "", bytes.NewReader(chunk)))
	}

	_, err = manager.Complete(context.Background(), session.Id)
	assert.NotNil(err)
	assert.IsType(&FileChecksumError{}, err)

	// the session survives the rejection, so the client can start over
	status, err := manager.Status(session.Id)
	assert.Nil(err)
	assert.Empty(status.Missing())
}

func TestSessionSurvivesRestart(t *testing.T) {
	assert := assert.New(t)
	manager, store := testManager(t)

	payload, chunks := makePayload(2 * testChunkSize)
	session, err := manager.Initiate("resume.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)
	assert.Nil(manager.ReceiveChunk(session.Id, 0, "", bytes.NewReader(chunks[0])))

	// a new manager over the same directory picks the session back up
	reloaded, err := NewManager(store, filepath.Join(testDir, t.Name()),
		testChunkSize, 1<<30, time.Hour)
	assert.Nil(err)
	status, err := reloaded.Status(session.Id)
	assert.Nil(err)
	assert.Equal([]int{1}, status.Missing())

	assert.Nil(reloaded.ReceiveChunk(session.Id, 1, "", bytes.NewReader(chunks[1])))
	d, err := reloaded.Complete(context.Background(), session.Id)
	assert.Nil(err)
	assert.Equal(datasets.Submitted, d.Status)
}

func TestCancelAndReap(t *testing.T) {
	assert := assert.New(t)
	manager, _ := testManager(t)

	payload, _ := makePayload(testChunkSize)
	cancelled, err := manager.Initiate("cancel.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)
	assert.Nil(manager.Cancel(cancelled.Id))
	_, err = manager.Status(cancelled.Id)
	assert.IsType(&SessionNotFoundError{}, err)
	_, err = os.Stat(filepath.Join(testDir, t.Name(), cancelled.Id))
	assert.True(os.IsNotExist(err))

	idle, err := manager.Initiate("idle.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)

	// nothing has aged out yet
	assert.Zero(manager.ReapExpired(time.Now()))

	// past the expiry window the idle session goes away
	reaped := manager.ReapExpired(time.Now().Add(2 * time.Hour))
	assert.Equal(1, reaped)
	_, err = manager.Status(idle.Id)
	assert.IsType(&SessionNotFoundError{}, err)
	_, err = os.Stat(filepath.Join(testDir, t.Name(), idle.Id))
	assert.True(os.IsNotExist(err))
}

func TestChunkFileNaming(t *testing.T) {
	assert := assert.New(t)
	manager, _ := testManager(t)

	payload, chunks := makePayload(testChunkSize + 1)
	session, err := manager.Initiate("names.h5", int64(len(payload)), checksum(payload), testSpec())
	assert.Nil(err)
	assert.Nil(manager.ReceiveChunk(session.Id, 0, "", bytes.NewReader(chunks[0])))

	_, err = os.Stat(filepath.Join(testDir, t.Name(), session.Id,
		fmt.Sprintf("chunk_%06d", 0)))
	assert.Nil(err)
}
