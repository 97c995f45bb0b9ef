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

// Package sessions manages chunked-upload sessions: browser clients split
// large files into fixed-size chunks, push them in any order (with retries),
// and complete the session once every chunk has landed. Completion assembles
// and verifies the file, then creates a submitted dataset whose local source
// points at the assembled bytes; from there the ordinary upload pipeline
// takes over. Sessions live on disk under the scratch directory so an
// interrupted upload survives a process restart.
package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/dstore"
)

const chunkFilePattern = "chunk_%06d"
const manifestFilename = "session.json"
const assembledDirname = "assembled"

// The dataset-to-be described at session initiation, applied verbatim when
// the completed session turns into a dataset record.
type DatasetSpec struct {
	Name                 string          `json:"name"`
	OwnerEmail           string          `json:"owner_email"`
	Sensor               datasets.Sensor `json:"sensor"`
	Convert              bool            `json:"convert"`
	ConversionParameters json.RawMessage `json:"conversion_parameters,omitempty"`
	Tags                 []string        `json:"tags,omitempty"`
	Folder               string          `json:"folder,omitempty"`
	TeamId               string          `json:"team_id,omitempty"`
	IsPublic             bool            `json:"is_public,omitempty"`
	IsDownloadable       bool            `json:"is_downloadable,omitempty"`
}

// One in-flight chunked upload. The manifest on disk mirrors this struct.
type Session struct {
	Id        string `json:"id"`
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	// hex SHA-256 of the whole file, declared up front and verified after
	// assembly
	WholeHash string      `json:"whole_hash"`
	ChunkSize int64       `json:"chunk_size"`
	NumChunks int         `json:"num_chunks"`
	Spec      DatasetSpec `json:"spec"`
	// chunk index -> hex SHA-256 of the received chunk
	Received  map[int]string `json:"received"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// reports the indices of chunks not yet received, in order
func (s *Session) Missing() []int {
	var missing []int
	for i := 0; i < s.NumChunks; i++ {
		if _, ok := s.Received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// This type tracks chunked-upload sessions. All mutating calls persist the
// session manifest, so the in-memory map is just a cache over the scratch
// directory.
type Manager struct {
	store       *dstore.Store
	dir         string
	chunkSize   int64
	maxFileSize int64
	expiry      time.Duration

	mutex    sync.Mutex
	sessions map[string]*Session
}

// Creates a session manager rooted at the given directory (normally
// <scratch>/sessions), loading any manifests a previous process left behind.
func NewManager(store *dstore.Store, dir string, chunkSize, maxFileSize int64,
	expiry time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := &Manager{
		store:       store,
		dir:         dir,
		chunkSize:   chunkSize,
		maxFileSize: maxFileSize,
		expiry:      expiry,
		sessions:    make(map[string]*Session),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifest, err := os.ReadFile(filepath.Join(dir, entry.Name(), manifestFilename))
		if err != nil {
			continue // a half-deleted session; the reaper will finish the job
		}
		var session Session
		if err = json.Unmarshal(manifest, &session); err != nil {
			continue
		}
		m.sessions[session.Id] = &session
	}
	return m, nil
}

// Starts a session for a file of the given size and whole-file hash,
// returning the session with its assigned ID, chunk size, and chunk count.
func (m *Manager) Initiate(filename string, totalSize int64, wholeHash string,
	spec DatasetSpec) (*Session, error) {
	if totalSize <= 0 || totalSize > m.maxFileSize {
		return nil, &InvalidSessionError{
			Message: fmt.Sprintf("total size %d is not in (0, %d]", totalSize, m.maxFileSize),
		}
	}
	if filename == "" || filepath.Base(filename) != filename {
		return nil, &InvalidSessionError{Message: "filename must be a bare file name"}
	}
	if wholeHash == "" {
		return nil, &InvalidSessionError{Message: "a whole-file hash must be declared"}
	}

	now := time.Now()
	session := &Session{
		Id:        uuid.NewString(),
		Filename:  filename,
		TotalSize: totalSize,
		WholeHash: wholeHash,
		ChunkSize: m.chunkSize,
		NumChunks: int((totalSize + m.chunkSize - 1) / m.chunkSize),
		Spec:      spec,
		Received:  make(map[int]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := os.MkdirAll(m.sessionDir(session.Id), 0o755); err != nil {
		return nil, err
	}
	if err := m.persist(session); err != nil {
		return nil, err
	}

	m.mutex.Lock()
	m.sessions[session.Id] = session
	m.mutex.Unlock()
	return session, nil
}

// Stores one chunk. Chunks may arrive in any order; resending an
// already-received chunk overwrites it, which makes client retries after
// lost acknowledgements harmless. A checksum, when given, must match the
// received bytes or the chunk is discarded.
func (m *Manager) ReceiveChunk(sessionId string, index int, checksum string,
	chunk io.Reader) error {
	session, err := m.lookup(sessionId)
	if err != nil {
		return err
	}
	if index < 0 || index >= session.NumChunks {
		return &ChunkOutOfRangeError{Index: index, NumChunks: session.NumChunks}
	}

	// the final chunk is the only one allowed to be short
	limit := session.ChunkSize
	if index == session.NumChunks-1 {
		limit = session.TotalSize - int64(session.NumChunks-1)*session.ChunkSize
	}

	path := filepath.Join(m.sessionDir(sessionId), fmt.Sprintf(chunkFilePattern, index))
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, hasher), io.LimitReader(chunk, limit+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && written > limit {
		err = &InvalidSessionError{
			Message: fmt.Sprintf("chunk %d exceeds its %d byte bound", index, limit),
		}
	}
	received := hex.EncodeToString(hasher.Sum(nil))
	if err == nil && checksum != "" && checksum != received {
		err = &ChunkChecksumError{Index: index, Expected: checksum, Received: received}
	}
	if err != nil {
		os.Remove(path)
		return err
	}

	m.mutex.Lock()
	session.Received[index] = received
	session.UpdatedAt = time.Now()
	m.mutex.Unlock()
	return m.persist(session)
}

// Retrieves a session's current state, including which chunks are missing.
func (m *Manager) Status(sessionId string) (*Session, error) {
	return m.lookup(sessionId)
}

// Finishes a session: verifies every chunk arrived, assembles them in order,
// checks the whole-file hash declared at initiation, and creates a submitted
// dataset pointing at the assembled file. The chunks are removed; the
// assembled file is consumed later by the local upload executor.
func (m *Manager) Complete(ctx context.Context, sessionId string) (*datasets.Dataset, error) {
	session, err := m.lookup(sessionId)
	if err != nil {
		return nil, err
	}
	if missing := session.Missing(); len(missing) > 0 {
		return nil, &SessionIncompleteError{Missing: missing}
	}

	assembledDir := filepath.Join(m.sessionDir(sessionId), assembledDirname)
	if err = os.MkdirAll(assembledDir, 0o755); err != nil {
		return nil, err
	}
	assembled := filepath.Join(assembledDir, session.Filename)
	out, err := os.Create(assembled)
	if err != nil {
		return nil, err
	}

	hasher := sha256.New()
	var assembledSize int64
	for i := 0; i < session.NumChunks && err == nil; i++ {
		var in *os.File
		in, err = os.Open(filepath.Join(m.sessionDir(sessionId),
			fmt.Sprintf(chunkFilePattern, i)))
		if err == nil {
			var n int64
			n, err = io.Copy(io.MultiWriter(out, hasher), in)
			assembledSize += n
			in.Close()
		}
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && assembledSize != session.TotalSize {
		err = &FileChecksumError{
			Message: fmt.Sprintf("assembled %d bytes, expected %d", assembledSize, session.TotalSize),
		}
	}
	received := hex.EncodeToString(hasher.Sum(nil))
	if err == nil && received != session.WholeHash {
		err = &FileChecksumError{
			Message: fmt.Sprintf("file hash mismatch: expected %s, got %s",
				session.WholeHash, received),
		}
	}
	if err != nil {
		os.RemoveAll(assembledDir)
		return nil, err
	}

	now := time.Now()
	d := &datasets.Dataset{
		Id:                   uuid.New(),
		Slug:                 datasets.MakeSlug(session.Spec.Name, session.Spec.OwnerEmail, now),
		ShortId:              datasets.MakeShortId(now),
		Name:                 session.Spec.Name,
		OwnerEmail:           session.Spec.OwnerEmail,
		Sensor:               session.Spec.Sensor,
		SourceType:           datasets.SourceLocal,
		Source:               datasets.SourceDescriptor{Path: assembledDir},
		ConvertRequested:     session.Spec.Convert,
		Status:               datasets.Submitted,
		BytesTotal:           session.TotalSize,
		ErrorMessage:         "",
		JobId:                datasets.NewJobId("upload", now),
		ConversionParameters: session.Spec.ConversionParameters,
		Tags:                 session.Spec.Tags,
		Folder:               session.Spec.Folder,
		TeamId:               session.Spec.TeamId,
		IsPublic:             session.Spec.IsPublic,
		IsDownloadable:       session.Spec.IsDownloadable,
	}
	if err = m.store.CreateWithUniqueKeys(ctx, d); err != nil {
		os.RemoveAll(assembledDir)
		return nil, err
	}

	// drop the chunks and the manifest; the assembled directory stays until
	// the local executor consumes it
	for i := 0; i < session.NumChunks; i++ {
		os.Remove(filepath.Join(m.sessionDir(sessionId), fmt.Sprintf(chunkFilePattern, i)))
	}
	os.Remove(filepath.Join(m.sessionDir(sessionId), manifestFilename))
	m.mutex.Lock()
	delete(m.sessions, sessionId)
	m.mutex.Unlock()
	return d, nil
}

// Abandons a session and removes everything it wrote.
func (m *Manager) Cancel(sessionId string) error {
	if _, err := m.lookup(sessionId); err != nil {
		return err
	}
	m.mutex.Lock()
	delete(m.sessions, sessionId)
	m.mutex.Unlock()
	return os.RemoveAll(m.sessionDir(sessionId))
}

// Removes sessions that have seen no chunk activity within the expiry
// window, returning how many were reaped.
func (m *Manager) ReapExpired(now time.Time) int {
	m.mutex.Lock()
	var expired []*Session
	for _, session := range m.sessions {
		if now.Sub(session.UpdatedAt) > m.expiry {
			expired = append(expired, session)
		}
	}
	for _, session := range expired {
		delete(m.sessions, session.Id)
	}
	m.mutex.Unlock()

	for _, session := range expired {
		os.RemoveAll(m.sessionDir(session.Id))
	}
	return len(expired)
}

func (m *Manager) sessionDir(sessionId string) string {
	return filepath.Join(m.dir, sessionId)
}

func (m *Manager) lookup(sessionId string) (*Session, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	session, ok := m.sessions[sessionId]
	if !ok {
		return nil, &SessionNotFoundError{Id: sessionId}
	}
	return session, nil
}

// writes the session manifest to disk
func (m *Manager) persist(session *Session) error {
	m.mutex.Lock()
	manifest, err := json.MarshalIndent(session, "", "  ")
	m.mutex.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.sessionDir(session.Id), manifestFilename),
		manifest, 0o644)
}
