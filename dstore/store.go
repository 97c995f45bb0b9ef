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

// Package dstore provides the durable dataset store, the sole source of
// truth for dataset records. Status transitions go through ConditionalUpdate,
// a single atomic guarded write that doubles as the claim primitive for
// workers: there is no other lock.
package dstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/scientistcloud/ucp/datasets"
)

const schema = `
CREATE TABLE IF NOT EXISTS datasets (
	uuid TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	short_id INTEGER NOT NULL UNIQUE,
	name TEXT NOT NULL,
	owner_email TEXT NOT NULL,
	sensor TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source TEXT NOT NULL,
	destination_path TEXT NOT NULL DEFAULT '',
	convert_requested INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	bytes_total INTEGER NOT NULL DEFAULT 0,
	bytes_uploaded INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	worker_id TEXT NOT NULL DEFAULT '',
	claimed_at INTEGER NOT NULL DEFAULT 0,
	job_id TEXT NOT NULL DEFAULT '',
	conversion_parameters TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '',
	folder TEXT NOT NULL DEFAULT '',
	team_id TEXT NOT NULL DEFAULT '',
	is_public INTEGER NOT NULL DEFAULT 0,
	is_downloadable INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS datasets_by_status ON datasets(status, updated_at);
CREATE INDEX IF NOT EXISTS datasets_by_job_id ON datasets(job_id);

CREATE TABLE IF NOT EXISTS user_profile (
	email TEXT PRIMARY KEY,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expires_at INTEGER NOT NULL DEFAULT 0,
	token_scopes TEXT NOT NULL DEFAULT '',
	refresh_invalid INTEGER NOT NULL DEFAULT 0,
	token_error TEXT NOT NULL DEFAULT '',
	token_error_at INTEGER NOT NULL DEFAULT 0
);
`

// the column list every dataset query selects, in scan order
const datasetColumns = `uuid, slug, short_id, name, owner_email, sensor,
	source_type, source, destination_path, convert_requested, status,
	bytes_total, bytes_uploaded, error_message, retry_count, worker_id,
	claimed_at, job_id, conversion_parameters, tags, folder, team_id,
	is_public, is_downloadable, created_at, updated_at, completed_at`

// transient-error retry policy for store calls
const maxAttempts = 4
const retryBaseDelay = 100 * time.Millisecond

// This type is the durable record store for datasets (and, via ProfileStore,
// for user credential profiles). It is safe for concurrent use across
// goroutines; cross-process safety comes from SQLite itself.
type Store struct {
	pool *sqlitex.Pool
}

// Opens (creating if needed) the dataset store at the given path.
func Open(path string) (*Store, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		Flags:    sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL,
		PoolSize: 4,
	})
	if err != nil {
		return nil, fmt.Errorf("Opening dataset store %s: %s", path, err.Error())
	}
	store := &Store{pool: pool}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer pool.Put(conn)
	if err = sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Initializing dataset store schema: %s", err.Error())
	}
	return store, nil
}

// closes the store, releasing its connections
func (s *Store) Close() error {
	return s.pool.Close()
}

// This type describes a partial update to a dataset record. Nil fields are
// left untouched. Status is deliberately absent: status changes go through
// ConditionalUpdate, Claim, Release, or Cancel.
type Patch struct {
	Name                 *string
	DestinationPath      *string
	Source               *datasets.SourceDescriptor
	BytesTotal           *int64
	BytesUploaded        *int64
	ErrorMessage         *string
	RetryCount           *int
	WorkerId             *string
	ClaimedAt            *time.Time
	JobId                *string
	ConversionParameters *json.RawMessage
	CompletedAt          *time.Time
}

// appends the patch's SET clauses and arguments to the given slices
func (p Patch) apply(clauses []string, args []any) ([]string, []any, error) {
	if p.Name != nil {
		clauses, args = append(clauses, "name = ?"), append(args, *p.Name)
	}
	if p.DestinationPath != nil {
		clauses, args = append(clauses, "destination_path = ?"), append(args, *p.DestinationPath)
	}
	if p.Source != nil {
		descriptor, err := json.Marshal(*p.Source)
		if err != nil {
			return clauses, args, err
		}
		clauses, args = append(clauses, "source = ?"), append(args, string(descriptor))
	}
	if p.BytesTotal != nil {
		clauses, args = append(clauses, "bytes_total = ?"), append(args, *p.BytesTotal)
	}
	if p.BytesUploaded != nil {
		clauses, args = append(clauses, "bytes_uploaded = ?"), append(args, *p.BytesUploaded)
	}
	if p.ErrorMessage != nil {
		clauses, args = append(clauses, "error_message = ?"), append(args, *p.ErrorMessage)
	}
	if p.RetryCount != nil {
		clauses, args = append(clauses, "retry_count = ?"), append(args, *p.RetryCount)
	}
	if p.WorkerId != nil {
		clauses, args = append(clauses, "worker_id = ?"), append(args, *p.WorkerId)
	}
	if p.ClaimedAt != nil {
		clauses, args = append(clauses, "claimed_at = ?"), append(args, timeToMillis(*p.ClaimedAt))
	}
	if p.JobId != nil {
		clauses, args = append(clauses, "job_id = ?"), append(args, *p.JobId)
	}
	if p.ConversionParameters != nil {
		clauses, args = append(clauses, "conversion_parameters = ?"), append(args, string(*p.ConversionParameters))
	}
	if p.CompletedAt != nil {
		clauses, args = append(clauses, "completed_at = ?"), append(args, timeToMillis(*p.CompletedAt))
	}
	return clauses, args, nil
}

// Creates a new dataset record. Fails with AlreadyExistsError on any
// unique-key conflict (uuid, slug, or short_id).
func (s *Store) Create(ctx context.Context, d *datasets.Dataset) error {
	descriptor, err := json.Marshal(d.Source)
	if err != nil {
		return err
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	err = s.execute(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO datasets (uuid, slug, short_id,
			name, owner_email, sensor, source_type, source, destination_path,
			convert_requested, status, bytes_total, bytes_uploaded, error_message,
			retry_count, worker_id, claimed_at, job_id, conversion_parameters,
			tags, folder, team_id, is_public, is_downloadable, created_at,
			updated_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				d.Id.String(), d.Slug, d.ShortId, d.Name, d.OwnerEmail,
				string(d.Sensor), string(d.SourceType), string(descriptor),
				d.DestinationPath, boolToInt(d.ConvertRequested), string(d.Status),
				d.BytesTotal, d.BytesUploaded, d.ErrorMessage, d.RetryCount,
				d.WorkerId, timeToMillis(d.ClaimedAt), d.JobId,
				string(d.ConversionParameters), strings.Join(d.Tags, ","),
				d.Folder, d.TeamId, boolToInt(d.IsPublic),
				boolToInt(d.IsDownloadable), timeToMillis(d.CreatedAt),
				timeToMillis(d.UpdatedAt), timeToMillis(d.CompletedAt),
			}})
	})
	if err != nil {
		code := sqlite.ErrCode(err)
		if code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey {
			return &AlreadyExistsError{Id: d.Id}
		}
	}
	return err
}

// Retrieves a dataset by identifier. The identifier may be a uuid, a slug, a
// short_id, or a job correlation ID; each is tried in turn.
func (s *Store) Get(ctx context.Context, identifier string) (*datasets.Dataset, error) {
	var where string
	var arg any
	if _, err := uuid.Parse(identifier); err == nil {
		where, arg = "uuid = ?", identifier
	} else if shortId, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		where, arg = "short_id = ?", shortId
	} else if strings.HasPrefix(identifier, "upload_") || strings.HasPrefix(identifier, "convert_") {
		where, arg = "job_id = ?", identifier
	} else {
		where, arg = "slug = ?", identifier
	}

	var found *datasets.Dataset
	err := s.execute(ctx, func(conn *sqlite.Conn) error {
		found = nil
		return sqlitex.Execute(conn,
			"SELECT "+datasetColumns+" FROM datasets WHERE "+where,
			&sqlitex.ExecOptions{
				Args: []any{arg},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					d, err := scanDataset(stmt)
					found = d
					return err
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &NotFoundError{Identifier: identifier}
	}
	return found, nil
}

// Applies an unconditional partial update to the dataset with the given
// uuid. The record's updated_at is always advanced.
func (s *Store) Update(ctx context.Context, id uuid.UUID, patch Patch) error {
	clauses, args, err := patch.apply(nil, nil)
	if err != nil {
		return err
	}
	clauses = append(clauses, "updated_at = MAX(?, updated_at + 1)")
	args = append(args, timeToMillis(time.Now()), id.String())

	var changes int
	err = s.execute(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"UPDATE datasets SET "+strings.Join(clauses, ", ")+" WHERE uuid = ?",
			&sqlitex.ExecOptions{Args: args})
		changes = conn.Changes()
		return err
	})
	if err != nil {
		return err
	}
	if changes == 0 {
		return &NotFoundError{Identifier: id.String()}
	}
	return nil
}

// Atomically moves a dataset from an expected status to a new one, applying
// the patch in the same write. This is the sole claim primitive: if the
// record is no longer in the expected status, no write happens and
// StaleError is returned. The transition must be an edge of the state
// machine.
func (s *Store) ConditionalUpdate(ctx context.Context, id uuid.UUID,
	expected, next datasets.Status, patch Patch) error {
	if !datasets.CanTransition(expected, next) {
		return &datasets.InvalidTransitionError{From: expected, To: next}
	}
	return s.guardedUpdate(ctx, id, next, patch, "status = ?", []any{string(expected)})
}

// Atomically claims an unclaimed dataset in the given queued status, moving
// it to the in-flight status and stamping the claim. Losing a claim race
// yields StaleError.
func (s *Store) Claim(ctx context.Context, id uuid.UUID,
	queued, inFlight datasets.Status, workerId string) error {
	if !datasets.CanTransition(queued, inFlight) {
		return &datasets.InvalidTransitionError{From: queued, To: inFlight}
	}
	now := time.Now()
	patch := Patch{WorkerId: &workerId, ClaimedAt: &now}
	return s.guardedUpdate(ctx, id, inFlight, patch,
		"status = ? AND worker_id = ''", []any{string(queued)})
}

// Atomically releases a claim held by the given worker, moving the dataset
// to the target status and clearing the claim stamp. The patch may carry
// retry accounting or error text.
func (s *Store) Release(ctx context.Context, id uuid.UUID,
	from, to datasets.Status, workerId string, patch Patch) error {
	if !datasets.CanTransition(from, to) {
		return &datasets.InvalidTransitionError{From: from, To: to}
	}
	empty := ""
	var zero time.Time
	patch.WorkerId = &empty
	patch.ClaimedAt = &zero
	return s.guardedUpdate(ctx, id, to, patch,
		"status = ? AND worker_id = ?", []any{string(from), workerId})
}

// Cancels a dataset if it is currently in a transitional state. Cancelling
// an already-terminal dataset yields StaleError.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) error {
	var transitional []string
	for _, status := range datasets.AllStatuses {
		if status.Transitional() {
			transitional = append(transitional, "'"+string(status)+"'")
		}
	}
	empty := ""
	var zero time.Time
	patch := Patch{WorkerId: &empty, ClaimedAt: &zero, ErrorMessage: &empty}
	return s.guardedUpdate(ctx, id, datasets.Cancelled, patch,
		"status IN ("+strings.Join(transitional, ", ")+")", nil)
}

// applies a status write plus patch guarded by an arbitrary condition on the
// current row, mapping "no rows changed" to StaleError
func (s *Store) guardedUpdate(ctx context.Context, id uuid.UUID,
	next datasets.Status, patch Patch, guard string, guardArgs []any) error {
	clauses := []string{"status = ?"}
	args := []any{string(next)}
	clauses, args, err := patch.apply(clauses, args)
	if err != nil {
		return err
	}
	clauses = append(clauses, "updated_at = MAX(?, updated_at + 1)")
	args = append(args, timeToMillis(time.Now()), id.String())
	args = append(args, guardArgs...)

	var changes int
	err = s.execute(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"UPDATE datasets SET "+strings.Join(clauses, ", ")+
				" WHERE uuid = ? AND "+guard,
			&sqlitex.ExecOptions{Args: args})
		changes = conn.Changes()
		return err
	})
	if err != nil {
		return err
	}
	if changes == 0 {
		return &StaleError{Id: id, Status: next}
	}
	return nil
}

// Picks one unclaimed candidate in the given status for a worker, preferring
// the least recently updated record so every dataset eventually gets a turn.
// A zero olderThan disables the age filter. Returns nil (and no error) when
// nothing qualifies.
func (s *Store) FindOneByStatus(ctx context.Context, status datasets.Status,
	olderThan time.Duration) (*datasets.Dataset, error) {
	query := "SELECT " + datasetColumns + ` FROM datasets
		WHERE status = ? AND worker_id = ''`
	args := []any{string(status)}
	if olderThan > 0 {
		query += " AND updated_at < ?"
		args = append(args, timeToMillis(time.Now().Add(-olderThan)))
	}
	query += " ORDER BY updated_at ASC LIMIT 1"

	var found *datasets.Dataset
	err := s.execute(ctx, func(conn *sqlite.Conn) error {
		found = nil
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d, err := scanDataset(stmt)
				found = d
				return err
			},
		})
	})
	return found, err
}

// Visits every dataset in the given status whose updated_at is older than
// the cutoff, claimed or not. Used by the staleness reaper.
func (s *Store) ScanByStatus(ctx context.Context, status datasets.Status,
	olderThan time.Time, visit func(*datasets.Dataset) error) error {
	return s.execute(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+datasetColumns+` FROM datasets
				WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`,
			&sqlitex.ExecOptions{
				Args: []any{string(status), timeToMillis(olderThan)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					d, err := scanDataset(stmt)
					if err != nil {
						return err
					}
					return visit(d)
				},
			})
	})
}

// Counts datasets per status, for queue overview reporting.
func (s *Store) CountByStatus(ctx context.Context) (map[datasets.Status]int, error) {
	counts := make(map[datasets.Status]int)
	err := s.execute(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT status, COUNT(*) FROM datasets GROUP BY status",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					status, err := datasets.ParseStatus(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					counts[status] = stmt.ColumnInt(1)
					return nil
				},
			})
	})
	return counts, err
}

// runs a store operation against a pooled connection, retrying transient
// lock contention with bounded backoff before surfacing UnavailableError
func (s *Store) execute(ctx context.Context, op func(conn *sqlite.Conn) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBaseDelay << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var conn *sqlite.Conn
		conn, err = s.pool.Take(ctx)
		if err != nil {
			return err
		}
		err = op(conn)
		s.pool.Put(conn)
		if err == nil {
			return nil
		}
		code := sqlite.ErrCode(err)
		if code != sqlite.ResultBusy && code != sqlite.ResultLocked {
			return err
		}
	}
	return &UnavailableError{Cause: err}
}

// reads a dataset out of a positioned statement (column order matches
// datasetColumns)
func scanDataset(stmt *sqlite.Stmt) (*datasets.Dataset, error) {
	id, err := uuid.Parse(stmt.ColumnText(0))
	if err != nil {
		return nil, err
	}
	sensor, err := datasets.ParseSensor(stmt.ColumnText(5))
	if err != nil {
		return nil, err
	}
	sourceType, err := datasets.ParseSourceType(stmt.ColumnText(6))
	if err != nil {
		return nil, err
	}
	var source datasets.SourceDescriptor
	if err = json.Unmarshal([]byte(stmt.ColumnText(7)), &source); err != nil {
		return nil, err
	}
	status, err := datasets.ParseStatus(stmt.ColumnText(10))
	if err != nil {
		return nil, err
	}

	d := &datasets.Dataset{
		Id:               id,
		Slug:             stmt.ColumnText(1),
		ShortId:          stmt.ColumnInt64(2),
		Name:             stmt.ColumnText(3),
		OwnerEmail:       stmt.ColumnText(4),
		Sensor:           sensor,
		SourceType:       sourceType,
		Source:           source,
		DestinationPath:  stmt.ColumnText(8),
		ConvertRequested: stmt.ColumnInt(9) != 0,
		Status:           status,
		BytesTotal:       stmt.ColumnInt64(11),
		BytesUploaded:    stmt.ColumnInt64(12),
		ErrorMessage:     stmt.ColumnText(13),
		RetryCount:       stmt.ColumnInt(14),
		WorkerId:         stmt.ColumnText(15),
		ClaimedAt:        millisToTime(stmt.ColumnInt64(16)),
		JobId:            stmt.ColumnText(17),
		Folder:           stmt.ColumnText(20),
		TeamId:           stmt.ColumnText(21),
		IsPublic:         stmt.ColumnInt(22) != 0,
		IsDownloadable:   stmt.ColumnInt(23) != 0,
		CreatedAt:        millisToTime(stmt.ColumnInt64(24)),
		UpdatedAt:        millisToTime(stmt.ColumnInt64(25)),
		CompletedAt:      millisToTime(stmt.ColumnInt64(26)),
	}
	if params := stmt.ColumnText(18); params != "" {
		d.ConversionParameters = json.RawMessage(params)
	}
	if tags := stmt.ColumnText(19); tags != "" {
		d.Tags = strings.Split(tags, ",")
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
