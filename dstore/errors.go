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

package dstore

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/scientistcloud/ucp/datasets"
)

// indicates that no record matches the given identifier
type NotFoundError struct {
	Identifier string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("No record found for identifier %s", e.Identifier)
}

// indicates that a record could not be created because one of its unique
// keys (uuid, slug, or short ID) is already taken
type AlreadyExistsError struct {
	Id uuid.UUID
}

func (e AlreadyExistsError) Error() string {
	return fmt.Sprintf("A record conflicting with dataset %s already exists", e.Id.String())
}

// indicates that a guarded write matched no row: the record's status (or
// claim) changed between read and write, so the caller's view is stale
type StaleError struct {
	Id     uuid.UUID
	Status datasets.Status
}

func (e StaleError) Error() string {
	return fmt.Sprintf("Dataset %s was not moved to %s: record changed underneath the caller",
		e.Id.String(), e.Status)
}

// indicates that the store could not be reached because of sustained lock
// contention or connection trouble
type UnavailableError struct {
	Cause error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("Dataset store unavailable: %s", e.Cause.Error())
}
