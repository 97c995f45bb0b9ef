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
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/scientistcloud/ucp/datasets"
)

// how many times we re-roll secondary keys before giving up on ingestion
const maxKeyAttempts = 5

// Creates a dataset record, re-rolling its slug and short ID on unique-key
// collisions. Slugs collide whenever a user reuses a dataset name within a
// year, so the first retry appends a disambiguating suffix.
func (s *Store) CreateWithUniqueKeys(ctx context.Context, d *datasets.Dataset) error {
	baseSlug := d.Slug
	var err error
	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		if attempt > 0 {
			d.Slug = fmt.Sprintf("%s-%s", baseSlug, uuid.NewString()[:4])
			d.ShortId = (d.ShortId + int64(attempt)*7919) % 100000
		}
		err = s.Create(ctx, d)
		var exists *AlreadyExistsError
		if !errors.As(err, &exists) {
			return err
		}
	}
	return err
}
