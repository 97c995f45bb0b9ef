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

package executors

import (
	"errors"
	"fmt"

	"github.com/scientistcloud/ucp/datasets"
)

// indicates that no executor is registered for a source type
type NoExecutorError struct {
	SourceType datasets.SourceType
}

func (e NoExecutorError) Error() string {
	return fmt.Sprintf("No executor is registered for source type %s", e.SourceType)
}

// indicates that the user's credential was rejected by the source and cannot
// be refreshed; the user must re-authorize, so retrying is pointless
type CredentialExpiredError struct {
	Email   string
	Message string
}

func (e CredentialExpiredError) Error() string {
	return fmt.Sprintf("Credential for %s rejected by the source: %s", e.Email, e.Message)
}

// indicates that the source object doesn't exist (deleted, bad ID, bad path)
type SourceNotFoundError struct {
	Source string
}

func (e SourceNotFoundError) Error() string {
	return fmt.Sprintf("Source not found: %s", e.Source)
}

// indicates that the credential is valid but lacks access to the source
type PermissionDeniedError struct {
	Source string
}

func (e PermissionDeniedError) Error() string {
	return fmt.Sprintf("Permission denied reading source: %s", e.Source)
}

// indicates a transient network or service failure worth retrying
type NetworkTransientError struct {
	Message string
}

func (e NetworkTransientError) Error() string {
	return fmt.Sprintf("Transient transfer failure: %s", e.Message)
}

// indicates that the source is throttling us
type RateLimitedError struct {
	Source string
}

func (e RateLimitedError) Error() string {
	return fmt.Sprintf("Rate limited by source: %s", e.Source)
}

// indicates that a transfer ended with fewer bytes than the source promised
type PartialTransferError struct {
	Expected, Received int64
}

func (e PartialTransferError) Error() string {
	return fmt.Sprintf("Partial transfer: received %d of %d bytes", e.Received, e.Expected)
}

// indicates that a file exceeds the configured single-file size limit
type FileTooLargeError struct {
	Size, Limit int64
}

func (e FileTooLargeError) Error() string {
	return fmt.Sprintf("File of %d bytes exceeds the %d byte limit", e.Size, e.Limit)
}

// Reports whether a failed transfer is worth another attempt. Credential,
// permission, and not-found failures are final; network hiccups, rate
// limits, and short reads are not.
func Retriable(err error) bool {
	var network *NetworkTransientError
	var rateLimited *RateLimitedError
	var partial *PartialTransferError
	return errors.As(err, &network) || errors.As(err, &rateLimited) ||
		errors.As(err, &partial)
}
