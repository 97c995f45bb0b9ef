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

package datasets

// the lifecycle status of a dataset
type Status string

const (
	Submitted        Status = "submitted"
	Uploading        Status = "uploading"
	UploadingFailed  Status = "uploading_failed"
	ConversionQueued Status = "conversion_queued"
	Converting       Status = "converting"
	ConversionFailed Status = "conversion_failed"
	Done             Status = "done"
	Cancelled        Status = "cancelled"
)

var AllStatuses = []Status{
	Submitted, Uploading, UploadingFailed, ConversionQueued,
	Converting, ConversionFailed, Done, Cancelled,
}

// parses a status from its string form
func ParseStatus(s string) (Status, error) {
	for _, status := range AllStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", &InvalidStatusError{Value: s}
}

// per-phase retry budget; a failed phase is retried this many times across
// runs before the dataset lands in its failed status
const MaxRetries = 3

// legal status transitions: target states keyed by source state. The
// uploading -> uploading self-edge is the claim release after a transient
// failure (retry by another worker). Cancellation from any transitional
// state is handled by CanTransition rather than listed here.
var transitions = map[Status][]Status{
	Submitted:        {Uploading},
	Uploading:        {Uploading, ConversionQueued, Done, UploadingFailed},
	UploadingFailed:  {Uploading},
	ConversionQueued: {Converting},
	Converting:       {Done, ConversionFailed, ConversionQueued},
	ConversionFailed: {ConversionQueued},
}

// returns true if the status is terminal. UploadingFailed and
// ConversionFailed are re-enterable through a manual retry but are otherwise
// terminal: no scheduler picks them up.
func (s Status) Terminal() bool {
	switch s {
	case Done, Cancelled, UploadingFailed, ConversionFailed:
		return true
	}
	return false
}

// returns true if the status is transitional, i.e. a scheduler or executor
// may currently be working toward the next state
func (s Status) Transitional() bool {
	return !s.Terminal()
}

// reports whether moving a dataset from one status to another follows an
// edge of the state machine
func CanTransition(from, to Status) bool {
	if to == Cancelled {
		return from.Transitional()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// returns the queued status a failed phase is reset to on manual retry
func RetryTarget(failed Status) (Status, bool) {
	switch failed {
	case UploadingFailed:
		return Uploading, true
	case ConversionFailed:
		return ConversionQueued, true
	}
	return "", false
}
