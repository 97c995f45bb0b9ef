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

package workers

import "fmt"

// indicates that a scheduler was started twice
type AlreadyRunningError struct{}

func (e AlreadyRunningError) Error() string {
	return "The scheduler is already running"
}

// indicates that a stopped scheduler was stopped (or asked for work)
type NotRunningError struct{}

func (e NotRunningError) Error() string {
	return "The scheduler is not running"
}

// indicates that a dataset's transfer was cancelled through the API while a
// worker was moving its bytes
type TransferCancelledError struct{}

func (e TransferCancelledError) Error() string {
	return "The transfer was cancelled"
}

// indicates that the converter subprocess failed
type ConverterError struct {
	ExitCode int
	Stderr   string
}

func (e ConverterError) Error() string {
	return fmt.Sprintf("Converter exited with status %d: %s", e.ExitCode, e.Stderr)
}

// indicates that a dataset's staged bytes disappeared before conversion;
// retrying cannot help, the upload must be redone
type InputVanishedError struct {
	Path string
}

func (e InputVanishedError) Error() string {
	return fmt.Sprintf("Staged input vanished: %s", e.Path)
}

// indicates that another process holds the lock for a conversion output
// directory
type LockHeldError struct {
	Path string
	Pid  int
}

func (e LockHeldError) Error() string {
	return fmt.Sprintf("Lock %s is held by process %d", e.Path, e.Pid)
}
