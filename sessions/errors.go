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

import "fmt"

// indicates that no session has the given ID (it never existed, was
// completed, was cancelled, or expired)
type SessionNotFoundError struct {
	Id string
}

func (e SessionNotFoundError) Error() string {
	return fmt.Sprintf("No upload session with ID %s", e.Id)
}

// indicates that a session could not be started with the given parameters
type InvalidSessionError struct {
	Message string
}

func (e InvalidSessionError) Error() string {
	return fmt.Sprintf("Invalid upload session: %s", e.Message)
}

// indicates a chunk index outside the session's range
type ChunkOutOfRangeError struct {
	Index, NumChunks int
}

func (e ChunkOutOfRangeError) Error() string {
	return fmt.Sprintf("Chunk index %d is out of range (session has %d chunks)",
		e.Index, e.NumChunks)
}

// indicates that a received chunk's bytes don't match the checksum the
// client sent with them
type ChunkChecksumError struct {
	Index              int
	Expected, Received string
}

func (e ChunkChecksumError) Error() string {
	return fmt.Sprintf("Chunk %d checksum mismatch: expected %s, got %s",
		e.Index, e.Expected, e.Received)
}

// indicates a completion attempt while chunks are still missing
type SessionIncompleteError struct {
	Missing []int
}

func (e SessionIncompleteError) Error() string {
	return fmt.Sprintf("Session is missing %d chunk(s)", len(e.Missing))
}

// indicates that the assembled file failed verification
type FileChecksumError struct {
	Message string
}

func (e FileChecksumError) Error() string {
	return fmt.Sprintf("Assembled file failed verification: %s", e.Message)
}
