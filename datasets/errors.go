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

import "fmt"

// indicates that a string does not name a recognized dataset status
type InvalidStatusError struct {
	Value string
}

func (e InvalidStatusError) Error() string {
	return fmt.Sprintf("Invalid dataset status: %s", e.Value)
}

// indicates that a string does not name a recognized sensor
type InvalidSensorError struct {
	Value string
}

func (e InvalidSensorError) Error() string {
	return fmt.Sprintf("Invalid sensor: %s", e.Value)
}

// indicates that a string does not name a recognized source type
type InvalidSourceTypeError struct {
	Value string
}

func (e InvalidSourceTypeError) Error() string {
	return fmt.Sprintf("Invalid source type: %s", e.Value)
}

// indicates that a source descriptor is missing fields its source type needs
type InvalidDescriptorError struct {
	SourceType SourceType
	Message    string
}

func (e InvalidDescriptorError) Error() string {
	return fmt.Sprintf("Invalid %s source descriptor: %s", e.SourceType, e.Message)
}

// indicates an attempted status transition that is not an edge of the state
// machine
type InvalidTransitionError struct {
	From, To Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("Illegal dataset status transition: %s -> %s", e.From, e.To)
}
