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

package credentials

import "fmt"

// indicates that a stored token record could not be decrypted
type DecryptionError struct {
	Message string
}

func (e DecryptionError) Error() string {
	return fmt.Sprintf("Couldn't decrypt stored credential: %s", e.Message)
}

// indicates that a user's stored credential cannot be used (flagged invalid
// or empty) and the user must re-authorize
type CredentialInvalidError struct {
	Email  string
	Reason string
}

func (e CredentialInvalidError) Error() string {
	return fmt.Sprintf("Credential for %s is unusable: %s", e.Email, e.Reason)
}
