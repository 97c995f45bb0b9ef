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

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scientistcloud/ucp/dstore"
)

var testDir string

func setup() {
	var err error
	testDir, err = os.MkdirTemp(os.TempDir(), "ucp-credentials-")
	if err != nil {
		panic(err)
	}
}

func breakdown() {
	if testDir != "" {
		os.RemoveAll(testDir)
	}
}

func TestMain(m *testing.M) {
	setup()
	status := m.Run()
	breakdown()
	os.Exit(status)
}

func openTestStore(t *testing.T) *dstore.Store {
	store, err := dstore.Open(filepath.Join(testDir, t.Name()+".db"))
	assert.Nil(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	assert := assert.New(t)
	decoder := NewDecoder(nil, "test-secret-key", "test-secret-iv")

	for _, plaintext := range []string{
		"x",
		"ya29.a0AfB_byCshortlivedaccesstoken",
		"a token exactly one block loooong",
	} {
		encoded, err := decoder.Encrypt(plaintext)
		assert.Nil(err)
		decoded, err := decoder.Decrypt(encoded)
		assert.Nil(err)
		assert.Equal(plaintext, decoded)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	assert := assert.New(t)
	decoder := NewDecoder(nil, "test-secret-key", "test-secret-iv")

	_, err := decoder.Decrypt("not base64 at all!")
	assert.NotNil(err)
	assert.IsType(&DecryptionError{}, err)

	// valid base64, wrong block length
	_, err = decoder.Decrypt("YWJj")
	assert.NotNil(err)
	assert.IsType(&DecryptionError{}, err)
}

func TestDecryptWithWrongSecrets(t *testing.T) {
	assert := assert.New(t)
	encoder := NewDecoder(nil, "the-right-key", "the-right-iv")
	decoder := NewDecoder(nil, "the-wrong-key", "the-right-iv")

	encoded, err := encoder.Encrypt("a refresh token")
	assert.Nil(err)
	decoded, err := decoder.Decrypt(encoded)
	if err == nil {
		// padding can survive a wrong key by chance, but the plaintext won't
		assert.NotEqual("a refresh token", decoded)
	} else {
		assert.IsType(&DecryptionError{}, err)
	}
}

func TestUserCredential(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	decoder := NewDecoder(store, "test-secret-key", "test-secret-iv")

	access, err := decoder.Encrypt("access-token-plaintext")
	assert.Nil(err)
	refresh, err := decoder.Encrypt("refresh-token-plaintext")
	assert.Nil(err)
	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	assert.Nil(store.SaveProfile(ctx, &dstore.Profile{
		Email:          "marie@lab.edu",
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: expires,
	}))

	credential, err := decoder.UserCredential(ctx, "marie@lab.edu")
	assert.Nil(err)
	assert.Equal("access-token-plaintext", credential.AccessToken)
	assert.Equal("refresh-token-plaintext", credential.RefreshToken)
	assert.Equal(expires.UnixMilli(), credential.ExpiresAt.UnixMilli())

	// an unknown user
	_, err = decoder.UserCredential(ctx, "nobody@lab.edu")
	assert.NotNil(err)
	assert.IsType(&dstore.NotFoundError{}, err)

	// a flagged profile is rejected without decryption
	assert.Nil(decoder.MarkInvalid(ctx, "marie@lab.edu", "invalid_grant"))
	_, err = decoder.UserCredential(ctx, "marie@lab.edu")
	assert.NotNil(err)
	assert.IsType(&CredentialInvalidError{}, err)
}

func TestUserCredentialWithoutTokens(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	ctx := context.Background()
	decoder := NewDecoder(store, "test-secret-key", "test-secret-iv")

	assert.Nil(store.SaveProfile(ctx, &dstore.Profile{Email: "empty@lab.edu"}))
	_, err := decoder.UserCredential(ctx, "empty@lab.edu")
	assert.NotNil(err)
	assert.IsType(&CredentialInvalidError{}, err)
}
