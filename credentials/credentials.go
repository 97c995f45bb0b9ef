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

// Package credentials decrypts per-user OAuth material stored by the account
// service. Tokens are kept at rest as base64-wrapped AES-256-CBC records
// whose key and IV derive from two process-scoped secrets, so this decoder
// must match the account service's encoder exactly.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/scientistcloud/ucp/dstore"
)

// This type decrypts stored credential profiles and hands out usable OAuth
// tokens. It is safe for concurrent use.
type Decoder struct {
	store *dstore.Store
	key   []byte // AES-256 key: SHA-256 of the secret key
	iv    []byte // CBC IV: first 16 bytes of the SHA-256 of the secret IV
}

// A decrypted, ready-to-use credential for one user.
type Credential struct {
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Creates a decoder bound to the given store and secret pair.
func NewDecoder(store *dstore.Store, secretKey, secretIv string) *Decoder {
	key := sha256.Sum256([]byte(secretKey))
	iv := sha256.Sum256([]byte(secretIv))
	return &Decoder{
		store: store,
		key:   key[:],
		iv:    iv[:aes.BlockSize],
	}
}

// Decrypts a single stored token record.
func (d *Decoder) Decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptionError{Message: "not valid base64"}
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", &DecryptionError{Message: "ciphertext is not a whole number of blocks"}
	}
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, d.iv).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext)
}

// Encrypts a token record the way the account service does. The pipeline
// itself only decrypts; this exists so credential round-trips can be
// exercised without the account service.
func (d *Decoder) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", err
	}
	padded := pad([]byte(plaintext))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, d.iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Looks up and decrypts the credential for the given user. A profile whose
// refresh token has been flagged invalid is rejected up front so callers
// don't burn retries on a token that can only fail.
func (d *Decoder) UserCredential(ctx context.Context, email string) (*Credential, error) {
	profile, err := d.store.LookupProfile(ctx, email)
	if err != nil {
		return nil, err
	}
	if profile.RefreshInvalid {
		return nil, &CredentialInvalidError{Email: email, Reason: profile.TokenError}
	}

	credential := &Credential{Email: email, ExpiresAt: profile.TokenExpiresAt}
	if profile.AccessToken != "" {
		if credential.AccessToken, err = d.Decrypt(profile.AccessToken); err != nil {
			return nil, err
		}
	}
	if profile.RefreshToken != "" {
		if credential.RefreshToken, err = d.Decrypt(profile.RefreshToken); err != nil {
			return nil, err
		}
	}
	if credential.AccessToken == "" && credential.RefreshToken == "" {
		return nil, &CredentialInvalidError{Email: email, Reason: "no tokens on file"}
	}
	return credential, nil
}

// Flags the user's stored refresh token as invalid. Called by executors when
// an OAuth refresh comes back invalid_grant.
func (d *Decoder) MarkInvalid(ctx context.Context, email, reason string) error {
	return d.store.MarkTokenInvalid(ctx, email, reason)
}

// Builds an oauth2 token source for the credential, backed by the given
// Google OAuth client, so expired access tokens get refreshed transparently.
func (d *Decoder) TokenSource(ctx context.Context, credential *Credential,
	clientId, clientSecret string) oauth2.TokenSource {
	conf := &oauth2.Config{
		ClientID:     clientId,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
	}
	token := &oauth2.Token{
		AccessToken:  credential.AccessToken,
		RefreshToken: credential.RefreshToken,
		Expiry:       credential.ExpiresAt,
	}
	return conf.TokenSource(ctx, token)
}

// applies PKCS7 padding
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// strips and checks PKCS7 padding
func unpad(data []byte) (string, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return "", &DecryptionError{Message: "bad padding (wrong secrets?)"}
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return "", &DecryptionError{Message: "bad padding (wrong secrets?)"}
		}
	}
	return string(data[:len(data)-n]), nil
}
