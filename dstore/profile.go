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
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// This type is a user's stored credential profile. Token fields hold
// encrypted material as written by the account service; decryption is the
// credentials package's job.
type Profile struct {
	Email          string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
	TokenScopes    string
	// set when a refresh attempt came back invalid_grant, meaning the user
	// must re-authorize before any further source access
	RefreshInvalid bool
	TokenError     string
	TokenErrorAt   time.Time
}

// Retrieves the credential profile for the given email address.
func (s *Store) LookupProfile(ctx context.Context, email string) (*Profile, error) {
	var found *Profile
	err := s.execute(ctx, func(conn *sqlite.Conn) error {
		found = nil
		return sqlitex.Execute(conn, `SELECT email, access_token, refresh_token,
			token_expires_at, token_scopes, refresh_invalid, token_error,
			token_error_at FROM user_profile WHERE email = ?`,
			&sqlitex.ExecOptions{
				Args: []any{email},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = &Profile{
						Email:          stmt.ColumnText(0),
						AccessToken:    stmt.ColumnText(1),
						RefreshToken:   stmt.ColumnText(2),
						TokenExpiresAt: millisToTime(stmt.ColumnInt64(3)),
						TokenScopes:    stmt.ColumnText(4),
						RefreshInvalid: stmt.ColumnInt(5) != 0,
						TokenError:     stmt.ColumnText(6),
						TokenErrorAt:   millisToTime(stmt.ColumnInt64(7)),
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &NotFoundError{Identifier: email}
	}
	return found, nil
}

// Inserts or replaces a credential profile.
func (s *Store) SaveProfile(ctx context.Context, p *Profile) error {
	return s.execute(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `INSERT INTO user_profile (email,
			access_token, refresh_token, token_expires_at, token_scopes,
			refresh_invalid, token_error, token_error_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (email) DO UPDATE SET
				access_token = excluded.access_token,
				refresh_token = excluded.refresh_token,
				token_expires_at = excluded.token_expires_at,
				token_scopes = excluded.token_scopes,
				refresh_invalid = excluded.refresh_invalid,
				token_error = excluded.token_error,
				token_error_at = excluded.token_error_at`,
			&sqlitex.ExecOptions{Args: []any{
				p.Email, p.AccessToken, p.RefreshToken,
				timeToMillis(p.TokenExpiresAt), p.TokenScopes,
				boolToInt(p.RefreshInvalid), p.TokenError,
				timeToMillis(p.TokenErrorAt),
			}})
	})
}

// Flags a profile's refresh token as invalid, recording why and when. The
// flag stops workers from hammering the OAuth endpoint with a dead token.
func (s *Store) MarkTokenInvalid(ctx context.Context, email, reason string) error {
	var changes int
	err := s.execute(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE user_profile SET refresh_invalid = 1,
			token_error = ?, token_error_at = ? WHERE email = ?`,
			&sqlitex.ExecOptions{Args: []any{reason, timeToMillis(time.Now()), email}})
		changes = conn.Changes()
		return err
	})
	if err != nil {
		return err
	}
	if changes == 0 {
		return &NotFoundError{Identifier: email}
	}
	return nil
}

// Stores a freshly refreshed access token for a profile and clears any
// previous error flag.
func (s *Store) UpdateProfileToken(ctx context.Context, email, accessToken string,
	expiresAt time.Time) error {
	var changes int
	err := s.execute(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `UPDATE user_profile SET access_token = ?,
			token_expires_at = ?, refresh_invalid = 0, token_error = '',
			token_error_at = 0 WHERE email = ?`,
			&sqlitex.ExecOptions{Args: []any{accessToken,
				timeToMillis(expiresAt), email}})
		changes = conn.Changes()
		return err
	})
	if err != nil {
		return err
	}
	if changes == 0 {
		return &NotFoundError{Identifier: email}
	}
	return nil
}
