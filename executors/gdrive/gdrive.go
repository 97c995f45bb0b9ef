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

// Package gdrive implements the upload executor for Google Drive sources,
// using the dataset owner's stored OAuth credential. A source may be a
// single file or a folder, which is walked recursively (shared drives and
// shortcuts included). Google-native documents have no byte representation
// and are exported to office formats instead of downloaded.
package gdrive

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/credentials"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/executors"
)

// number of files fetched concurrently when a folder is transferred
const downloadConcurrency = 4

// the fields we need back from the Drive API for every file
const fileFields = "id, name, mimeType, size, shortcutDetails"

const folderMimeType = "application/vnd.google-apps.folder"
const shortcutMimeType = "application/vnd.google-apps.shortcut"

// export targets for Google-native documents, which can't be downloaded
// as-is
var exportFormats = map[string]struct{ mimeType, extension string }{
	"application/vnd.google-apps.document": {
		"application/pdf", ".pdf"},
	"application/vnd.google-apps.spreadsheet": {
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", ".xlsx"},
	"application/vnd.google-apps.presentation": {
		"application/vnd.openxmlformats-officedocument.presentationml.presentation", ".pptx"},
}

// Registers the Drive executor provider, bound to the given credential
// decoder. Called once at startup, after the dataset store is open.
func Register(decoder *credentials.Decoder) {
	executors.RegisterProvider(datasets.SourceGoogleDrive,
		func() (executors.Executor, error) {
			return &Executor{
				decoder:      decoder,
				clientId:     config.Google.ClientId,
				clientSecret: config.Google.ClientSecret,
				maxFileSize:  config.Jobs.MaxFileSize,
			}, nil
		})
}

type Executor struct {
	decoder      *credentials.Decoder
	clientId     string
	clientSecret string
	maxFileSize  int64
}

// one file scheduled for download, with its path relative to the
// destination directory
type remoteFile struct {
	file     *drive.File
	relative string
}

func (e *Executor) Execute(ctx context.Context, d *datasets.Dataset,
	destinationDir string, progress executors.ProgressFunc) error {
	credential, err := e.decoder.UserCredential(ctx, d.OwnerEmail)
	if err != nil {
		return err
	}
	source := e.decoder.TokenSource(ctx, credential, e.clientId, e.clientSecret)
	service, err := drive.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		return err
	}

	root, err := e.resolve(ctx, service, d.Source.FileId)
	if err != nil {
		return e.mapError(ctx, err, d)
	}

	// walk the source first so the full byte count is known up front
	var files []remoteFile
	if root.MimeType == folderMimeType {
		if files, err = e.walkFolder(ctx, service, root.Id, ""); err != nil {
			return e.mapError(ctx, err, d)
		}
	} else {
		files = []remoteFile{{file: root, relative: sanitize(root.Name)}}
	}

	var total int64
	for _, remote := range files {
		if remote.file.Size > e.maxFileSize {
			return &executors.FileTooLargeError{Size: remote.file.Size, Limit: e.maxFileSize}
		}
		total += remote.file.Size
	}
	if err = progress(0, total); err != nil {
		return err
	}

	// download in parallel, funnelling byte counts through one guarded
	// progress callback
	var mutex sync.Mutex
	var transferred int64
	report := func(n int64) error {
		mutex.Lock()
		defer mutex.Unlock()
		transferred += n
		return progress(transferred, total)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(downloadConcurrency)
	for _, remote := range files {
		remote := remote
		group.Go(func() error {
			return e.download(groupCtx, service, remote,
				filepath.Join(destinationDir, remote.relative), report)
		})
	}
	if err = group.Wait(); err != nil {
		return e.mapError(ctx, err, d)
	}
	return nil
}

// fetches a file's metadata, following shortcuts to their targets
func (e *Executor) resolve(ctx context.Context, service *drive.Service,
	fileId string) (*drive.File, error) {
	for {
		file, err := service.Files.Get(fileId).Context(ctx).
			SupportsAllDrives(true).Fields(fileFields).Do()
		if err != nil {
			return nil, err
		}
		if file.MimeType != shortcutMimeType || file.ShortcutDetails == nil {
			return file, nil
		}
		fileId = file.ShortcutDetails.TargetId
	}
}

// lists a folder recursively, accumulating relative output paths
func (e *Executor) walkFolder(ctx context.Context, service *drive.Service,
	folderId, prefix string) ([]remoteFile, error) {
	var files []remoteFile
	pageToken := ""
	for {
		page, err := service.Files.List().Context(ctx).
			Q("'" + folderId + "' in parents and trashed = false").
			SupportsAllDrives(true).IncludeItemsFromAllDrives(true).
			Fields(googleapi.Field("nextPageToken, files(" + fileFields + ")")).
			PageSize(1000).PageToken(pageToken).Do()
		if err != nil {
			return nil, err
		}
		for _, file := range page.Files {
			if file.MimeType == shortcutMimeType && file.ShortcutDetails != nil {
				if file, err = e.resolve(ctx, service, file.ShortcutDetails.TargetId); err != nil {
					return nil, err
				}
			}
			if file.MimeType == folderMimeType {
				nested, err := e.walkFolder(ctx, service, file.Id,
					filepath.Join(prefix, sanitize(file.Name)))
				if err != nil {
					return nil, err
				}
				files = append(files, nested...)
			} else {
				files = append(files, remoteFile{
					file:     file,
					relative: filepath.Join(prefix, sanitize(file.Name)),
				})
			}
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return files, nil
}

// fetches one file (or exports it, for Google-native documents) into place
func (e *Executor) download(ctx context.Context, service *drive.Service,
	remote remoteFile, destination string, report func(int64) error) error {
	var response *http.Response
	var err error
	if format, native := exportFormats[remote.file.MimeType]; native {
		destination += format.extension
		response, err = service.Files.Export(remote.file.Id, format.mimeType).
			Context(ctx).Download()
	} else {
		response, err = service.Files.Get(remote.file.Id).Context(ctx).
			SupportsAllDrives(true).Download()
	}
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if err = os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destination)
	if err != nil {
		return err
	}

	buffer := make([]byte, 1024*1024)
	var received int64
	for {
		var n int
		n, err = response.Body.Read(buffer)
		if n > 0 {
			if _, writeErr := out.Write(buffer[:n]); writeErr != nil {
				err = writeErr
				break
			}
			received += int64(n)
			if reportErr := report(int64(n)); reportErr != nil {
				err = reportErr
				break
			}
		}
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			break
		}
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destination)
		return err
	}
	// exported documents report no size, so only real files get checked
	if remote.file.Size > 0 && received < remote.file.Size {
		os.Remove(destination)
		return &executors.PartialTransferError{Expected: remote.file.Size, Received: received}
	}
	return nil
}

// translates Drive API and OAuth failures into the executor error taxonomy
func (e *Executor) mapError(ctx context.Context, err error, d *datasets.Dataset) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			// the refresh token is dead; flag it so nobody retries with it
			e.decoder.MarkInvalid(ctx, d.OwnerEmail, "invalid_grant")
			return &executors.CredentialExpiredError{
				Email:   d.OwnerEmail,
				Message: "refresh token rejected (invalid_grant)",
			}
		}
		return &executors.NetworkTransientError{Message: err.Error()}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return &executors.SourceNotFoundError{Source: d.Source.FileId}
		case apiErr.Code == http.StatusUnauthorized:
			return &executors.CredentialExpiredError{
				Email:   d.OwnerEmail,
				Message: apiErr.Message,
			}
		case apiErr.Code == http.StatusForbidden && rateLimited(apiErr):
			return &executors.RateLimitedError{Source: d.Source.FileId}
		case apiErr.Code == http.StatusForbidden:
			return &executors.PermissionDeniedError{Source: d.Source.FileId}
		case apiErr.Code == http.StatusTooManyRequests:
			return &executors.RateLimitedError{Source: d.Source.FileId}
		case apiErr.Code >= 500:
			return &executors.NetworkTransientError{Message: apiErr.Message}
		}
		return err
	}

	if ctx.Err() != nil {
		return err
	}
	switch err.(type) {
	case *executors.PartialTransferError, *executors.FileTooLargeError,
		*credentials.CredentialInvalidError:
		return err
	}
	// anything else at this point is a plain transport failure
	return &executors.NetworkTransientError{Message: err.Error()}
}

// reports whether a 403 is throttling rather than a true denial
func rateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// makes a Drive object name safe to use as a path component
func sanitize(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	if name == "" || name == "." || name == ".." {
		name = "_"
	}
	return name
}
