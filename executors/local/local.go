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

// Package local implements the upload executor for sources already on this
// machine's filesystem: server-side staging paths and the assembled output
// of chunked-upload sessions. A whole-tree rename is attempted first; when
// the source must survive or sits on another device, files are streamed.
package local

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/executors"
)

const copyBufferSize = 1024 * 1024

func init() {
	executors.RegisterProvider(datasets.SourceLocal,
		func() (executors.Executor, error) {
			return &Executor{
				maxFileSize: config.Jobs.MaxFileSize,
				scratchDir:  config.Directories.Scratch,
			}, nil
		})
}

type Executor struct {
	maxFileSize int64
	// sources under this directory are consumed: they were staged for this
	// dataset alone and are moved rather than copied
	scratchDir string
}

func (e *Executor) Execute(ctx context.Context, d *datasets.Dataset,
	destinationDir string, progress executors.ProgressFunc) error {
	source := d.Source.Path
	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return &executors.SourceNotFoundError{Source: source}
		}
		if os.IsPermission(err) {
			return &executors.PermissionDeniedError{Source: source}
		}
		return err
	}

	total, err := e.treeSize(source, info)
	if err != nil {
		return err
	}
	if err = progress(0, total); err != nil {
		return err
	}

	// scratch-staged sources are ours alone, so a rename is both safe and
	// instant when the device cooperates
	if e.consumable(source) && e.rename(source, destinationDir, info) == nil {
		return progress(total, total)
	}

	copied := int64(0)
	copyOne := func(path, relative string) error {
		n, err := e.copyFile(ctx, path, filepath.Join(destinationDir, relative),
			copied, total, progress)
		copied += n
		return err
	}
	if !info.IsDir() {
		if err = copyOne(source, info.Name()); err != nil {
			return err
		}
	} else {
		err = filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
			if err != nil || entry.IsDir() {
				return err
			}
			relative, err := filepath.Rel(source, path)
			if err != nil {
				return err
			}
			return copyOne(path, relative)
		})
		if err != nil {
			return err
		}
	}
	if copied != total {
		return &executors.PartialTransferError{Expected: total, Received: copied}
	}
	return progress(total, total)
}

// reports whether the source was staged for this dataset and may be consumed
func (e *Executor) consumable(source string) bool {
	relative, err := filepath.Rel(e.scratchDir, source)
	return err == nil && !strings.HasPrefix(relative, "..")
}

// computes the total byte count of a file or tree, enforcing the single-file
// size limit along the way
func (e *Executor) treeSize(source string, info os.FileInfo) (int64, error) {
	if !info.IsDir() {
		if info.Size() > e.maxFileSize {
			return 0, &executors.FileTooLargeError{Size: info.Size(), Limit: e.maxFileSize}
		}
		return info.Size(), nil
	}
	var total int64
	err := filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		fileInfo, err := entry.Info()
		if err != nil {
			return err
		}
		if fileInfo.Size() > e.maxFileSize {
			return &executors.FileTooLargeError{Size: fileInfo.Size(), Limit: e.maxFileSize}
		}
		total += fileInfo.Size()
		return nil
	})
	return total, err
}

// moves the source wholesale into the destination directory
func (e *Executor) rename(source, destinationDir string, info os.FileInfo) error {
	if err := os.MkdirAll(destinationDir, 0o755); err != nil {
		return err
	}
	if info.IsDir() {
		// move the directory's contents, not the directory itself
		entries, err := os.ReadDir(source)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			err = os.Rename(filepath.Join(source, entry.Name()),
				filepath.Join(destinationDir, entry.Name()))
			if err != nil {
				return err
			}
		}
		return os.Remove(source)
	}
	return os.Rename(source, filepath.Join(destinationDir, info.Name()))
}

// streams one file into place, reporting cumulative progress
func (e *Executor) copyFile(ctx context.Context, source, destination string,
	alreadyCopied, total int64, progress executors.ProgressFunc) (int64, error) {
	in, err := os.Open(source)
	if err != nil {
		if os.IsPermission(err) {
			return 0, &executors.PermissionDeniedError{Source: source}
		}
		return 0, err
	}
	defer in.Close()

	if err = os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(destination)
	if err != nil {
		return 0, err
	}

	var copied int64
	buffer := make([]byte, copyBufferSize)
	for {
		if err = ctx.Err(); err != nil {
			break
		}
		var n int
		n, err = in.Read(buffer)
		if n > 0 {
			if _, writeErr := out.Write(buffer[:n]); writeErr != nil {
				err = writeErr
				break
			}
			copied += int64(n)
			if progressErr := progress(alreadyCopied+copied, total); progressErr != nil {
				err = progressErr
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
	}
	return copied, err
}
