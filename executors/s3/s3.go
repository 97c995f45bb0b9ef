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

// Package s3 implements the upload executor for S3 sources, using the
// short-lived credentials embedded in the dataset's source descriptor. The
// key may name a single object or a prefix, in which case every object under
// it is fetched. S3-compatible stores are reachable through the descriptor's
// endpoint override.
package s3

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/executors"
)

const defaultRegion = "us-east-1"

func init() {
	executors.RegisterProvider(datasets.SourceS3,
		func() (executors.Executor, error) {
			return &Executor{maxFileSize: config.Jobs.MaxFileSize}, nil
		})
}

type Executor struct {
	maxFileSize int64
}

// one object scheduled for download
type remoteObject struct {
	key  string
	size int64
}

func (e *Executor) Execute(ctx context.Context, d *datasets.Dataset,
	destinationDir string, progress executors.ProgressFunc) error {
	client, err := e.newClient(ctx, &d.Source)
	if err != nil {
		return err
	}

	objects, prefix, err := e.listSource(ctx, client, &d.Source)
	if err != nil {
		return e.mapError(err, &d.Source)
	}
	if len(objects) == 0 {
		return &executors.SourceNotFoundError{Source: d.Source.Bucket + "/" + d.Source.Key}
	}

	var total int64
	for _, object := range objects {
		if object.size > e.maxFileSize {
			return &executors.FileTooLargeError{Size: object.size, Limit: e.maxFileSize}
		}
		total += object.size
	}
	if err = progress(0, total); err != nil {
		return err
	}

	var mutex sync.Mutex
	var transferred int64
	downloader := manager.NewDownloader(client)
	for _, object := range objects {
		relative := strings.TrimPrefix(object.key, prefix)
		relative = strings.TrimPrefix(relative, "/")
		if relative == "" {
			relative = filepath.Base(object.key)
		}
		destination := filepath.Join(destinationDir, filepath.FromSlash(relative))
		if err = os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
			return err
		}
		out, err := os.Create(destination)
		if err != nil {
			return err
		}

		// the downloader writes ranges concurrently, so the counting writer
		// guards its progress reports
		counter := &countingWriterAt{
			writer: out,
			report: func(n int64) error {
				mutex.Lock()
				defer mutex.Unlock()
				transferred += n
				return progress(transferred, total)
			},
		}
		received, err := downloader.Download(ctx, counter, &s3.GetObjectInput{
			Bucket: aws.String(d.Source.Bucket),
			Key:    aws.String(object.key),
		})
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(destination)
			return e.mapError(err, &d.Source)
		}
		if received < object.size {
			os.Remove(destination)
			return &executors.PartialTransferError{Expected: object.size, Received: received}
		}
	}
	return nil
}

// builds an S3 client from the descriptor's embedded credentials
func (e *Executor) newClient(ctx context.Context, source *datasets.SourceDescriptor) (*s3.Client, error) {
	region := source.Region
	if region == "" {
		region = defaultRegion
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion(region),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			source.AccessKeyId, source.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if source.Endpoint != "" {
			o.BaseEndpoint = aws.String(source.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// resolves the descriptor's key to the set of objects it names: itself if it
// heads as an object, otherwise everything under it as a prefix
func (e *Executor) listSource(ctx context.Context, client *s3.Client,
	source *datasets.SourceDescriptor) ([]remoteObject, string, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(source.Bucket),
		Key:    aws.String(source.Key),
	})
	if err == nil {
		return []remoteObject{{key: source.Key, size: aws.ToInt64(head.ContentLength)}},
			"", nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return nil, "", err
	}

	prefix := strings.TrimSuffix(source.Key, "/")
	var objects []remoteObject
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(source.Bucket),
		Prefix: aws.String(prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, "", err
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if strings.HasSuffix(key, "/") {
				continue // directory placeholder
			}
			objects = append(objects, remoteObject{key: key, size: aws.ToInt64(object.Size)})
		}
	}
	return objects, prefix, nil
}

// translates S3 API failures into the executor error taxonomy
func (e *Executor) mapError(err error, source *datasets.SourceDescriptor) error {
	name := source.Bucket + "/" + source.Key

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return &executors.SourceNotFoundError{Source: name}
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "InvalidToken":
			return &executors.PermissionDeniedError{Source: name}
		case "SlowDown", "RequestLimitExceeded", "Throttling", "TooManyRequests":
			return &executors.RateLimitedError{Source: name}
		case "InternalError", "ServiceUnavailable":
			return &executors.NetworkTransientError{Message: err.Error()}
		}
		return err
	}

	switch err.(type) {
	case *executors.PartialTransferError, *executors.FileTooLargeError:
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &executors.NetworkTransientError{Message: err.Error()}
}
