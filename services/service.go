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

package services

import (
	"context"
	"encoding/json"

	"github.com/scientistcloud/ucp/sessions"
)

// this type encodes a JSON object for responding to root queries
type ServiceInfoResponse struct {
	Name          string `json:"name" example:"ucp" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/docs" doc:"The OpenAPI documentation endpoint"`
}

// a request to enqueue an upload from a cloud or local source (POST)
type UploadRequest struct {
	// user-supplied display name for the dataset
	Name string `json:"name" example:"Coral Reef Scan 7"`
	// email address of the dataset's owner
	OwnerEmail string `json:"owner_email" example:"marie@lab.edu"`
	// file format / instrument classification
	Sensor string `json:"sensor" example:"TIFF"`
	// kind of source the bytes come from
	SourceType string `json:"source_type" example:"s3"`
	// source-type-specific location of the bytes
	Source SourceRequest `json:"source"`
	// whether the uploaded bytes should be converted afterward
	Convert bool `json:"convert"`
	// optional parameters forwarded verbatim to the converter
	ConversionParameters json.RawMessage `json:"conversion_parameters,omitempty"`
	// optional metadata
	Tags           []string `json:"tags,omitempty"`
	Folder         string   `json:"folder,omitempty"`
	TeamId         string   `json:"team_id,omitempty"`
	IsPublic       bool     `json:"is_public,omitempty"`
	IsDownloadable bool     `json:"is_downloadable,omitempty"`
}

// the source-location portion of an upload request; only the fields relevant
// to the request's source type need be given
type SourceRequest struct {
	Path            string `json:"path,omitempty" doc:"local filesystem path (local)"`
	FileId          string `json:"file_id,omitempty" doc:"Google Drive file or folder ID (google_drive)"`
	IsFolder        bool   `json:"is_folder,omitempty" doc:"set if file_id names a folder"`
	Bucket          string `json:"bucket,omitempty" doc:"S3 bucket name (s3)"`
	Key             string `json:"key,omitempty" doc:"S3 object key or prefix (s3)"`
	AccessKeyId     string `json:"access_key_id,omitempty" doc:"S3 access key ID (s3)"`
	SecretAccessKey string `json:"secret_access_key,omitempty" doc:"S3 secret access key (s3)"`
	Region          string `json:"region,omitempty" doc:"S3 region (s3, optional)"`
	Endpoint        string `json:"endpoint,omitempty" doc:"S3-compatible endpoint override (s3, optional)"`
	Url             string `json:"url,omitempty" doc:"HTTP(S) URL to record (url)"`
}

// a response for a newly created dataset (POST)
type DatasetCreatedResponse struct {
	Id      string `json:"id" doc:"the dataset's UUID"`
	Slug    string `json:"slug" doc:"the dataset's human-readable key"`
	ShortId int64  `json:"short_id" doc:"the dataset's compact numeric key"`
	JobId   string `json:"job_id" doc:"the correlation ID for the current phase"`
	Status  string `json:"status" doc:"the dataset's lifecycle status"`
}

// a response for a dataset status request (GET)
type DatasetStatusResponse struct {
	Id              string  `json:"id"`
	Slug            string  `json:"slug"`
	ShortId         int64   `json:"short_id"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	ProgressPercent float64 `json:"progress_percent"`
	BytesTotal      int64   `json:"bytes_total"`
	BytesUploaded   int64   `json:"bytes_uploaded"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	RetryCount      int     `json:"retry_count"`
	JobId           string  `json:"job_id"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	CompletedAt     string  `json:"completed_at,omitempty"`
}

// a request to start a chunked-upload session (POST)
type ChunkedUploadRequest struct {
	// name of the file being uploaded (a bare file name, no directories)
	Filename string `json:"filename" example:"scan.tiff"`
	// total size of the file in bytes
	TotalSize int64 `json:"total_size" example:"1073741824"`
	// hex SHA-256 of the whole file, verified after assembly
	WholeHash string `json:"whole_hash" example:"9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"`
	// the dataset to create once the upload completes
	Dataset sessions.DatasetSpec `json:"dataset"`
}

// a response describing a chunked-upload session (POST, GET)
type SessionResponse struct {
	Id        string `json:"id" doc:"the session's UUID"`
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
	ChunkSize int64  `json:"chunk_size" doc:"the size every chunk but the last must have"`
	NumChunks int    `json:"num_chunks"`
	Received  int    `json:"received" doc:"how many chunks have arrived"`
	Missing   []int  `json:"missing" doc:"indices of chunks not yet received"`
}

// a request to retry a failed dataset (POST)
type RetryRequest struct {
	// the failed phase being retried; must match the dataset's status
	Phase string `json:"phase" enum:"uploading,converting" example:"uploading"`
}

// a response summarizing the pipeline's queues (GET)
type QueueResponse struct {
	// dataset counts keyed by lifecycle status
	Counts map[string]int `json:"counts"`
	// total number of dataset records
	Total int `json:"total"`
}

// PipelineService defines the interface for the upload pipeline's HTTP
// surface.
type PipelineService interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}
