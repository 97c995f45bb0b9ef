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

// Package datasets defines the dataset record tracked by the upload and
// conversion pipeline, along with its status state machine. The persisted
// status of a dataset is the work queue: there is no separate jobs table, and
// workers discover and claim work purely through status values.
package datasets

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// the file format / instrument classification of a dataset, which selects
// the converter that runs on it
type Sensor string

const (
	SensorIDX     Sensor = "IDX"
	SensorTIFF    Sensor = "TIFF"
	SensorTIFFRGB Sensor = "TIFF_RGB"
	SensorNETCDF  Sensor = "NETCDF"
	SensorHDF5    Sensor = "HDF5"
	SensorNEXUS4D Sensor = "NEXUS_4D"
	SensorRGB     Sensor = "RGB"
	SensorMAPIR   Sensor = "MAPIR"
	SensorOther   Sensor = "OTHER"
)

// all recognized sensors, in no particular order
var AllSensors = []Sensor{
	SensorIDX, SensorTIFF, SensorTIFFRGB, SensorNETCDF, SensorHDF5,
	SensorNEXUS4D, SensorRGB, SensorMAPIR, SensorOther,
}

// parses a sensor from its string form
func ParseSensor(s string) (Sensor, error) {
	for _, sensor := range AllSensors {
		if string(sensor) == s {
			return sensor, nil
		}
	}
	return "", &InvalidSensorError{Value: s}
}

// the kind of source a dataset is ingested from, which selects the transfer
// executor that runs on it
type SourceType string

const (
	SourceLocal       SourceType = "local"
	SourceGoogleDrive SourceType = "google_drive"
	SourceS3          SourceType = "s3"
	SourceURL         SourceType = "url"
)

var AllSourceTypes = []SourceType{
	SourceLocal, SourceGoogleDrive, SourceS3, SourceURL,
}

// parses a source type from its string form
func ParseSourceType(s string) (SourceType, error) {
	for _, sourceType := range AllSourceTypes {
		if string(sourceType) == s {
			return sourceType, nil
		}
	}
	return "", &InvalidSourceTypeError{Value: s}
}

// This type describes where a dataset's bytes come from. It is a tagged
// variant keyed by the dataset's source type: only the fields relevant to
// that source type are set, and Validate enforces this. The descriptor is
// opaque to the store, the state machine, and the reaper.
type SourceDescriptor struct {
	// local filesystem path (LOCAL)
	Path string `json:"path,omitempty"`
	// Google Drive file or folder ID (GOOGLE_DRIVE)
	FileId string `json:"file_id,omitempty"`
	// set if FileId names a folder to be mirrored recursively
	IsFolder bool `json:"is_folder,omitempty"`
	// S3 bucket, object key (or prefix), and embedded credentials (S3)
	Bucket          string `json:"bucket,omitempty"`
	Key             string `json:"key,omitempty"`
	AccessKeyId     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	// optional region and endpoint override for S3-compatible stores
	Region   string `json:"region,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	// HTTP(S) URL recorded in the dataset record, never downloaded (URL)
	Url string `json:"url,omitempty"`
}

// checks that the descriptor carries the fields its source type requires
func (d SourceDescriptor) Validate(sourceType SourceType) error {
	switch sourceType {
	case SourceLocal:
		if d.Path == "" {
			return &InvalidDescriptorError{SourceType: sourceType, Message: "no path given"}
		}
	case SourceGoogleDrive:
		if d.FileId == "" {
			return &InvalidDescriptorError{SourceType: sourceType, Message: "no file ID given"}
		}
	case SourceS3:
		if d.Bucket == "" || d.Key == "" {
			return &InvalidDescriptorError{SourceType: sourceType, Message: "bucket and key are required"}
		}
		if d.AccessKeyId == "" || d.SecretAccessKey == "" {
			return &InvalidDescriptorError{SourceType: sourceType, Message: "access credentials are required"}
		}
	case SourceURL:
		if !strings.HasPrefix(d.Url, "http://") && !strings.HasPrefix(d.Url, "https://") {
			return &InvalidDescriptorError{SourceType: sourceType, Message: "a valid http(s) URL is required"}
		}
	default:
		return &InvalidSourceTypeError{Value: string(sourceType)}
	}
	return nil
}

// This type is the central record of the pipeline: one row per user-submitted
// dataset, tracked from ingestion through conversion. The record's Status
// field doubles as the job queue, and the WorkerId / ClaimedAt pair is the
// claim stamp written by the scheduler that owns the current phase.
type Dataset struct {
	// stable opaque identifier, immutable after creation
	Id uuid.UUID
	// human-readable unique secondary key
	Slug string
	// compact numeric secondary key
	ShortId int64
	// user-supplied display name
	Name string
	// primary owner, used for access checks and credential lookup
	OwnerEmail string
	// file format / instrument classification
	Sensor Sensor
	// where the bytes come from
	SourceType SourceType
	Source     SourceDescriptor
	// absolute staging path the executor writes to (file or directory)
	DestinationPath string
	// whether upload completion leads to conversion or directly to done
	ConvertRequested bool
	// lifecycle status (see the transition table in statemachine.go)
	Status Status
	// progress counters; BytesUploaded never exceeds BytesTotal when the
	// latter is known
	BytesTotal    int64
	BytesUploaded int64
	// last error text when in a failed state
	ErrorMessage string
	// number of retries so far on the current phase
	RetryCount int
	// claim stamp; empty WorkerId means unclaimed
	WorkerId  string
	ClaimedAt time.Time
	// opaque correlation ID for external status lookups, one per phase
	JobId string
	// optional parameters forwarded verbatim to the converter
	ConversionParameters json.RawMessage
	// optional metadata
	Tags           []string
	Folder         string
	TeamId         string
	IsPublic       bool
	IsDownloadable bool
	// timestamps; UpdatedAt is bumped on every status write
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// reports upload progress as a percentage, or 0 if the total is unknown
func (d *Dataset) ProgressPercent() float64 {
	if d.BytesTotal <= 0 {
		if d.Status == Done {
			return 100.0
		}
		return 0.0
	}
	return 100.0 * float64(d.BytesUploaded) / float64(d.BytesTotal)
}

var slugStripPattern = regexp.MustCompile(`[^a-z0-9\s-]`)
var slugSpacePattern = regexp.MustCompile(`\s+`)

// constructs the human-readable slug for a dataset from its display name and
// its owner's email: "<user-prefix>-<cleaned-name>-<year>"
func MakeSlug(name, ownerEmail string, now time.Time) string {
	slug := slugStripPattern.ReplaceAllString(strings.ToLower(name), "")
	slug = slugSpacePattern.ReplaceAllString(strings.TrimSpace(slug), "-")
	userPrefix := strings.ToLower(strings.SplitN(ownerEmail, "@", 2)[0])
	return fmt.Sprintf("%s-%s-%d", userPrefix, slug, now.Year())
}

// constructs a 5-digit numeric secondary key from the given time
func MakeShortId(now time.Time) int64 {
	return now.UnixMilli() % 100000
}

// constructs a job correlation ID for the given phase ("upload" or "convert")
func NewJobId(phase string, now time.Time) string {
	return fmt.Sprintf("%s_%d_%s", phase, now.Unix(), uuid.NewString()[:8])
}
