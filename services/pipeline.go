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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/dstore"
	"github.com/scientistcloud/ucp/sessions"
)

// Version numbers
var majorVersion = 1
var minorVersion = 0
var patchVersion = 0

// Version string
var version = fmt.Sprintf("%d.%d.%d", majorVersion, minorVersion, patchVersion)

// This type implements the PipelineService interface, exposing dataset
// ingestion and status tracking over HTTP. All queue state lives in the
// dataset store; the service itself is stateless apart from in-flight
// chunked-upload sessions.
type pipeline struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// time which the service was started
	StartTime time.Time
	// port on which the service currently runs
	Port int
	// router for REST endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server.
	Server *http.Server
	// dataset record store
	Store *dstore.Store
	// chunked-upload session tracker
	Sessions *sessions.Manager
}

// maps a pipeline error to the HTTP status its taxonomy calls for
func apiError(err error) error {
	var notFound *dstore.NotFoundError
	var noSession *sessions.SessionNotFoundError
	if errors.As(err, &notFound) || errors.As(err, &noSession) {
		return huma.Error404NotFound(err.Error())
	}
	var exists *dstore.AlreadyExistsError
	var stale *dstore.StaleError
	var badEdge *datasets.InvalidTransitionError
	if errors.As(err, &exists) || errors.As(err, &stale) || errors.As(err, &badEdge) {
		return huma.Error409Conflict(err.Error())
	}
	var unavailable *dstore.UnavailableError
	if errors.As(err, &unavailable) {
		return huma.Error503ServiceUnavailable(err.Error())
	}
	var badSensor *datasets.InvalidSensorError
	var badSource *datasets.InvalidSourceTypeError
	var badDescriptor *datasets.InvalidDescriptorError
	var badSession *sessions.InvalidSessionError
	var badIndex *sessions.ChunkOutOfRangeError
	var badChunk *sessions.ChunkChecksumError
	var incomplete *sessions.SessionIncompleteError
	var badFile *sessions.FileChecksumError
	if errors.As(err, &badSensor) || errors.As(err, &badSource) ||
		errors.As(err, &badDescriptor) || errors.As(err, &badSession) ||
		errors.As(err, &badIndex) || errors.As(err, &badChunk) ||
		errors.As(err, &incomplete) || errors.As(err, &badFile) {
		return huma.Error422UnprocessableEntity(err.Error())
	}
	return err
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root
func (service *pipeline) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {

	slog.Info("Querying root endpoint...")
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          service.Name,
			Version:       service.Version,
			Uptime:        int(service.uptime()),
			Documentation: "/docs",
		},
	}, nil
}

type DatasetCreatedOutput struct {
	Body   DatasetCreatedResponse `doc:"Identifiers for the newly created dataset"`
	Status int
}

// handler method for enqueueing an upload from a cloud or local source
func (service *pipeline) createUpload(ctx context.Context,
	input *struct {
		Body        UploadRequest `doc:"The body of a POST request for a new upload"`
		ContentType string        `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*DatasetCreatedOutput, error) {

	sensor, err := datasets.ParseSensor(input.Body.Sensor)
	if err != nil {
		return nil, apiError(err)
	}
	sourceType, err := datasets.ParseSourceType(input.Body.SourceType)
	if err != nil {
		return nil, apiError(err)
	}
	source := datasets.SourceDescriptor{
		Path:            input.Body.Source.Path,
		FileId:          input.Body.Source.FileId,
		IsFolder:        input.Body.Source.IsFolder,
		Bucket:          input.Body.Source.Bucket,
		Key:             input.Body.Source.Key,
		AccessKeyId:     input.Body.Source.AccessKeyId,
		SecretAccessKey: input.Body.Source.SecretAccessKey,
		Region:          input.Body.Source.Region,
		Endpoint:        input.Body.Source.Endpoint,
		Url:             input.Body.Source.Url,
	}
	if err = source.Validate(sourceType); err != nil {
		return nil, apiError(err)
	}

	now := time.Now()
	d := &datasets.Dataset{
		Id:                   uuid.New(),
		Slug:                 datasets.MakeSlug(input.Body.Name, input.Body.OwnerEmail, now),
		ShortId:              datasets.MakeShortId(now),
		Name:                 input.Body.Name,
		OwnerEmail:           input.Body.OwnerEmail,
		Sensor:               sensor,
		SourceType:           sourceType,
		Source:               source,
		ConvertRequested:     input.Body.Convert,
		Status:               datasets.Submitted,
		JobId:                datasets.NewJobId("upload", now),
		ConversionParameters: input.Body.ConversionParameters,
		Tags:                 input.Body.Tags,
		Folder:               input.Body.Folder,
		TeamId:               input.Body.TeamId,
		IsPublic:             input.Body.IsPublic,
		IsDownloadable:       input.Body.IsDownloadable,
	}
	if err = service.Store.CreateWithUniqueKeys(ctx, d); err != nil {
		return nil, apiError(err)
	}

	slog.Info(fmt.Sprintf("Dataset %s: submitted (%s source, sensor %s)",
		d.Id.String(), sourceType, sensor))
	return &DatasetCreatedOutput{
		Body: DatasetCreatedResponse{
			Id:      d.Id.String(),
			Slug:    d.Slug,
			ShortId: d.ShortId,
			JobId:   d.JobId,
			Status:  string(d.Status),
		},
		Status: http.StatusCreated,
	}, nil
}

type SessionOutput struct {
	Body   SessionResponse `doc:"The state of a chunked-upload session"`
	Status int
}

// builds the wire representation of a session
func sessionResponse(session *sessions.Session) SessionResponse {
	missing := session.Missing()
	if missing == nil {
		missing = []int{}
	}
	return SessionResponse{
		Id:        session.Id,
		Filename:  session.Filename,
		TotalSize: session.TotalSize,
		ChunkSize: session.ChunkSize,
		NumChunks: session.NumChunks,
		Received:  len(session.Received),
		Missing:   missing,
	}
}

// handler method for starting a chunked-upload session
func (service *pipeline) initiateSession(ctx context.Context,
	input *struct {
		Body        ChunkedUploadRequest `doc:"The body of a POST request for a chunked upload"`
		ContentType string               `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*SessionOutput, error) {

	if input.Body.TotalSize > config.Jobs.MaxFileSize {
		return nil, huma.NewError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File size %d exceeds the %d byte limit",
				input.Body.TotalSize, config.Jobs.MaxFileSize))
	}
	session, err := service.Sessions.Initiate(input.Body.Filename,
		input.Body.TotalSize, input.Body.WholeHash, input.Body.Dataset)
	if err != nil {
		return nil, apiError(err)
	}

	slog.Info(fmt.Sprintf("Session %s: chunked upload of %s started (%d chunks)",
		session.Id, session.Filename, session.NumChunks))
	return &SessionOutput{
		Body:   sessionResponse(session),
		Status: http.StatusCreated,
	}, nil
}

type ChunkReceivedOutput struct {
	Status int
}

// handler method for receiving one chunk of a chunked upload
func (service *pipeline) receiveChunk(ctx context.Context,
	input *struct {
		Id       string `path:"id" doc:"the UUID of the upload session"`
		Index    int    `path:"index" example:"0" doc:"the zero-based index of the chunk"`
		Checksum string `query:"checksum" doc:"(Optional) hex SHA-256 of the chunk's bytes"`
		RawBody  []byte `contentType:"application/octet-stream" doc:"the chunk's bytes"`
	}) (*ChunkReceivedOutput, error) {

	err := service.Sessions.ReceiveChunk(input.Id, input.Index, input.Checksum,
		bytes.NewReader(input.RawBody))
	if err != nil {
		return nil, apiError(err)
	}
	return &ChunkReceivedOutput{Status: http.StatusNoContent}, nil
}

// handler method for querying a chunked-upload session (used by clients to
// resume an interrupted upload)
func (service *pipeline) getSession(ctx context.Context,
	input *struct {
		Id string `path:"id" doc:"the UUID of the upload session"`
	}) (*SessionOutput, error) {

	session, err := service.Sessions.Status(input.Id)
	if err != nil {
		return nil, apiError(err)
	}
	return &SessionOutput{
		Body:   sessionResponse(session),
		Status: http.StatusOK,
	}, nil
}

// handler method for completing a chunked-upload session; the assembled file
// is verified against the hash declared at initiation
func (service *pipeline) completeSession(ctx context.Context,
	input *struct {
		Id string `path:"id" doc:"the UUID of the upload session"`
	}) (*DatasetCreatedOutput, error) {

	d, err := service.Sessions.Complete(ctx, input.Id)
	if err != nil {
		return nil, apiError(err)
	}

	slog.Info(fmt.Sprintf("Session %s: completed, dataset %s submitted",
		input.Id, d.Id.String()))
	return &DatasetCreatedOutput{
		Body: DatasetCreatedResponse{
			Id:      d.Id.String(),
			Slug:    d.Slug,
			ShortId: d.ShortId,
			JobId:   d.JobId,
			Status:  string(d.Status),
		},
		Status: http.StatusCreated,
	}, nil
}

type SessionDeletionOutput struct {
	Status int
}

// handler method for abandoning a chunked-upload session
func (service *pipeline) cancelSession(ctx context.Context,
	input *struct {
		Id string `path:"id" doc:"the UUID of the upload session"`
	}) (*SessionDeletionOutput, error) {

	if err := service.Sessions.Cancel(input.Id); err != nil {
		return nil, apiError(err)
	}
	slog.Info(fmt.Sprintf("Session %s: cancelled", input.Id))
	return &SessionDeletionOutput{Status: http.StatusNoContent}, nil
}

// builds the wire representation of a dataset's status
func statusResponse(d *datasets.Dataset) DatasetStatusResponse {
	return DatasetStatusResponse{
		Id:              d.Id.String(),
		Slug:            d.Slug,
		ShortId:         d.ShortId,
		Name:            d.Name,
		Status:          string(d.Status),
		ProgressPercent: d.ProgressPercent(),
		BytesTotal:      d.BytesTotal,
		BytesUploaded:   d.BytesUploaded,
		ErrorMessage:    d.ErrorMessage,
		RetryCount:      d.RetryCount,
		JobId:           d.JobId,
		CreatedAt:       formatTime(d.CreatedAt),
		UpdatedAt:       formatTime(d.UpdatedAt),
		CompletedAt:     formatTime(d.CompletedAt),
	}
}

// formats a timestamp for responses; the zero time becomes an empty string
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type DatasetStatusOutput struct {
	Body DatasetStatusResponse `doc:"A status message for the dataset with the given identifier"`
}

// handler method for getting the status of a dataset; the identifier may be
// a UUID, a slug, a short ID, or a job correlation ID
func (service *pipeline) getDatasetStatus(ctx context.Context,
	input *struct {
		Id string `path:"id" example:"de9a2d6a-f5c9-4322-b8a7-8121d83fdfc2" doc:"any identifier for the dataset"`
	}) (*DatasetStatusOutput, error) {

	d, err := service.Store.Get(ctx, input.Id)
	if err != nil {
		return nil, apiError(err)
	}
	return &DatasetStatusOutput{Body: statusResponse(d)}, nil
}

type DatasetCancellationOutput struct {
	Status int
}

// handler method for cancelling an in-flight dataset
func (service *pipeline) cancelDataset(ctx context.Context,
	input *struct {
		Id string `path:"id" doc:"any identifier for the dataset"`
	}) (*DatasetCancellationOutput, error) {

	d, err := service.Store.Get(ctx, input.Id)
	if err != nil {
		return nil, apiError(err)
	}
	if err = service.Store.Cancel(ctx, d.Id); err != nil {
		return nil, apiError(err)
	}
	slog.Info(fmt.Sprintf("Dataset %s: cancelled", d.Id.String()))
	return &DatasetCancellationOutput{Status: http.StatusAccepted}, nil
}

// handler method for manually retrying a failed dataset: the named failed
// phase is requeued with a fresh retry budget and a new job ID
func (service *pipeline) retryDataset(ctx context.Context,
	input *struct {
		Id          string       `path:"id" doc:"any identifier for the dataset"`
		Body        RetryRequest `doc:"The body of a POST request retrying a failed dataset"`
		ContentType string       `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*DatasetStatusOutput, error) {

	d, err := service.Store.Get(ctx, input.Id)
	if err != nil {
		return nil, apiError(err)
	}
	target, ok := datasets.RetryTarget(d.Status)
	if !ok {
		return nil, huma.Error409Conflict(
			fmt.Sprintf("Dataset %s is %s and cannot be retried", d.Id.String(), d.Status))
	}

	// retrying the phase that didn't fail is a caller mistake, not a
	// requeue of the other one
	phase := "upload"
	failedPhase := "uploading"
	if target == datasets.ConversionQueued {
		phase = "convert"
		failedPhase = "converting"
	}
	if input.Body.Phase != failedPhase {
		return nil, huma.Error409Conflict(
			fmt.Sprintf("Dataset %s is %s; its %s phase cannot be retried",
				d.Id.String(), d.Status, input.Body.Phase))
	}

	zero := 0
	empty := ""
	jobId := datasets.NewJobId(phase, time.Now())
	err = service.Store.ConditionalUpdate(ctx, d.Id, d.Status, target,
		dstore.Patch{RetryCount: &zero, ErrorMessage: &empty, JobId: &jobId})
	if err != nil {
		return nil, apiError(err)
	}

	slog.Info(fmt.Sprintf("Dataset %s: retried from %s, now %s",
		d.Id.String(), d.Status, target))
	after, err := service.Store.Get(ctx, d.Id.String())
	if err != nil {
		return nil, apiError(err)
	}
	return &DatasetStatusOutput{Body: statusResponse(after)}, nil
}

type QueueOutput struct {
	Body QueueResponse `doc:"Dataset counts per lifecycle status"`
}

// handler method for the queue overview
func (service *pipeline) getQueue(ctx context.Context,
	input *struct{}) (*QueueOutput, error) {

	counts, err := service.Store.CountByStatus(ctx)
	if err != nil {
		return nil, apiError(err)
	}
	response := QueueResponse{Counts: make(map[string]int)}
	for status, count := range counts {
		response.Counts[string(status)] = count
		response.Total += count
	}
	return &QueueOutput{Body: response}, nil
}

// returns the uptime for the service in seconds
func (service *pipeline) uptime() float64 {
	return time.Since(service.StartTime).Seconds()
}

// constructs the pipeline service given our configuration, a dataset store,
// and a chunked-upload session manager
func NewPipelineService(store *dstore.Store,
	sessionManager *sessions.Manager) (PipelineService, error) {

	if store == nil {
		return nil, fmt.Errorf("No dataset store was provided.")
	}
	if sessionManager == nil {
		return nil, fmt.Errorf("No session manager was provided.")
	}

	service := new(pipeline)
	service.Name = config.Service.Name
	service.Version = version
	service.Port = -1
	service.Store = store
	service.Sessions = sessionManager

	// set up routing
	service.Router = mux.NewRouter()
	api := humamux.New(service.Router, huma.DefaultConfig(service.Name, service.Version))
	huma.Get(api, "/", service.getRoot)

	huma.Post(api, "/api/uploads", service.createUpload)
	huma.Post(api, "/api/uploads/chunked", service.initiateSession)
	huma.Put(api, "/api/uploads/chunked/{id}/{index}", service.receiveChunk)
	huma.Get(api, "/api/uploads/chunked/{id}", service.getSession)
	huma.Post(api, "/api/uploads/chunked/{id}/complete", service.completeSession)
	huma.Delete(api, "/api/uploads/chunked/{id}", service.cancelSession)
	huma.Get(api, "/api/datasets/{id}/status", service.getDatasetStatus)
	huma.Post(api, "/api/datasets/{id}/cancel", service.cancelDataset)
	huma.Post(api, "/api/datasets/{id}/retry", service.retryDataset)
	huma.Get(api, "/api/queue", service.getQueue)
	AddDocEndpoints(service.Router)

	return service, nil
}

// starts the pipeline service
func (service *pipeline) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", service.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	service.StartTime = time.Now()

	// create a listener that limits the number of incoming connections
	service.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// start the server
	service.Server = &http.Server{
		Handler: service.Router}
	err = service.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active connections
func (service *pipeline) Shutdown(ctx context.Context) error {
	if service.Server != nil {
		return service.Server.Shutdown(ctx)
	}
	return nil
}

// closes down the service abruptly, freeing all resources
func (service *pipeline) Close() {
	if service.Server != nil {
		service.Server.Close()
	}
}
