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

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/credentials"
	"github.com/scientistcloud/ucp/dstore"
	"github.com/scientistcloud/ucp/executors/gdrive"
	"github.com/scientistcloud/ucp/services"
	"github.com/scientistcloud/ucp/sessions"
	"github.com/scientistcloud/ucp/workers"

	// these executors register themselves with the executor registry
	_ "github.com/scientistcloud/ucp/executors/local"
	_ "github.com/scientistcloud/ucp/executors/s3"
	_ "github.com/scientistcloud/ucp/executors/url"
)

//go:generate mkdir -p services/docs
//go:generate redoc-cli bundle docs/openapi.yaml
//go:generate cp docs/openapi.yaml services/docs/openapi.yaml
//go:generate mv redoc-static.html services/docs/index.html

// The above logic generates documentation endpoints as part of the docs
// package, with an endpoint prefix of "docs". To enable these endpoints, you
// must use the "docs" build: go build -tags docs

// Prints usage info.
func usage() {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s <config_file>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "See README.md for details on config files.\n")
	os.Exit(1)
}

func main() {

	// The only argument is the configuration filename.
	if len(os.Args) < 2 {
		usage()
	}
	configFile := os.Args[1]

	// Read the configuration file.
	log.Printf("Reading configuration from '%s'...\n", configFile)
	b, err := os.ReadFile(configFile)
	if err != nil {
		log.Panicf("Couldn't read configuration data: %s\n", err.Error())
	}
	if err = config.Init(b); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s\n", err.Error())
	}

	// All subsequent logging is structured.
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))

	// Make sure the staging directories exist.
	for _, dir := range []string{config.Directories.Upload,
		config.Directories.Converted, config.Directories.Scratch} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			log.Panicf("Couldn't create directory %s: %s\n", dir, err.Error())
		}
	}

	// Open the dataset store and wire up the executors that need state.
	store, err := dstore.Open(config.Store.Path)
	if err != nil {
		log.Panicf("Couldn't open the dataset store: %s\n", err.Error())
	}
	decoder := credentials.NewDecoder(store, config.Secrets.Key, config.Secrets.Iv)
	gdrive.Register(decoder)

	sessionManager, err := sessions.NewManager(store,
		filepath.Join(config.Directories.Scratch, "sessions"),
		config.Jobs.ChunkSize, config.Jobs.MaxFileSize,
		time.Duration(config.Jobs.SessionExpiry)*time.Hour)
	if err != nil {
		log.Panicf("Couldn't create the session manager: %s\n", err.Error())
	}

	// Start the schedulers and the reaper.
	uploader := workers.NewUploadScheduler(store)
	converter := workers.NewConversionScheduler(store)
	reaper := workers.NewReaper(store, sessionManager)
	for _, worker := range []interface{ Start() error }{uploader, converter, reaper} {
		if err = worker.Start(); err != nil {
			log.Panicf("Couldn't start a worker: %s\n", err.Error())
		}
	}

	// Create the service and start it in a goroutine so it doesn't block.
	service, err := services.NewPipelineService(store, sessionManager)
	if err != nil {
		log.Panicf("Couldn't create the service: %s\n", err.Error())
	}
	go func() {
		err := service.Start(config.Service.Port)
		if err != nil {
			log.Println(err.Error())
		}
	}()

	// Intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals, shutting down
	// the service as gracefully as possible if they are encountered.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	// Block till we receive one of the above signals.
	<-sigChan

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Wait for connections to close until the deadline elapses, then stop the
	// workers and release the store.
	service.Shutdown(ctx)
	uploader.Stop()
	converter.Stop()
	reaper.Stop()
	store.Close()
	log.Println("Shutting down")
	os.Exit(0)
}
