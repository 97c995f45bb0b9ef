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

package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/scientistcloud/ucp/config"
	"github.com/scientistcloud/ucp/datasets"
	"github.com/scientistcloud/ucp/dstore"
)

// how much converter stderr is kept for the dataset's error message
const stderrTailLimit = 2048

// This type polls the store for datasets queued for conversion and runs the
// configured converter command on each:
//
//	<command> <input-dir> <output-dir> <sensor> [--params <json>]
//
// Exit status zero means the conversion succeeded; anything else is a
// failure whose stderr tail lands in the dataset record.
type ConversionScheduler struct {
	store        *dstore.Store
	loop         *pollLoop
	workerId     string
	convertedDir string
	command      string
	maxRetries   int
	phaseTimeout time.Duration
}

func NewConversionScheduler(store *dstore.Store) *ConversionScheduler {
	return &ConversionScheduler{
		store:        store,
		loop:         newPollLoop(time.Duration(config.Jobs.PollInterval) * time.Millisecond),
		workerId:     workerId("convert"),
		convertedDir: config.Directories.Converted,
		command:      config.Jobs.ConverterCommand,
		maxRetries:   config.Jobs.MaxRetries,
		phaseTimeout: time.Duration(config.Jobs.PhaseTimeout) * time.Minute,
	}
}

// Starts polling for conversion work.
func (s *ConversionScheduler) Start() error {
	slog.Info(fmt.Sprintf("Conversion scheduler %s polling every %d ms",
		s.workerId, config.Jobs.PollInterval))
	return s.loop.start(func() bool { return s.pollOnce(context.Background()) })
}

// Stops polling, letting any running conversion finish first.
func (s *ConversionScheduler) Stop() error {
	return s.loop.halt()
}

// claims and converts one queued dataset, reporting whether there was work
func (s *ConversionScheduler) pollOnce(ctx context.Context) bool {
	d, err := s.store.FindOneByStatus(ctx, datasets.ConversionQueued, 0)
	if err != nil {
		slog.Error(fmt.Sprintf("Polling for queued conversions: %s", err.Error()))
		return false
	}
	if d == nil {
		return false
	}
	err = s.store.Claim(ctx, d.Id, datasets.ConversionQueued, datasets.Converting,
		s.workerId)
	if err != nil {
		var stale *dstore.StaleError
		if !errors.As(err, &stale) {
			slog.Error(fmt.Sprintf("Claiming dataset %s: %s", d.Id.String(), err.Error()))
		}
		return false
	}
	s.run(ctx, d)
	return true
}

// runs the converter for one claimed dataset and releases it into its next
// status
func (s *ConversionScheduler) run(ctx context.Context, d *datasets.Dataset) {
	slog.Info(fmt.Sprintf("Dataset %s (%s): starting %s conversion (attempt %d)",
		d.Id.String(), d.Slug, d.Sensor, d.RetryCount+1))

	// the staged bytes must still be there; if they're gone the upload has
	// to be redone, so retrying conversion is pointless
	if _, err := os.Stat(d.DestinationPath); err != nil {
		s.fail(ctx, d, &InputVanishedError{Path: d.DestinationPath}, false)
		return
	}

	outputDir := filepath.Join(s.convertedDir, d.Id.String())
	lock, err := acquireLock(outputDir)
	if err != nil {
		// another process is writing this directory; requeue and let a later
		// poll pick it up
		s.fail(ctx, d, err, true)
		return
	}
	defer releaseLock(lock)

	err = s.invoke(ctx, d, outputDir)
	if err == nil {
		err = writeManifest(d, outputDir)
	}
	if err != nil {
		retriable := !errors.As(err, new(*InputVanishedError))
		s.fail(ctx, d, err, retriable)
		return
	}

	now := time.Now()
	empty := ""
	err = s.store.Release(ctx, d.Id, datasets.Converting, datasets.Done, s.workerId,
		dstore.Patch{ErrorMessage: &empty, CompletedAt: &now})
	if err != nil {
		slog.Error(fmt.Sprintf("Dataset %s: releasing to done: %s",
			d.Id.String(), err.Error()))
		return
	}
	slog.Info(fmt.Sprintf("Dataset %s (%s): conversion finished", d.Id.String(), d.Slug))
}

// runs the converter subprocess under the phase timeout
func (s *ConversionScheduler) invoke(ctx context.Context, d *datasets.Dataset,
	outputDir string) error {
	runCtx, cancel := context.WithTimeout(ctx, s.phaseTimeout)
	defer cancel()

	args := []string{d.DestinationPath, outputDir, string(d.Sensor)}
	if len(d.ConversionParameters) > 0 {
		args = append(args, "--params", string(d.ConversionParameters))
	}
	command := exec.CommandContext(runCtx, s.command, args...)
	var stderr strings.Builder
	command.Stderr = &stderr

	err := command.Run()
	if err == nil {
		return nil
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return &ConverterError{
			ExitCode: -1,
			Stderr:   fmt.Sprintf("conversion exceeded its %s budget", s.phaseTimeout),
		}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ConverterError{
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderrTail(stderr.String()),
		}
	}
	return &ConverterError{ExitCode: -1, Stderr: err.Error()}
}

// requeues or permanently fails a claimed conversion
func (s *ConversionScheduler) fail(ctx context.Context, d *datasets.Dataset,
	cause error, retriable bool) {
	message := cause.Error()
	retries := d.RetryCount + 1
	patch := dstore.Patch{ErrorMessage: &message, RetryCount: &retries}

	next := datasets.ConversionFailed
	if retriable && retries <= s.maxRetries {
		next = datasets.ConversionQueued
	}

	err := s.store.Release(ctx, d.Id, datasets.Converting, next, s.workerId, patch)
	if err != nil {
		var stale *dstore.StaleError
		if !errors.As(err, &stale) {
			slog.Error(fmt.Sprintf("Dataset %s: releasing to %s: %s",
				d.Id.String(), next, err.Error()))
		}
		return
	}
	if next == datasets.ConversionQueued {
		slog.Warn(fmt.Sprintf("Dataset %s: conversion attempt %d failed, requeued: %s",
			d.Id.String(), retries, message))
	} else {
		slog.Error(fmt.Sprintf("Dataset %s: conversion failed permanently: %s",
			d.Id.String(), message))
	}
}

// keeps the last portion of the converter's stderr
func stderrTail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > stderrTailLimit {
		output = output[len(output)-stderrTailLimit:]
	}
	return output
}
