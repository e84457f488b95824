// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

// Package executor runs job.execute frames against the handler registry:
// it builds a per-job Context, enforces the job deadline, validates the
// handler's return value, and never lets a handler panic or exception
// reach the runtime. Overall job admission is bounded to J concurrent
// jobs (a buffered-channel semaphore); handlers declared
// handlers.ModeBlocking are additionally routed through a dedicated,
// errgroup-bounded worker pool so blocking handler code cannot starve the
// async dispatch path.
package executor

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sage-x-project/challenge-sidecar/internal/handlers"
	"github.com/sage-x-project/challenge-sidecar/internal/logger"
	"github.com/sage-x-project/challenge-sidecar/internal/metrics"
)

const (
	DefaultJobTimeout       = 300 * time.Second
	DefaultMaxLogBytes      = 1 << 20
	DefaultConcurrency      = 1
	defaultBlockingPoolSize = 4
)

// Config tunes Executor's limits.
type Config struct {
	JobTimeout       time.Duration
	MaxLogBytes      int
	Concurrency      int // J: max parallel job.execute admissions
	BlockingPoolSize int
}

func defaultConfig() Config {
	return Config{
		JobTimeout:       DefaultJobTimeout,
		MaxLogBytes:      DefaultMaxLogBytes,
		Concurrency:      DefaultConcurrency,
		BlockingPoolSize: defaultBlockingPoolSize,
	}
}

// Option customizes Executor's Config at construction.
type Option func(*Config)

func WithJobTimeout(d time.Duration) Option { return func(c *Config) { c.JobTimeout = d } }
func WithMaxLogBytes(n int) Option          { return func(c *Config) { c.MaxLogBytes = n } }
func WithConcurrency(n int) Option          { return func(c *Config) { c.Concurrency = n } }
func WithBlockingPoolSize(n int) Option     { return func(c *Config) { c.BlockingPoolSize = n } }

// ContextBuilder constructs the per-job handlers.Context for jobID.
// Static fields (base URLs, signed clients) are closed over by the
// caller; only JobID varies between invocations.
type ContextBuilder func(jobID string) *handlers.Context

// Reply is the wire shape of a job.execute response frame.
type Reply struct {
	JobID                string             `json:"job_id"`
	Score                float64            `json:"score"`
	Metrics              map[string]float64 `json:"metrics,omitempty"`
	JobType              string             `json:"job_type,omitempty"`
	Logs                 []string           `json:"logs,omitempty"`
	AllowedLogContainers []string           `json:"allowed_log_containers,omitempty"`
	Error                *string            `json:"error"`
}

// Submitter submits a completed job's reply to the Consumer's results
// endpoint, independently of the reply frame sent over transport.
type Submitter interface {
	Submit(ctx context.Context, reply Reply) error
}

// httpSubmitter adapts a handlers.HTTPResourceClient pointed at the
// Consumer's results endpoint to Submitter.
type httpSubmitter struct {
	client *handlers.HTTPResourceClient
}

// NewHTTPSubmitter builds a Submitter posting replies to client's base URL.
func NewHTTPSubmitter(client *handlers.HTTPResourceClient) Submitter {
	return httpSubmitter{client: client}
}

func (s httpSubmitter) Submit(ctx context.Context, reply Reply) error {
	return s.client.PostJSON(ctx, "/results", reply, nil)
}

// Executor runs job.execute frames against a handler registry.
type Executor struct {
	registry     *handlers.Registry
	buildContext ContextBuilder
	submitter    Submitter
	cfg          Config

	admission chan struct{}
	blocking  *errgroup.Group
}

// New builds an Executor bounded to cfg.Concurrency parallel jobs.
// submitter may be nil, in which case results are not independently
// submitted (only the returned Reply carries the outcome).
func New(registry *handlers.Registry, buildContext ContextBuilder, submitter Submitter, opts ...Option) *Executor {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	blocking := &errgroup.Group{}
	blocking.SetLimit(cfg.BlockingPoolSize)
	return &Executor{
		registry:     registry,
		buildContext: buildContext,
		submitter:    submitter,
		cfg:          cfg,
		admission:    make(chan struct{}, cfg.Concurrency),
		blocking:     blocking,
	}
}

type handlerOutcome struct {
	result handlers.Result
	err    error
}

// Execute runs one job.execute frame to completion (or deadline) and
// returns its reply. A handler panic is recovered and reported as a
// normal error reply; it never crashes the runtime. The reply is also
// submitted to the Consumer's results endpoint in the background;
// submission failures are logged but never alter the returned Reply.
func (e *Executor) Execute(ctx context.Context, jobName, jobID string, payload map[string]any) Reply {
	select {
	case e.admission <- struct{}{}:
		defer func() { <-e.admission }()
	case <-ctx.Done():
		return errorReply(jobID, "timeout")
	}

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	metrics.JobsStarted.WithLabelValues(jobName).Inc()
	start := time.Now()

	entry, err := e.registry.ResolveJob(jobName)
	if err != nil {
		metrics.JobsCompleted.WithLabelValues(jobName, "error").Inc()
		return errorReply(jobID, err.Error())
	}

	jctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	jobCtx := e.buildContext(jobID)
	outcomeCh := make(chan handlerOutcome, 1)
	invoke := func() {
		defer func() {
			if r := recover(); r != nil {
				outcomeCh <- handlerOutcome{err: fmt.Errorf("%v", r)}
			}
		}()
		res, err := entry.Handler(jctx, jobCtx, payload)
		outcomeCh <- handlerOutcome{result: res, err: err}
	}

	if entry.Mode == handlers.ModeBlocking {
		e.blocking.Go(func() error { invoke(); return nil })
	} else {
		go invoke()
	}

	status := "ok"
	var reply Reply
	select {
	case <-jctx.Done():
		status = "timeout"
		reply = errorReply(jobID, "timeout")
	case outcome := <-outcomeCh:
		if outcome.err != nil {
			status = "panic"
			reply = errorReply(jobID, outcome.err.Error())
		} else {
			reply = e.validate(jobName, jobID, outcome.result)
			if reply.Error != nil {
				status = "error"
			}
		}
	}

	metrics.JobsCompleted.WithLabelValues(jobName, status).Inc()
	metrics.JobDuration.WithLabelValues(jobName).Observe(time.Since(start).Seconds())
	metrics.JobScore.WithLabelValues(jobName).Observe(reply.Score)

	e.submitResult(reply)
	return reply
}

func errorReply(jobID, msg string) Reply {
	return Reply{JobID: jobID, Score: 0, Error: &msg}
}

func (e *Executor) validate(jobName, jobID string, res handlers.Result) Reply {
	reply := Reply{
		JobID:                jobID,
		JobType:              res.JobType,
		Metrics:              filterFiniteMetrics(res.Metrics),
		Logs:                 truncateLogs(res.Logs, e.cfg.MaxLogBytes),
		AllowedLogContainers: res.AllowedLogContainers,
	}

	clamped := clampScore(res.Score)
	reply.Score = clamped
	if clamped != res.Score {
		metrics.JobScoreClamped.WithLabelValues(jobName).Inc()
		msg := "invalid_score"
		reply.Error = &msg
	}
	return reply
}

func clampScore(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func filterFiniteMetrics(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			out[k] = v
		}
	}
	return out
}

// truncateLogs keeps as many leading log lines as fit within a max total
// byte budget, truncating the last line that doesn't fully fit and
// dropping everything after it.
func truncateLogs(logs []string, max int) []string {
	if max <= 0 || len(logs) == 0 {
		return logs
	}
	out := make([]string, 0, len(logs))
	used := 0
	for _, line := range logs {
		if used >= max {
			break
		}
		remaining := max - used
		if len(line) > remaining {
			out = append(out, line[:remaining])
			break
		}
		out = append(out, line)
		used += len(line)
	}
	return out
}

func (e *Executor) submitResult(reply Reply) {
	if e.submitter == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.JobTimeout)
		defer cancel()
		if err := e.submitter.Submit(ctx, reply); err != nil {
			logger.Warn("result submission failed", logger.String("job_id", reply.JobID), logger.Error(err))
		}
	}()
}
