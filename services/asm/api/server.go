// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes an engine over HTTP.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	GET  /v1/status
//	POST /v1/step
//	POST /v1/run          {"steps": n}
//	POST /v1/whatif       {"agent": "A", "updates": [...]}
//	GET  /v1/history      ?limit=n
//	GET  /v1/history/:step
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianASM/services/asm/absstorage"
	"github.com/AleutianAI/AleutianASM/services/asm/engine"
	"github.com/AleutianAI/AleutianASM/services/asm/history"
	"github.com/AleutianAI/AleutianASM/services/asm/machine"
	"github.com/AleutianAI/AleutianASM/services/asm/telemetry"
)

// ServiceName names the HTTP spans.
const ServiceName = "asm-engine"

// Option configures the router.
type Option func(*handlers)

// WithHistory serves step history from store.
func WithHistory(store *history.Store, defaultLimit int) Option {
	return func(h *handlers) {
		h.history = store
		if defaultLimit > 0 {
			h.limit = defaultLimit
		}
	}
}

// WithMachine enables what-if requests, whose literals may name the
// machine's rules.
func WithMachine(m *machine.Machine) Option {
	return func(h *handlers) { h.machine = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

type handlers struct {
	engine  *engine.Engine
	history *history.Store
	machine *machine.Machine
	logger  *slog.Logger
	limit   int
}

// NewRouter builds the gin router for eng.
func NewRouter(eng *engine.Engine, opts ...Option) *gin.Engine {
	h := &handlers{engine: eng, logger: slog.Default(), limit: 50}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "api"))

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/status", h.status)
		v1.POST("/step", h.step)
		v1.POST("/run", h.run)
		v1.POST("/whatif", h.whatIf)
		v1.GET("/history", h.recent)
		v1.GET("/history/:step", h.stepRecord)
	}
	return router
}

func (h *handlers) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

// stepResponse is the body of a committed step.
type stepResponse struct {
	engine.StepResult
	Agents []string `json:"agents"`
}

func newStepResponse(res engine.StepResult) stepResponse {
	agents := make([]string, len(res.Agents))
	for i, a := range res.Agents {
		agents[i] = a.Denotation()
	}
	return stepResponse{StepResult: res, Agents: agents}
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	Step        *int     `json:"step,omitempty"`
	SingleAgent bool     `json:"single_agent,omitempty"`
	Conflict    []string `json:"conflict,omitempty"`
}

// writeError maps engine errors to status codes.
func (h *handlers) writeError(c *gin.Context, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError
	var (
		failed       *engine.StepFailedError
		inconsistent *absstorage.InconsistentUpdatesError
	)
	switch {
	case errors.As(err, &failed):
		status, resp.Code = http.StatusConflict, "step_failed"
		resp.Step = &failed.Step
		resp.SingleAgent = failed.SingleAgent
		for _, u := range failed.Conflict {
			resp.Conflict = append(resp.Conflict, u.String())
		}
	case errors.As(err, &inconsistent):
		status, resp.Code = http.StatusConflict, "inconsistent_updates"
		for _, u := range inconsistent.Updates {
			resp.Conflict = append(resp.Conflict, u.String())
		}
	case errors.Is(err, engine.ErrNoEligibleAgents):
		status, resp.Code = http.StatusConflict, "halted"
	case errors.Is(err, engine.ErrClosed), errors.Is(err, engine.ErrNotInitialized):
		status, resp.Code = http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, history.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "not_found"
	default:
		resp.Code = "internal"
		telemetry.LoggerWithTrace(c.Request.Context(), h.logger).Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
}

func (h *handlers) step(c *gin.Context) {
	res, err := h.engine.Step(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStepResponse(res))
}

type runRequest struct {
	Steps int `json:"steps" binding:"gte=1,lte=100000"`
}

type runResponse struct {
	Committed int            `json:"committed"`
	Status    engine.Status  `json:"status"`
	Error     *errorResponse `json:"error,omitempty"`
}

func (h *handlers) run(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	committed, err := h.engine.Run(c.Request.Context(), req.Steps)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runResponse{Committed: committed, Status: h.engine.Status()})
}

type whatIfUpdate struct {
	Function string          `json:"function" binding:"required"`
	Args     []machine.Value `json:"args"`
	Value    machine.Value   `json:"value"`
	Action   string          `json:"action" binding:"omitempty,oneof=update increment"`
}

type whatIfRequest struct {
	Agent   string         `json:"agent" binding:"required"`
	Updates []whatIfUpdate `json:"updates" binding:"dive"`
}

type whatIfResponse struct {
	Agent   string   `json:"agent"`
	Updates []string `json:"updates"`
}

func (h *handlers) whatIf(c *gin.Context) {
	if h.machine == nil {
		c.JSON(http.StatusNotImplemented, errorResponse{Error: "what-if requires a machine definition", Code: "unsupported"})
		return
	}
	var req whatIfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	agent := absstorage.AgentElement(req.Agent)
	injected := absstorage.NewUpdateMultiset()
	for _, u := range req.Updates {
		args := make([]absstorage.Element, len(u.Args))
		for i, a := range u.Args {
			e, err := h.machine.Literal(a)
			if err != nil {
				badRequest(c, err)
				return
			}
			args[i] = e
		}
		value, err := h.machine.Literal(u.Value)
		if err != nil {
			badRequest(c, err)
			return
		}
		action := absstorage.ActionUpdate
		if u.Action == "increment" {
			action = absstorage.ActionIncrement
		}
		injected.Add(absstorage.NewUpdate(absstorage.NewLocation(u.Function, args...), value, action, agent))
	}

	ms, err := h.engine.WhatIf(c.Request.Context(), agent, injected)
	if err != nil {
		h.writeError(c, err)
		return
	}
	resp := whatIfResponse{Agent: req.Agent, Updates: []string{}}
	for _, u := range ms.Updates() {
		resp.Updates = append(resp.Updates, u.String())
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) recent(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "history is disabled", Code: "not_found"})
		return
	}
	limit := h.limit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 {
			badRequest(c, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	records, err := h.history.Recent(h.engine.RunID(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if records == nil {
		records = []history.StepRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": h.engine.RunID(), "steps": records})
}

func (h *handlers) stepRecord(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "history is disabled", Code: "not_found"})
		return
	}
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil || step < 0 {
		badRequest(c, errors.New("step must be a non-negative integer"))
		return
	}
	rec, err := h.history.Get(h.engine.RunID(), step)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}
