// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package api exposes saga and queue state over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/orchestra/pkg/middleware"
	"github.com/innovationmech/orchestra/pkg/queue"
	"github.com/innovationmech/orchestra/pkg/saga"
)

// SagaService is the part of saga.Manager the API needs.
type SagaService interface {
	Definitions() []string
	StartSaga(ctx context.Context, definitionID, correlationID string, data map[string]interface{}) (string, error)
	GetSagaStatus(ctx context.Context, sagaID string) (*saga.Instance, error)
	GetAllSagas(ctx context.Context, correlationID string) ([]*saga.Instance, error)
	CompensateSaga(ctx context.Context, sagaID string) error
}

// QueueService reports job counts.
type QueueService interface {
	Name() string
	Stats(ctx context.Context) (queue.Stats, error)
}

// StartRequest is the body of POST /api/v1/sagas.
type StartRequest struct {
	DefinitionID  string                 `json:"definition_id" binding:"required"`
	CorrelationID string                 `json:"correlation_id" binding:"required"`
	Data          map[string]interface{} `json:"data"`
}

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Handler serves the saga and queue endpoints.
type Handler struct {
	sagas  SagaService
	jobs   QueueService
	logger *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(sagas SagaService, jobs QueueService, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{sagas: sagas, jobs: jobs, logger: log}
}

// ListDefinitions returns the registered definition ids.
func (h *Handler) ListDefinitions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"definitions": h.sagas.Definitions()})
}

// StartSaga starts an instance and answers 202 with its id.
func (h *Handler) StartSaga(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, http.StatusBadRequest, saga.NewValidationError(err.Error()))
		return
	}
	id, err := h.sagas.StartSaga(c.Request.Context(), req.DefinitionID, req.CorrelationID, req.Data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Location", "/api/v1/sagas/"+id)
	c.JSON(http.StatusAccepted, gin.H{"saga_id": id})
}

// GetSaga returns one instance.
func (h *Handler) GetSaga(c *gin.Context) {
	inst, err := h.sagas.GetSagaStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// ListSagas returns the instances of one correlation id.
func (h *Handler) ListSagas(c *gin.Context) {
	correlationID := c.Query("correlation_id")
	if correlationID == "" {
		h.abort(c, http.StatusBadRequest, saga.NewValidationError("correlation_id query parameter is required"))
		return
	}
	instances, err := h.sagas.GetAllSagas(c.Request.Context(), correlationID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if instances == nil {
		instances = []*saga.Instance{}
	}
	c.JSON(http.StatusOK, gin.H{"sagas": instances, "count": len(instances)})
}

// CompensateSaga requests compensation of a running instance.
func (h *Handler) CompensateSaga(c *gin.Context) {
	if err := h.sagas.CompensateSaga(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// QueueStats returns job counts per status.
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": h.jobs.Name(), "stats": stats})
}

// Health always reports ok once the router is serving.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var se *saga.SagaError
	switch {
	case saga.IsSagaNotFound(err), saga.IsDefinitionNotFound(err):
		h.abort(c, http.StatusNotFound, err)
	case saga.IsInvalidSagaState(err):
		h.abort(c, http.StatusConflict, err)
	case errors.As(err, &se) && se.Code == saga.ErrCodeValidationError:
		h.abort(c, http.StatusBadRequest, err)
	case errors.As(err, &se) && se.Code == saga.ErrCodeManagerClosed:
		h.abort(c, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", middleware.RequestID(c)),
			zap.Error(err))
		h.abort(c, http.StatusInternalServerError, err)
	}
}

func (h *Handler) abort(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	resp := ErrorResponse{Error: err.Error(), RequestID: middleware.RequestID(c)}
	var se *saga.SagaError
	if errors.As(err, &se) {
		resp.Code = se.Code
	}
	if status >= http.StatusInternalServerError {
		resp.Error = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, resp)
}
