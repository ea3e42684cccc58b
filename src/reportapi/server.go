// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package reportapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"testpilotworker/src/model"
	"testpilotworker/src/reporttoken"
)

// RecordSource looks up execution records for ownership checks.
type RecordSource interface {
	GetRecord(ctx context.Context, taskID string) (*model.ExecutionRecord, error)
}

// ArtifactSource streams stored artifact archives.
type ArtifactSource interface {
	Get(ctx context.Context, orgID, taskID string) (io.ReadCloser, string, int64, error)
}

// TaskEnqueuer puts raw task payloads on the work queue.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, taskID, orgID string, payload []byte) (int, error)
}

// Server exposes artifact downloads guarded by report access tokens, plus
// the internal minting and enqueue endpoints the platform calls.
type Server struct {
	tokens    *reporttoken.Service
	records   RecordSource
	artifacts ArtifactSource
	enqueuer  TaskEnqueuer
	logger    *slog.Logger
}

func NewServer(tokens *reporttoken.Service, records RecordSource, artifacts ArtifactSource, enqueuer TaskEnqueuer, logger *slog.Logger) *Server {
	return &Server{
		tokens:    tokens,
		records:   records,
		artifacts: artifacts,
		enqueuer:  enqueuer,
		logger:    logger,
	}
}

func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/reports/:taskId/artifact", s.getArtifact)
	router.POST("/internal/tokens", s.mintToken)
	router.POST("/internal/tasks", s.enqueueTask)

	return router
}

// Start serves the report API until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) getArtifact(c *gin.Context) {
	taskID := c.Param("taskId")

	claims, err := s.tokens.Verify(c.Query("token"), taskID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	rec, err := s.records.GetRecord(c.Request.Context(), taskID)
	if err != nil {
		s.logger.Error("failed to load record for artifact fetch", "task", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load record"})
		return
	}
	if rec == nil || !rec.HasArtifact {
		c.JSON(http.StatusNotFound, gin.H{"error": "no artifact for this task"})
		return
	}
	// The token scopes one tenant's one task; the record's owning tenant
	// must match the claim.
	if rec.OrganizationID != claims.OrgID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not cover this resource"})
		return
	}
	if s.artifacts == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact storage not configured"})
		return
	}

	body, contentType, length, err := s.artifacts.Get(c.Request.Context(), claims.OrgID, taskID)
	if err != nil {
		s.logger.Error("failed to fetch artifact", "task", taskID, "error", err)
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact unavailable"})
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, length, contentType, body, map[string]string{
		"Content-Disposition": `attachment; filename="report.tar"`,
	})
}

type mintRequest struct {
	OrgID  string `json:"orgId" binding:"required"`
	TaskID string `json:"taskId" binding:"required"`
}

func (s *Server) mintToken(c *gin.Context) {
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orgId and taskId are required"})
		return
	}

	token, err := s.tokens.Generate(req.OrgID, req.TaskID)
	if err != nil {
		s.logger.Error("failed to mint report token", "task", req.TaskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mint token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) enqueueTask(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
		return
	}

	// Full validation happens on the consumer side against these exact
	// bytes; enqueue only needs the correlation keys.
	var ids struct {
		TaskID string `json:"taskId"`
		OrgID  string `json:"organizationId"`
	}
	if err := json.Unmarshal(payload, &ids); err != nil || ids.TaskID == "" || ids.OrgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId and organizationId are required"})
		return
	}

	priority, err := s.enqueuer.Enqueue(c.Request.Context(), ids.TaskID, ids.OrgID, payload)
	if err != nil {
		s.logger.Error("failed to enqueue task", "task", ids.TaskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue task"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": ids.TaskID, "priority": priority})
}
