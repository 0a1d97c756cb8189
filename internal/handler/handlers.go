// Package handler mounts the HTTP surface: message ingest, the connections
// ranking query, and a health probe.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jtownson/network-builder/internal/service"
)

// Ingestor is the slice of IngestService the ingest handler depends on.
type Ingestor interface {
	Ingest(orgID string, req *service.IngestRequest) (*service.IngestAck, error)
}

// ConnectionRanker is the slice of ConnectionsService the query handler
// depends on.
type ConnectionRanker interface {
	Connections(ctx context.Context, orgID, userID string) (*service.ConnectionsResponse, error)
}

// RegisterRoutes mounts all endpoints onto the Echo instance.
func RegisterRoutes(e *echo.Echo, ingest Ingestor, connections ConnectionRanker, logger *zap.Logger) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	orgs := e.Group("/v1/orgs/:org_id")
	orgs.POST("/messages", ingestMessageHandler(ingest, logger))
	orgs.GET("/users/:user_id/connections", connectionsHandler(connections, logger))
}

func ingestMessageHandler(svc Ingestor, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req service.IngestRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid request body"))
		}
		ack, err := svc.Ingest(c.Param("org_id"), &req)
		if err != nil {
			var ve *service.ValidationError
			if errors.As(err, &ve) {
				return c.JSON(http.StatusBadRequest, errResp(ve.Error()))
			}
			logger.Error("Ingest failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, errResp(err.Error()))
		}
		return c.JSON(http.StatusAccepted, ack)
	}
}

func connectionsHandler(svc ConnectionRanker, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		resp, err := svc.Connections(c.Request().Context(), c.Param("org_id"), c.Param("user_id"))
		if err != nil {
			logger.Error("Connections failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp(err.Error()))
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}
