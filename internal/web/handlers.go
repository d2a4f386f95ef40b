package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SergueiMoscow/surveillance/internal/state"
)

const feedBoundary = "frame"

// handleIndex lists the configured cameras with links to their feeds
func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index", s.deps.Cameras.CameraIDs())
}

// handleVideoFeed streams the camera's latest frames as multipart JPEG.
// The cache is polled at the stream rate and a part is written only when
// the frame changed since the previous part.
func (s *Server) handleVideoFeed(c *gin.Context) {
	cameraID := c.Param("camera")
	if !s.deps.Cameras.HasCamera(cameraID) {
		c.String(http.StatusNotFound, "Camera not found")
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+feedBoundary)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	var lastSeq uint64
	for {
		if entry, ok := s.deps.Frames.Entry(cameraID); ok && entry.Seq != lastSeq {
			if _, err := fmt.Fprintf(c.Writer, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", feedBoundary); err != nil {
				return
			}
			if _, err := c.Writer.Write(entry.JPEG); err != nil {
				return
			}
			if _, err := c.Writer.WriteString("\r\n"); err != nil {
				return
			}
			c.Writer.Flush()
			lastSeq = entry.Seq
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleSnapshot returns the camera's latest frame
func (s *Server) handleSnapshot(c *gin.Context) {
	cameraID := c.Param("camera")
	if !s.deps.Cameras.HasCamera(cameraID) {
		c.String(http.StatusNotFound, "Camera not found")
		return
	}

	entry, ok := s.deps.Frames.Entry(cameraID)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No frame received yet"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Last-Modified", entry.UpdatedAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "image/jpeg", entry.JPEG)
}

// handleResources reports process, host and per-camera resource usage
func (s *Server) handleResources(c *gin.Context) {
	if s.deps.Resources == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Resource collector not available"})
		return
	}

	res, err := s.deps.Resources.Collect(c.Request.Context())
	if err != nil {
		s.LogError("Failed to collect resources", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleListCameras(c *gin.Context) {
	statuses := s.deps.Cameras.Statuses()
	c.JSON(http.StatusOK, gin.H{
		"cameras": statuses,
		"count":   len(statuses),
	})
}

func (s *Server) handleGetCamera(c *gin.Context) {
	st, err := s.deps.Cameras.CameraStatus(c.Param("camera"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Camera not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleListSegments lists indexed segments, newest first.
// Query: camera, limit, evicted=true to include evicted segments.
func (s *Server) handleListSegments(c *gin.Context) {
	if s.deps.Segments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Segment index not available"})
		return
	}

	filter := state.SegmentFilter{
		CameraID:       c.Query("camera"),
		IncludeEvicted: c.Query("evicted") == "true",
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	segments, err := s.deps.Segments.ListSegments(c.Request.Context(), filter)
	if err != nil {
		s.LogError("Failed to list segments", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if segments == nil {
		segments = []state.Segment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"segments": segments,
		"count":    len(segments),
	})
}

func (s *Server) handleSegmentStats(c *gin.Context) {
	if s.deps.Segments == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Segment index not available"})
		return
	}

	stats, err := s.deps.Segments.Stats(c.Request.Context())
	if err != nil {
		s.LogError("Failed to read segment stats", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleArchiveStatus returns the most recent sweep result
func (s *Server) handleArchiveStatus(c *gin.Context) {
	if s.deps.Archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Archive manager not available"})
		return
	}

	res, ok := s.deps.Archive.LastResult()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"last_sweep": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"last_sweep": res})
}

// handleArchiveSweep runs a sweep now. A limit that cannot be satisfied is
// reported in the result body, not as a request failure.
func (s *Server) handleArchiveSweep(c *gin.Context) {
	if s.deps.Archive == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Archive manager not available"})
		return
	}

	res, err := s.deps.Archive.Sweep(c.Request.Context())
	if err != nil {
		s.LogWarn("Manual archive sweep finished with error", "error", err)
	}
	c.JSON(http.StatusOK, res)
}
