package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"magnet-queue/internal/domain"
	"magnet-queue/internal/orchestrator"
	"magnet-queue/internal/storage"
)

// Handler wires HTTP routes to the orchestrator.
type Handler struct {
	orch    *orchestrator.Orchestrator
	hub     *Hub
	storage storage.Service
	bucket  string
}

func NewHandler(orch *orchestrator.Orchestrator, hub *Hub, store storage.Service, bucket string) *Handler {
	return &Handler{
		orch:    orch,
		hub:     hub,
		storage: store,
		bucket:  bucket,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/jobs", h.createJob)
		api.GET("/jobs", h.listJobs)
		api.GET("/jobs/:id", h.getJob)
		api.DELETE("/jobs/:id", h.deleteJob)
		api.POST("/jobs/:id/pause", h.pauseJob)
		api.POST("/jobs/:id/resume", h.resumeJob)
		api.PUT("/jobs/:id/selection", h.selectFiles)
		api.POST("/jobs/:id/selection", h.addFiles)
		api.GET("/settings", h.getSettings)
		api.PATCH("/settings", h.updateSettings)
		api.GET("/events", h.streamEvents)
		api.GET("/storage/objects", h.listObjects)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeError translates orchestrator sentinels into HTTP statuses. Whatever
// is left is a rejected command argument.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrDuplicate), errors.Is(err, domain.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

type createJobRequest struct {
	OwnerID         string `json:"owner_id"`
	Source          string `json:"source" binding:"required"`
	Name            string `json:"name"`
	DownloadPath    string `json:"download_path"`
	SelectedIndices []int  `json:"selected_indices"`
}

func (h *Handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.orch.Submit(c.Request.Context(), orchestrator.SubmitRequest{
		OwnerID:         req.OwnerID,
		Source:          req.Source,
		Name:            req.Name,
		DownloadPath:    req.DownloadPath,
		SelectedIndices: req.SelectedIndices,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, jobToResponse(job))
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs := h.orch.ListJobs()
	resp := make([]JobResponse, len(jobs))
	for i := range jobs {
		resp[i] = jobToResponse(jobs[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.orch.GetJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *Handler) pauseJob(c *gin.Context) {
	if err := h.orch.Pause(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	job, err := h.orch.GetJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *Handler) resumeJob(c *gin.Context) {
	if err := h.orch.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	job, err := h.orch.GetJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *Handler) deleteJob(c *gin.Context) {
	deletePayload, err := strconv.ParseBool(c.DefaultQuery("delete_payload", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_payload"})
		return
	}
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	removed, err := h.orch.Remove(c.Request.Context(), c.Param("id"), deletePayload)
	if err != nil {
		writeError(c, err)
		return
	}

	var warnings []string
	if deleteRemote {
		if h.storage == nil || h.bucket == "" {
			warnings = append(warnings, "storage service not configured")
		} else if removed.ArchiveLocation != "" {
			prefix, err := extractRemotePrefix(removed.ArchiveLocation, h.bucket)
			if err != nil {
				warnings = append(warnings, err.Error())
			} else if prefix != "" {
				remoteCtx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
				defer cancel()
				if err := h.storage.DeletePrefix(remoteCtx, h.bucket, prefix); err != nil {
					warnings = append(warnings, fmt.Sprintf("delete remote data: %v", err))
				}
			}
		}
	}

	resp := gin.H{"deleted": removed.ID}
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	c.JSON(http.StatusOK, resp)
}

type selectionRequest struct {
	Indices []int `json:"indices"`
}

func (h *Handler) selectFiles(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Indices) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "indices must not be empty"})
		return
	}

	if err := h.orch.SelectFiles(c.Request.Context(), c.Param("id"), req.Indices); err != nil {
		writeError(c, err)
		return
	}
	job, err := h.orch.GetJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

func (h *Handler) addFiles(c *gin.Context) {
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Indices) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "indices must not be empty"})
		return
	}

	if err := h.orch.AddMoreFiles(c.Request.Context(), c.Param("id"), req.Indices); err != nil {
		writeError(c, err)
		return
	}
	job, err := h.orch.GetJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(job))
}

type settingsPatchRequest struct {
	MaxConcurrentDownloads *int   `json:"max_concurrent_downloads"`
	SeedAfterDownload      *bool  `json:"seed_after_download"`
	MaxDownloadSpeed       *int64 `json:"max_download_speed"`
	MaxUploadSpeed         *int64 `json:"max_upload_speed"`
}

func (h *Handler) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsToResponse(h.orch.GetSettings()))
}

func (h *Handler) updateSettings(c *gin.Context) {
	var req settingsPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := h.orch.UpdateSettings(c.Request.Context(), domain.SettingsPatch{
		MaxConcurrentDownloads: req.MaxConcurrentDownloads,
		SeedAfterDownload:      req.SeedAfterDownload,
		MaxDownloadSpeed:       req.MaxDownloadSpeed,
		MaxUploadSpeed:         req.MaxUploadSpeed,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settingsToResponse(settings))
}

func (h *Handler) streamEvents(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not configured"})
		return
	}

	events, cancel := h.hub.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, ev.Payload)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage service not configured"})
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

type JobResponse struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id,omitempty"`
	Source          string            `json:"source"`
	Name            string            `json:"name"`
	Status          domain.JobStatus  `json:"status"`
	InfoHash        string            `json:"info_hash"`
	TotalSize       int64             `json:"total_size"`
	Downloaded      int64             `json:"downloaded"`
	Uploaded        int64             `json:"uploaded"`
	DownloadSpeed   int64             `json:"download_speed"`
	UploadSpeed     int64             `json:"upload_speed"`
	SeederCount     int               `json:"seeder_count"`
	Ratio           float64           `json:"ratio"`
	Files           []JobFileResponse `json:"files"`
	SelectedIndices []int             `json:"selected_indices,omitempty"`
	DownloadPath    string            `json:"download_path"`
	ArchiveLocation string            `json:"archive_location,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	AddedAt         string            `json:"added_at"`
	StartedAt       *string           `json:"started_at,omitempty"`
	CompletedAt     *string           `json:"completed_at,omitempty"`
}

type JobFileResponse struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Downloaded int64  `json:"downloaded"`
	Selected   bool   `json:"selected"`
}

type SettingsResponse struct {
	MaxConcurrentDownloads int   `json:"max_concurrent_downloads"`
	SeedAfterDownload      bool  `json:"seed_after_download"`
	MaxDownloadSpeed       int64 `json:"max_download_speed"`
	MaxUploadSpeed         int64 `json:"max_upload_speed"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func jobToResponse(job domain.Job) JobResponse {
	resp := JobResponse{
		ID:              job.ID,
		OwnerID:         job.OwnerID,
		Source:          job.Source,
		Name:            job.Name,
		Status:          job.Status,
		InfoHash:        job.InfoHash,
		TotalSize:       job.TotalSize,
		Downloaded:      job.Downloaded,
		Uploaded:        job.Uploaded,
		DownloadSpeed:   job.DownloadSpeed,
		UploadSpeed:     job.UploadSpeed,
		SeederCount:     job.SeederCount,
		Ratio:           job.Ratio,
		Files:           make([]JobFileResponse, len(job.Files)),
		SelectedIndices: job.SelectedIndices,
		DownloadPath:    job.DownloadPath,
		ArchiveLocation: job.ArchiveLocation,
		ErrorMessage:    job.ErrorMessage,
		AddedAt:         job.AddedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		v := job.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if job.CompletedAt != nil {
		v := job.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	for i := range job.Files {
		resp.Files[i] = JobFileResponse{
			Index:      i,
			Path:       job.Files[i].Path,
			Name:       job.Files[i].Name,
			Size:       job.Files[i].Size,
			Downloaded: job.Files[i].Downloaded,
			Selected:   job.Files[i].Selected,
		}
	}
	return resp
}

func settingsToResponse(settings domain.Settings) SettingsResponse {
	return SettingsResponse{
		MaxConcurrentDownloads: settings.MaxConcurrentDownloads,
		SeedAfterDownload:      settings.SeedAfterDownload,
		MaxDownloadSpeed:       settings.MaxDownloadSpeed,
		MaxUploadSpeed:         settings.MaxUploadSpeed,
	}
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func extractRemotePrefix(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if bucket != "" && parts[0] != bucket {
		return "", fmt.Errorf("s3 bucket mismatch")
	}
	if len(parts) == 1 {
		return "", fmt.Errorf("s3 prefix missing")
	}
	return strings.TrimPrefix(parts[1], "/"), nil
}
