package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"torrent-web/internal/domain"
	"torrent-web/internal/engine"
	"torrent-web/internal/service"
)

// maxTorrentBytes bounds uploaded .torrent files.
const maxTorrentBytes = 5 << 20

// Handler wires HTTP routes to the task controller.
type Handler struct {
	tasks service.TaskService
}

func NewHandler(tasks service.TaskService) *Handler {
	return &Handler{tasks: tasks}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/tasks", h.createTask)
		api.GET("/tasks", h.listTasks)
		api.GET("/tasks/:id", h.getTask)
		api.POST("/tasks/:id/pause", h.pauseTask)
		api.POST("/tasks/:id/resume", h.resumeTask)
		api.DELETE("/tasks/:id", h.deleteTask)
		api.GET("/status", h.status)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type createTaskRequest struct {
	Magnet string `json:"magnet"`
}

// createTask accepts either a JSON body with a magnet URI or a multipart
// form with a "torrent" file (a "magnet" form field works too).
func (h *Handler) createTask(c *gin.Context) {
	req, err := addRequestFrom(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.tasks.Add(c.Request.Context(), req)
	if err != nil {
		if task != nil {
			// the record exists; report it alongside the failure
			writeErrorWithTask(c, err, task)
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, taskToResponse(*task))
}

func addRequestFrom(c *gin.Context) (service.AddRequest, error) {
	if file, err := c.FormFile("torrent"); err == nil {
		f, err := file.Open()
		if err != nil {
			return service.AddRequest{}, err
		}
		defer f.Close()

		blob, err := io.ReadAll(io.LimitReader(f, maxTorrentBytes))
		if err != nil {
			return service.AddRequest{}, err
		}
		return service.AddRequest{TorrentBlob: blob}, nil
	}

	if magnet := c.PostForm("magnet"); magnet != "" {
		return service.AddRequest{MagnetURI: magnet}, nil
	}

	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return service.AddRequest{}, err
	}
	return service.AddRequest{MagnetURI: req.Magnet}, nil
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks, err := h.tasks.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) pauseTask(c *gin.Context) {
	if err := h.tasks.Pause(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": c.Param("id")})
}

func (h *Handler) resumeTask(c *gin.Context) {
	if err := h.tasks.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resumed": c.Param("id")})
}

func (h *Handler) deleteTask(c *gin.Context) {
	removeFiles, err := strconv.ParseBool(c.DefaultQuery("delete_files", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_files"})
		return
	}

	if err := h.tasks.Delete(c.Request.Context(), c.Param("id"), removeFiles); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// status is the poll endpoint: a plain projection of the store, never an
// engine call.
func (h *Handler) status(c *gin.Context) {
	tasks, err := h.tasks.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]StatusResponse, len(tasks))
	for i := range tasks {
		resp[i] = statusToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusCodeFor(err), gin.H{"error": err.Error()})
}

func writeErrorWithTask(c *gin.Context, err error, task *domain.Task) {
	c.JSON(statusCodeFor(err), gin.H{"error": err.Error(), "task": taskToResponse(*task)})
}

func statusCodeFor(err error) int {
	var validationErr *domain.ValidationError
	var engineErr *engine.EngineError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, engine.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.As(err, &engineErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type TaskResponse struct {
	ID            string             `json:"id"`
	Magnet        string             `json:"magnet,omitempty"`
	InfoHash      string             `json:"info_hash"`
	Name          string             `json:"name"`
	Status        domain.TaskStatus  `json:"status"`
	Progress      float64            `json:"progress"`
	DownloadSpeed int64              `json:"download_speed"`
	UploadSpeed   int64              `json:"upload_speed"`
	ETA           int64              `json:"eta"`
	TotalSize     int64              `json:"total_size"`
	CompletedSize int64              `json:"completed_size"`
	SavePath      string             `json:"save_path"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at"`
	CompletedAt   *string            `json:"completed_at,omitempty"`
	Files         []TaskFileResponse `json:"files"`
}

type TaskFileResponse struct {
	Path           string `json:"path"`
	Size           int64  `json:"size"`
	CompletedBytes int64  `json:"completed_bytes"`
}

// StatusResponse is the compact snapshot row served to pollers.
type StatusResponse struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Progress      float64           `json:"progress"`
	DownloadSpeed int64             `json:"download_speed"`
	UploadSpeed   int64             `json:"upload_speed"`
	ETA           int64             `json:"eta"`
	TotalSize     int64             `json:"total_size"`
	Status        domain.TaskStatus `json:"status"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:            task.ID,
		Magnet:        task.MagnetURI,
		InfoHash:      task.InfoHash,
		Name:          task.Name,
		Status:        task.Status,
		Progress:      task.Progress,
		DownloadSpeed: task.DownloadSpeed,
		UploadSpeed:   task.UploadSpeed,
		ETA:           task.ETA,
		TotalSize:     task.TotalSize,
		CompletedSize: task.CompletedSize,
		SavePath:      task.SavePath,
		ErrorMessage:  task.ErrorMessage,
		CreatedAt:     task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     task.UpdatedAt.Format(time.RFC3339),
		Files:         make([]TaskFileResponse, len(task.Files)),
	}
	if task.CompletedAt != nil {
		v := task.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}
	for i := range task.Files {
		resp.Files[i] = TaskFileResponse{
			Path:           task.Files[i].Path,
			Size:           task.Files[i].Size,
			CompletedBytes: task.Files[i].CompletedBytes,
		}
	}
	return resp
}

func statusToResponse(task domain.Task) StatusResponse {
	return StatusResponse{
		ID:            task.ID,
		Name:          task.Name,
		Progress:      task.Progress,
		DownloadSpeed: task.DownloadSpeed,
		UploadSpeed:   task.UploadSpeed,
		ETA:           task.ETA,
		TotalSize:     task.TotalSize,
		Status:        task.Status,
		ErrorMessage:  task.ErrorMessage,
	}
}
