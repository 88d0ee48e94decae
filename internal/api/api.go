// Package api is the HTTP management surface of the mirror daemon.
package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-mirror/internal/access"
	"github.com/celerix-dev/celerix-mirror/internal/container"
	"github.com/celerix-dev/celerix-mirror/internal/vault"
	"github.com/celerix-dev/celerix-mirror/pkg/schema"
)

// Users is the part of the access gate the API exposes.
type Users interface {
	Register(username, password string) error
	Users() ([]string, error)
	Files(username string) (map[string]time.Time, error)
	HasAccess(username, fileID string) bool
}

// Handler serves the management API over the containers in Dir.
type Handler struct {
	Dir    string
	Reader *container.Reader
	Users  Users
}

// Register mounts the API routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Health)

	g := r.Group("/api")
	{
		g.GET("/mirrors", h.ListMirrors)
		g.GET("/mirrors/:name", h.InspectMirror)
		g.POST("/mirrors/:name/inspect", h.InspectMirror)
		g.GET("/users", h.ListUsers)
		g.POST("/users", h.CreateUser)
		g.GET("/users/:user/files", h.ListFiles)
		g.GET("/users/:user/files/:file", h.FileAccess)
	}
}

type mirrorEntry struct {
	Name      string    `json:"name"`
	FileID    string    `json:"file_id"`
	Username  string    `json:"username"`
	Created   time.Time `json:"created"`
	Encrypted bool      `json:"encrypted"`
	Size      int64     `json:"size"`
}

type mirrorDetail struct {
	mirrorEntry
	Strength   int            `json:"strength,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   float64        `json:"duration"`
	EventCount int            `json:"event_count"`
	Events     []schema.Event `json:"events,omitempty"`
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListMirrors(c *gin.Context) {
	entries, err := container.List(h.Dir)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]mirrorEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON(e.Name, e.Size))
	}
	c.JSON(http.StatusOK, out)
}

// InspectMirror decodes a container. Encrypted containers need credentials,
// which are only accepted in a POST body.
func (h *Handler) InspectMirror(c *gin.Context) {
	base := c.Param("name")
	name, err := container.ParseName(base)
	if err != nil || filepath.Base(base) != base {
		c.JSON(http.StatusNotFound, gin.H{"error": "mirror not found"})
		return
	}
	path := filepath.Join(h.Dir, base)
	info, err := os.Stat(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "mirror not found"})
		return
	}

	var input struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Strength int    `json:"strength"`
	}
	if c.Request.Method == http.MethodPost {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if input.Strength != 0 && !vault.Strength(input.Strength).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "strength must be 1, 2 or 3"})
			return
		}
	}

	loaded, err := h.Reader.Read(c.Request.Context(), path, container.ReadOptions{
		Username: input.Username,
		Password: input.Password,
		Strength: vault.Strength(input.Strength),
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": schema.Describe(err)})
		return
	}

	detail := mirrorDetail{
		mirrorEntry: entryJSON(name, info.Size()),
		Strength:    int(loaded.Header.Strength),
		StartedAt:   loaded.Session.StartedAt,
		Duration:    loaded.Session.Duration,
		EventCount:  loaded.Session.EventCount,
	}
	if c.Query("events") == "true" {
		detail.Events = loaded.Session.Events
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.Users.Users()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *Handler) CreateUser(c *gin.Context) {
	var input struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := container.ValidUsername(input.Username); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Users.Register(input.Username, input.Password); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "success"})
}

func (h *Handler) ListFiles(c *gin.Context) {
	files, err := h.Users.Files(c.Param("user"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type file struct {
		FileID    string    `json:"file_id"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]file, 0, len(files))
	for id, created := range files {
		out = append(out, file{FileID: id, CreatedAt: created})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	c.JSON(http.StatusOK, out)
}

func (h *Handler) FileAccess(c *gin.Context) {
	user, fileID := c.Param("user"), c.Param("file")
	c.JSON(http.StatusOK, gin.H{
		"username": user,
		"file_id":  fileID,
		"access":   h.Users.HasAccess(user, fileID),
	})
}

func entryJSON(n container.Name, size int64) mirrorEntry {
	return mirrorEntry{
		Name:      n.String(),
		FileID:    n.FileID(),
		Username:  n.Username,
		Created:   n.Created,
		Encrypted: n.Encrypted,
		Size:      size,
	}
}

// statusFor maps pipeline and gate errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, schema.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, schema.ErrMalformedContainer), errors.Is(err, schema.ErrDecompressionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, schema.ErrEmptySession), errors.Is(err, schema.ErrInvalidSession),
		errors.Is(err, access.ErrInvalidCredentials):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, os.ErrNotExist), errors.Is(err, access.ErrNoEscrow):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
