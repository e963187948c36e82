package api

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/glefebvre/moviepilot/internal/errors"
	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/provider"
)

const maxInboundBody = 4 << 20

func (s *Server) healthCheck(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

func (s *Server) mediaServerWebhook(c *gin.Context) {
	name := c.Param("provider")
	server, err := s.deps.Registry.MediaServer(name)
	if err != nil {
		s.respondError(c, errors.NotFoundError("media server", name))
		return
	}

	body, form, err := readInbound(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	ev, err := server.ParseWebhook(body, form, c.Request.URL.Query())
	if err != nil {
		s.respondError(c, errors.Wrap(err, errors.CodeInvalidInput, "unreadable webhook payload"))
		return
	}
	if ev == nil {
		c.JSON(http.StatusOK, StatusResponse{Status: statusIgnored})
		return
	}
	if ev.Channel == "" {
		ev.Channel = name
	}

	s.deps.Bus.Emit(c.Request.Context(), eventbus.WebhookMessage, ev.Data())
	c.JSON(http.StatusOK, StatusResponse{Status: statusAccepted, Event: ev.Event})
}

func (s *Server) inboundMessage(c *gin.Context) {
	name := c.Param("provider")
	p, ok := s.deps.Registry.Get(provider.CapMessager, name)
	messager, isMessager := p.(provider.Messager)
	if !ok || !isMessager {
		s.respondError(c, errors.NotFoundError("messager", name))
		return
	}

	body, form, err := readInbound(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	msg, err := messager.ParseInbound(body, form, c.Request.URL.Query())
	if err != nil {
		s.respondError(c, errors.Wrap(err, errors.CodeInvalidInput, "unreadable message payload"))
		return
	}
	if msg == nil || strings.TrimSpace(msg.Text) == "" {
		c.JSON(http.StatusOK, StatusResponse{Status: statusIgnored})
		return
	}
	if msg.Channel == "" {
		msg.Channel = name
	}

	s.deps.Bus.Emit(c.Request.Context(), eventbus.UserMessage, map[string]interface{}{
		"channel":  msg.Channel,
		"userid":   msg.UserID,
		"username": msg.Username,
		"text":     msg.Text,
	})
	c.JSON(http.StatusOK, StatusResponse{Status: statusAccepted})
}

func (s *Server) listSubscriptions(c *gin.Context) {
	if s.deps.Subscriptions == nil {
		s.respondError(c, errors.NotConfiguredError("subscriptions"))
		return
	}
	subs, err := s.deps.Subscriptions.List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	total := len(subs)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}

	c.JSON(http.StatusOK, PaginatedResponse{
		Data:       subs[offset:end],
		Total:      int64(total),
		Limit:      limit,
		Offset:     offset,
		TotalPages: pages,
	})
}

func (s *Server) listPlugins(c *gin.Context) {
	if s.deps.Plugins == nil {
		s.respondError(c, errors.NotConfiguredError("plugins"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plugins": s.deps.Plugins.List(),
	})
}

func (s *Server) savePluginConfig(c *gin.Context) {
	if s.deps.Plugins == nil {
		s.respondError(c, errors.NotConfiguredError("plugins"))
		return
	}
	id := c.Param("id")
	if _, ok := s.deps.Plugins.Get(id); !ok {
		s.respondError(c, errors.NotFoundError("plugin", id))
		return
	}

	var req PluginConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.ValidationError(err.Error()))
		return
	}
	if err := s.deps.Plugins.SaveConfig(c.Request.Context(), id, req.Values); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reloadPlugin(c *gin.Context) {
	if s.deps.Plugins == nil {
		s.respondError(c, errors.NotConfiguredError("plugins"))
		return
	}
	if err := s.deps.Plugins.Reload(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pluginRoute(c *gin.Context) {
	if s.deps.Plugins == nil {
		c.Status(http.StatusNotFound)
		return
	}
	s.deps.Plugins.ServeRoute(c.Writer, c.Request, c.Param("id"), c.Param("path"))
}

// deleteDownload removes a download from its client and lets history
// cleanup reverse what was transferred from it.
func (s *Server) deleteDownload(c *gin.Context) {
	hash := c.Param("hash")
	downloader, err := s.deps.Registry.Downloader(c.Query("downloader"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	deleteFiles := c.DefaultQuery("delete_files", "true") == "true"
	if err := downloader.Remove(c.Request.Context(), hash, deleteFiles); err != nil {
		s.respondError(c, err)
		return
	}

	s.deps.Bus.Emit(c.Request.Context(), eventbus.DownloadFileDeleted, map[string]interface{}{
		"download_hash": hash,
		"downloader":    downloader.Name(),
	})
	c.Status(http.StatusNoContent)
}

func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsNotConfigured(err):
		status = http.StatusServiceUnavailable
	case errors.IsValidationError(err):
		status = http.StatusBadRequest
	}

	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(c.Request.Context(), "request failed", err)
	}
	c.JSON(status, ErrorResponse{
		Error:   strings.ToLower(http.StatusText(status)),
		Message: err.Error(),
	})
}

// readInbound returns the raw body and, for form posts, its decoded fields
func readInbound(c *gin.Context) ([]byte, url.Values, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBody))
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeInvalidInput, "failed to read request body")
	}
	form := url.Values{}
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		if form, err = url.ParseQuery(string(body)); err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeInvalidInput, "malformed form body")
		}
	}
	return body, form, nil
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
