package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
)

// handleInbox serves the shared inbox and the per user inboxes. The body is
// handed to the engine as is, signature checks included.
func (s *Server) handleInbox(c *gin.Context) {
	ctx := c.Request.Context()
	username := c.Param("username")
	if username != "" {
		if _, err := s.store.ReadAccByUsername(ctx, username); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.Error("Inbox: failed to look up account", "username", username, "err", err)
			}
			notFound(c)
			return
		}
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		s.logger.Warn("Inbox: failed to read body", "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	requestURI := c.Request.RequestURI
	if requestURI == "" {
		requestURI = c.Request.URL.RequestURI()
	}
	res := s.engine.HandleInbound(ctx, &activitypub.InboundRequest{
		Method:     c.Request.Method,
		RequestURI: requestURI,
		Host:       c.Request.Host,
		Header:     c.Request.Header,
		Body:       body,
		Username:   username,
	})
	if res.Status >= 400 {
		c.JSON(res.Status, gin.H{"error": res.Reason})
		return
	}
	c.JSON(res.Status, gin.H{"status": res.Reason})
}
