package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type tombstoneObject struct {
	Context string `json:"@context"`
	ID      string `json:"id"`
	Type    string `json:"type"`
	Deleted string `json:"deleted,omitempty"`
}

func (s *Server) handleActor(c *gin.Context) {
	actor, err := s.engine.LocalActor(c.Request.Context(), c.Param("username"))
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("Failed to load actor", "username", c.Param("username"), "err", err)
		}
		notFound(c)
		return
	}
	activityJSON(c, http.StatusOK, actor)
}

// handleNote serves a local note. Deleted notes answer 410 with a Tombstone.
func (s *Server) handleNote(c *gin.Context) {
	ctx := c.Request.Context()
	noteId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid note ID"})
		return
	}
	note, err := s.store.ReadNoteById(ctx, noteId)
	if err != nil || !note.Local {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	if note.Tombstoned() {
		activityJSON(c, http.StatusGone, tombstoneObject{
			Context: activitypub.ActivityStreamsContext,
			ID:      s.conf.NoteURL(note.Id.String()),
			Type:    activitypub.TypeTombstone,
			Deleted: note.DeletedAt.UTC().Format(time.RFC3339),
		})
		return
	}
	if note.Visibility == domain.VisibilityDirect || note.Visibility == domain.VisibilityFollowers {
		// addressed objects are only delivered, never served
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	acc, err := s.store.ReadAccById(ctx, note.AccountId)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	doc := s.engine.Composer.NoteDocument(acc, note)
	doc.Context = activitypub.ActivityStreamsContext
	activityJSON(c, http.StatusOK, doc)
}
