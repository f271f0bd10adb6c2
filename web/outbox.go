package web

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ParsePageParam extracts the page parameter from a query string
func ParsePageParam(pageStr string) int {
	if pageStr == "" {
		return 0
	}
	page, err := strconv.Atoi(pageStr)
	if err != nil || page < 0 {
		return 0
	}
	return page
}

func lastPage(total int) int {
	if total == 0 {
		return 1
	}
	return (total + itemsPerPage - 1) / itemsPerPage
}

// orderedCollection is the summary of a paged collection.
func orderedCollection(id string, total int, first, last string) gin.H {
	collection := gin.H{
		"@context":   activitypub.ActivityStreamsContext,
		"id":         id,
		"type":       "OrderedCollection",
		"totalItems": total,
		"first":      first,
	}
	if last != "" {
		collection["last"] = last
	}
	return collection
}

// collectionPage builds page number page of the collection at id.
func collectionPage(id string, page int, items []any, hasMore bool) gin.H {
	collectionPage := gin.H{
		"@context":     activitypub.ActivityStreamsContext,
		"id":           fmt.Sprintf("%s?page=%d", id, page),
		"type":         "OrderedCollectionPage",
		"partOf":       id,
		"orderedItems": items,
	}

	// Add next link if there are more pages
	if hasMore {
		collectionPage["next"] = fmt.Sprintf("%s?page=%d", id, page+1)
	}

	// Add prev link if not first page
	if page > 1 {
		collectionPage["prev"] = fmt.Sprintf("%s?page=%d", id, page-1)
	}
	return collectionPage
}

// handleOutbox serves the public notes of a user as Create activities, newest
// first.
func (s *Server) handleOutbox(c *gin.Context) {
	ctx := c.Request.Context()
	acc, err := s.store.ReadAccByUsername(ctx, c.Param("username"))
	if err != nil {
		notFound(c)
		return
	}
	outboxURL := s.conf.OutboxURL(acc.Username)

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		total, err := s.store.CountPublicNotesByAccount(ctx, acc.Id)
		if err != nil {
			s.logger.Error("Outbox: failed to count notes", "username", acc.Username, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read outbox"})
			return
		}
		activityJSON(c, http.StatusOK, orderedCollection(outboxURL, total,
			fmt.Sprintf("%s?page=1", outboxURL),
			fmt.Sprintf("%s?page=%d", outboxURL, lastPage(total))))
		return
	}

	notes, err := s.store.ReadPublicNotesByAccount(ctx, acc.Id, itemsPerPage+1, (page-1)*itemsPerPage)
	if err != nil {
		s.logger.Error("Outbox: failed to fetch notes", "username", acc.Username, "page", page, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read outbox"})
		return
	}
	hasMore := len(notes) > itemsPerPage
	if hasMore {
		notes = notes[:itemsPerPage]
	}
	items := make([]any, 0, len(notes))
	for i := range notes {
		items = append(items, s.createActivity(acc, &notes[i]))
	}
	activityJSON(c, http.StatusOK, collectionPage(outboxURL, page, items, hasMore))
}

// createActivity wraps a stored note in a Create with a stable id.
func (s *Server) createActivity(acc *domain.Account, note *domain.Note) *activitypub.Envelope {
	create := s.engine.Composer.Create(acc, note)
	create.Context = nil
	create.ID = s.conf.ActivityURL(note.Id.String())
	create.Published = note.CreatedAt.UTC().Format(time.RFC3339)
	return create
}

// handleReplies lists the known replies to a local note.
func (s *Server) handleReplies(c *gin.Context) {
	ctx := c.Request.Context()
	noteId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return
	}
	note, err := s.store.ReadNoteById(ctx, noteId)
	if err != nil || !note.Local || note.Tombstoned() {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("Replies: failed to read note", "id", noteId, "err", err)
		}
		notFound(c)
		return
	}
	noteURL := s.conf.NoteURL(note.Id.String())
	repliesURL := s.conf.RepliesURL(note.Id.String())

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		total, err := s.store.CountReplies(ctx, noteURL)
		if err != nil {
			s.logger.Error("Replies: failed to count", "id", noteId, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read replies"})
			return
		}
		activityJSON(c, http.StatusOK, orderedCollection(repliesURL, total, fmt.Sprintf("%s?page=1", repliesURL), ""))
		return
	}

	replies, err := s.store.ReadReplies(ctx, noteURL, itemsPerPage+1, (page-1)*itemsPerPage)
	if err != nil {
		s.logger.Error("Replies: failed to read", "id", noteId, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read replies"})
		return
	}
	hasMore := len(replies) > itemsPerPage
	if hasMore {
		replies = replies[:itemsPerPage]
	}
	items := make([]any, 0, len(replies))
	for _, r := range replies {
		if r.Local {
			items = append(items, s.conf.NoteURL(r.Id.String()))
		} else {
			items = append(items, r.ObjectURI)
		}
	}
	activityJSON(c, http.StatusOK, collectionPage(repliesURL, page, items, hasMore))
}
