package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// relationPager reads one page of accepted follow edges after a cursor.
type relationPager struct {
	count    func(ctx context.Context, accountId uuid.UUID) (int, error)
	read     func(ctx context.Context, accountId uuid.UUID, afterSeq int64, limit int) ([]domain.Relationship, error)
	url      func(username string) string
	outbound bool
}

func (s *Server) handleFollowers(c *gin.Context) {
	s.serveRelations(c, relationPager{
		count: s.store.CountFollowers,
		read:  s.store.ReadFollowers,
		url:   s.conf.FollowersURL,
	})
}

func (s *Server) handleFollowing(c *gin.Context) {
	s.serveRelations(c, relationPager{
		count:    s.store.CountFollowing,
		read:     s.store.ReadFollowing,
		url:      s.conf.FollowingURL,
		outbound: true,
	})
}

// serveRelations answers the collection summary, or with ?page=true one page
// of actor URLs starting after min_id.
func (s *Server) serveRelations(c *gin.Context, p relationPager) {
	ctx := c.Request.Context()
	acc, err := s.store.ReadAccByUsername(ctx, c.Param("username"))
	if err != nil {
		notFound(c)
		return
	}
	collectionURL := p.url(acc.Username)

	if c.Query("page") != "true" {
		total, err := p.count(ctx, acc.Id)
		if err != nil {
			s.logger.Error("Failed to count relationships", "username", acc.Username, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read collection"})
			return
		}
		activityJSON(c, http.StatusOK, orderedCollection(collectionURL, total, collectionURL+"?page=true", ""))
		return
	}

	minId, _ := strconv.ParseInt(c.Query("min_id"), 10, 64)
	rels, err := p.read(ctx, acc.Id, minId, itemsPerPage+1)
	if err != nil {
		s.logger.Error("Failed to read relationships", "username", acc.Username, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read collection"})
		return
	}
	hasMore := len(rels) > itemsPerPage
	if hasMore {
		rels = rels[:itemsPerPage]
	}

	items := make([]any, 0, len(rels))
	for _, rel := range rels {
		other := rel.AccountId
		if p.outbound {
			other = rel.TargetAccountId
		}
		if uri := s.actorURI(ctx, other); uri != "" {
			items = append(items, uri)
		}
	}

	pageURL := collectionURL + "?page=true"
	if minId > 0 {
		pageURL = fmt.Sprintf("%s&min_id=%d", pageURL, minId)
	}
	page := gin.H{
		"@context":     activitypub.ActivityStreamsContext,
		"id":           pageURL,
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURL,
		"orderedItems": items,
	}
	if hasMore {
		page["next"] = fmt.Sprintf("%s?page=true&min_id=%d", collectionURL, rels[len(rels)-1].Seq)
	}
	activityJSON(c, http.StatusOK, page)
}

// actorURI is the actor URL of a local or foreign account id.
func (s *Server) actorURI(ctx context.Context, id uuid.UUID) string {
	if ra, err := s.store.ReadRemoteAccountById(ctx, id); err == nil {
		return ra.ActorURI
	}
	if acc, err := s.store.ReadAccById(ctx, id); err == nil {
		return s.conf.ActorURL(acc.Username)
	}
	s.logger.Debug("relationship points to unknown account", "id", id)
	return ""
}
