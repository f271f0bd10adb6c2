package web

import (
	"net/http"
	"strings"

	"github.com/deemkeen/stegofed/activitypub"
	"github.com/deemkeen/stegofed/util"
	"github.com/gin-gonic/gin"
)

// webFingerUsername extracts the local username a webfinger resource points
// at. It accepts acct:name@domain, name@domain and the actor URL itself.
func webFingerUsername(resource string, conf *util.AppConfig) string {
	if strings.HasPrefix(resource, "https://") || strings.HasPrefix(resource, "http://") {
		return conf.LocalUsername(resource)
	}
	resource = strings.TrimPrefix(resource, "acct:")
	resource = strings.TrimPrefix(resource, "@")
	name, domain, ok := strings.Cut(resource, "@")
	if !ok || name == "" || !strings.EqualFold(domain, conf.Conf.SslDomain) {
		return ""
	}
	return name
}

// GetWebfinger builds the JRD document of a local user.
func GetWebfinger(username string, conf *util.AppConfig) *activitypub.WebFinger {
	actorURL := conf.ActorURL(username)
	return &activitypub.WebFinger{
		Subject: "acct:" + username + "@" + conf.Conf.SslDomain,
		Aliases: []string{actorURL},
		Links: []activitypub.WebFingerLink{
			{Rel: "self", Type: activitypub.ContentTypeActivity, Href: actorURL},
		},
	}
}

func GetWebFingerNotFound() gin.H {
	return gin.H{"detail": "Not Found"}
}

func (s *Server) handleWebFinger(c *gin.Context) {
	c.Header("Content-Type", activitypub.ContentTypeJRD+"; charset=utf-8")

	username := webFingerUsername(c.Query("resource"), s.conf)
	if username == "" {
		c.JSON(http.StatusNotFound, GetWebFingerNotFound())
		return
	}
	acc, err := s.store.ReadAccByUsername(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusNotFound, GetWebFingerNotFound())
		return
	}
	c.JSON(http.StatusOK, GetWebfinger(acc.Username, s.conf))
}
