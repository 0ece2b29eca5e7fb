package status

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/hsm-feed/internal/connection"
	"github.com/rickgao/hsm-feed/internal/session"
	"github.com/rickgao/hsm-feed/internal/version"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version string        `json:"version"`
	Commit  string        `json:"commit"`
	Stats   session.Stats `json:"stats"`
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) ready(c *gin.Context) {
	state := s.source.State()
	code := http.StatusOK
	if state != connection.Authenticated {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"state": state})
}

func (s *server) status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Version: version.Version,
		Commit:  version.Commit,
		Stats:   s.source.Stats(),
	})
}

func (s *server) prices(c *gin.Context) {
	quotes := s.source.Prices()

	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusOK, quotes)
		return
	}

	for _, q := range quotes {
		if q.Instrument.Identifier == id {
			c.JSON(http.StatusOK, q)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "instrument not streamed", "id": id})
}
