package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const statusServing = "SERVING"

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"status": statusServing}
		if s.dispatch != nil {
			resp["overloaded"] = s.dispatch.Stats().Overloaded
		}
		c.JSON(http.StatusOK, resp)
	}
}
