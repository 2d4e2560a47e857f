package server

import (
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lupppig/snsbus/internal/events"
)

const eventBuffer = 100

// handleEvents streams delivery events as server-sent events until the
// client goes away. topic_arn, subscription_arn and a comma-separated status
// list narrow the stream.
func (s *Server) handleEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := events.Filter{
			TopicArn:        c.Query("topic_arn"),
			SubscriptionArn: c.Query("subscription_arn"),
		}
		if raw := c.Query("status"); raw != "" {
			for _, name := range strings.Split(raw, ",") {
				status, err := events.ParseStatus(name)
				if err != nil {
					badRequest(c, err.Error())
					return
				}
				filter.Statuses = append(filter.Statuses, status)
			}
		}

		feed := s.events.Subscribe(filter, eventBuffer)
		defer s.events.Unsubscribe(feed)

		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-feed.Events():
				if !ok {
					return false
				}
				c.SSEvent("delivery", ev)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}
