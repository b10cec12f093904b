package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs one line per request through logger.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"Method":   c.Request.Method,
			"Path":     c.FullPath(),
			"Status":   c.Writer.Status(),
			"Duration": time.Since(start).String(),
		})
		if actor, ok := ActorFrom(c); ok {
			entry = entry.WithField("ActorID", actor.ID)
		}
		if c.Writer.Status() >= 500 {
			entry.Error("Request handled")
			return
		}
		entry.Info("Request handled")
	}
}
