package api

import (
	"fmt"
	"io"

	"github.com/gin-gonic/gin"
)

// AccessLog is gin's request logger without the query string. Socket
// handshakes may carry the bearer token as ?token=, which must never be
// written to a log.
func AccessLog(out io.Writer) gin.HandlerFunc {
	return gin.LoggerWithConfig(gin.LoggerConfig{
		Output:    out,
		Formatter: formatAccess,
	})
}

func formatAccess(p gin.LogFormatterParams) string {
	path := ""
	if p.Request != nil && p.Request.URL != nil {
		path = p.Request.URL.Path
	}
	return fmt.Sprintf("[GIN] %v | %3d | %13v | %15s | %-7s %#v\n%s",
		p.TimeStamp.Format("2006/01/02 - 15:04:05"),
		p.StatusCode,
		p.Latency,
		p.ClientIP,
		p.Method,
		path,
		p.ErrorMessage,
	)
}
