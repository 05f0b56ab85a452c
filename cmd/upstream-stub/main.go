// Command upstream-stub is a stand-in for the protected service during local
// runs. It echoes what the gateway forwarded.
package main

import (
	"net/http"

	"github.com/aman-churiwal/admission-gateway/internal/logger"
	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
)

func main() {
	var cli struct {
		Addr string `help:"Listen address." default:":3001"`
	}
	kong.Parse(&cli, kong.Name("upstream-stub"))

	logger.Init("development", "debug")
	defer logger.Sync()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.NoRoute(func(c *gin.Context) {
		logger.Debug("received request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
		)
		c.JSON(http.StatusOK, gin.H{
			"message":        "Hello from upstream stub",
			"path":           c.Request.URL.Path,
			"forwarded_for":  c.GetHeader("X-Forwarded-For"),
			"forwarded_host": c.GetHeader("X-Forwarded-Host"),
			"request_id":     c.GetHeader("X-Request-ID"),
		})
	})

	logger.Info("upstream stub starting", logger.String("addr", cli.Addr))
	if err := r.Run(cli.Addr); err != nil {
		logger.Fatal("upstream stub failed", logger.Err(err))
	}
}
