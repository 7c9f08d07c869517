package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/upscale-worker/internal/api/dto"
	"github.com/cuongbtq/upscale-worker/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	if deps.MaxUploadSize > 0 {
		// multipart parts beyond this are spooled to disk by net/http
		r.MaxMultipartMemory = deps.MaxUploadSize
	}

	// Health check endpoint
	r.GET("/health", healthHandler(deps))

	imageHandler := handler.NewImageHandler(deps)

	v1 := r.Group("/v1")
	{
		// POST /v1/upload - Store an image and queue an upscale job
		v1.POST("/upload", imageHandler.Upload)

		// GET /v1/images/:id - Job result lookup
		v1.GET("/images/:id", imageHandler.GetImage)
	}

	return r
}

func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := dto.HealthResponse{
			Status:  "healthy",
			Service: deps.ServiceName,
		}

		if deps.Health == nil {
			c.JSON(http.StatusOK, resp)
			return
		}

		code := http.StatusOK
		resp.Checks = make(map[string]string)
		for name, err := range deps.Health(c.Request.Context()) {
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}

		c.JSON(code, resp)
	}
}
