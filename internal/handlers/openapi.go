package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/rife-worker/internal/openapi"
)

// OpenAPISpec serves the API description as JSON, or YAML with ?format=yaml.
func (h *Handler) OpenAPISpec(c *gin.Context) {
	if c.Query("format") == "yaml" {
		c.Data(http.StatusOK, "application/yaml", openapi.YAML())
		return
	}
	doc, err := openapi.JSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}
