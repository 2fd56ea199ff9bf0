package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/rife-worker/internal/recipe"
)

// RecipeDockerfile renders the container build for ?variant= (default from
// configuration). ?lint=true returns the lint report alongside.
func (h *Handler) RecipeDockerfile(c *gin.Context) {
	variant := c.DefaultQuery("variant", h.opts.DefaultVariant)
	plan, err := h.opts.Recipe.Resolve(variant)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dockerfile, err := recipe.Generator{}.Dockerfile(plan)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if c.Query("lint") == "true" {
		report, err := recipe.Lint(dockerfile, plan)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"variant":    plan.Variant,
			"dockerfile": dockerfile,
			"lint":       report,
		})
		return
	}
	c.Header("X-Recipe-Variant", plan.Variant)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(dockerfile))
}

// RecipeVariants lists the variants with their resolved package sets.
func (h *Handler) RecipeVariants(c *gin.Context) {
	type variantInfo struct {
		Name        string   `json:"name"`
		Description string   `json:"description,omitempty"`
		Packages    []string `json:"packages"`
		Default     bool     `json:"default"`
	}
	r := h.opts.Recipe
	out := make([]variantInfo, 0, len(r.Variants))
	for _, name := range r.VariantNames() {
		plan, err := r.Resolve(name)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		info := variantInfo{Name: name, Packages: plan.Packages, Default: name == h.opts.DefaultVariant}
		for _, v := range r.Variants {
			if v.Name == name {
				info.Description = v.Description
			}
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{
		"recipe":   r.Name,
		"binary":   r.Binary.BinaryPath(recipe.DefaultAppDir),
		"variants": out,
	})
}
