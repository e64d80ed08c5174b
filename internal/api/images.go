package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ctfarena/ctfarena/pkg/types"
)

// listImages returns the enabled image catalog.
func (s *Server) listImages(c echo.Context) error {
	list, err := s.store.ListImages(c.Request().Context(), true)
	if err != nil {
		return errJSON(c, err)
	}
	if list == nil {
		list = []types.Image{}
	}
	return c.JSON(http.StatusOK, list)
}

// createImage adds a catalog entry (admin).
func (s *Server) createImage(c echo.Context) error {
	var req types.ImageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.Tag == "" || req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "imageTag and name are required",
		})
	}

	img := &types.Image{
		Tag:         req.Tag,
		Name:        req.Name,
		Description: req.Description,
		Enabled:     true,
	}
	if req.Enabled != nil {
		img.Enabled = *req.Enabled
	}
	if err := s.store.SaveImage(c.Request().Context(), img); err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusCreated, img)
}

// updateImage edits a catalog entry (admin).
func (s *Server) updateImage(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid image id",
		})
	}
	ctx := c.Request().Context()

	img, err := s.store.GetImage(ctx, id)
	if err != nil {
		return errJSON(c, err)
	}

	var req types.ImageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.Tag != "" {
		img.Tag = req.Tag
	}
	if req.Name != "" {
		img.Name = req.Name
	}
	if req.Description != "" {
		img.Description = req.Description
	}
	if req.Enabled != nil {
		img.Enabled = *req.Enabled
	}

	if err := s.store.SaveImage(ctx, img); err != nil {
		return errJSON(c, err)
	}
	return c.JSON(http.StatusOK, img)
}

// deleteImage removes a catalog entry (admin). Matches that referenced
// the image keep their recorded image_id.
func (s *Server) deleteImage(c echo.Context) error {
	id, err := paramID(c, "id")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid image id",
		})
	}
	if err := s.store.DeleteImage(c.Request().Context(), id); err != nil {
		return errJSON(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
