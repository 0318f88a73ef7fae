// Profile and builder-discovery HTTP handlers.
//
// This file exposes REST endpoints for user records and the builder catalog:
//   - GET    /profile                    (caller's own record)
//   - PUT    /profile                    (overwrite record)
//   - PATCH  /profile                    (replace profile, keep projects)
//   - POST   /profile/projects           (append a project)
//   - DELETE /profile/projects/{index}   (remove a project by position)
//   - GET    /profiles/{id}              (another builder's record)
//   - GET    /builders                   (catalog excluding caller)
//   - GET    /builders/stream            (SSE snapshot stream of the catalog)
//   - GET    /builders/matches           (tag-overlap matches for the caller)
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Sidopolis/milap/internal/domain"
	"github.com/Sidopolis/milap/internal/services"
)

//
// DTOs
//

// BuildersResponse contains a builder catalog slice.
type BuildersResponse struct {
	Builders []domain.Builder `json:"builders"`
}

//
// Handlers
//

// GetOwnProfile godoc
// @ID          getOwnProfile
// @Summary     Read the caller's user record
// @Tags        Profiles
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Success     200  {object}  domain.UserRecord
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     404  {object}  handlers.ErrorResponse  "No record yet"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profile [get]
func (h *Handlers) GetOwnProfile(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	rec, err := h.profileSvc.Get(c.Request.Context(), id)
	if err != nil {
		failProfile(c, err)
		return
	}
	ok(c, http.StatusOK, rec)
}

// GetProfile godoc
// @ID          getProfile
// @Summary     Read another builder's user record
// @Tags        Profiles
// @Produce     json
// @Param       id  path  string  true  "Builder identity token"
// @Success     200  {object}  domain.UserRecord
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "No record"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profiles/{id} [get]
func (h *Handlers) GetProfile(c *gin.Context) {
	rec, err := h.profileSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failProfile(c, err)
		return
	}
	ok(c, http.StatusOK, rec)
}

// PutProfile godoc
// @ID          putProfile
// @Summary     Overwrite the caller's user record
// @Description Replaces the whole record (profile and project list). Last write wins.
// @Tags        Profiles
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       body       body    domain.UserRecord  true  "Full record"
// @Success     204  "Saved"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profile [put]
func (h *Handlers) PutProfile(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	var rec domain.UserRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed record")
		return
	}
	if err := h.profileSvc.Save(c.Request.Context(), id, rec); err != nil {
		failProfile(c, err)
		return
	}
	h.markDone(c)
	noContent(c)
}

// PatchProfile godoc
// @ID          patchProfile
// @Summary     Update the caller's profile
// @Description Replaces only the profile fields, keeping the project list. Creates the
// @Description record when none exists yet.
// @Tags        Profiles
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       body       body    domain.Profile  true  "Profile fields"
// @Success     204  "Updated"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profile [patch]
func (h *Handlers) PatchProfile(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	var p domain.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed profile")
		return
	}
	if err := h.profileSvc.UpdateProfile(c.Request.Context(), id, p); err != nil {
		failProfile(c, err)
		return
	}
	noContent(c)
}

// AddProject godoc
// @ID          addProject
// @Summary     Add a project to the caller's record
// @Tags        Profiles
// @Accept      json
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       body       body    domain.Project  true  "Project"
// @Success     204  "Added"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     404  {object}  handlers.ErrorResponse  "No record yet"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profile/projects [post]
func (h *Handlers) AddProject(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	var p domain.Project
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed project")
		return
	}
	if err := h.profileSvc.AddProject(c.Request.Context(), id, p); err != nil {
		failProfile(c, err)
		return
	}
	h.markDone(c)
	noContent(c)
}

// RemoveProject godoc
// @ID          removeProject
// @Summary     Remove a project by position
// @Description Removing a position that no longer exists succeeds without effect, so
// @Description retries after a slow response are safe.
// @Tags        Profiles
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Param       index      path    int     true  "Zero-based project position"
// @Success     204  "Removed (or nothing at that position)"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     404  {object}  handlers.ErrorResponse  "No record yet"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /profile/projects/{index} [delete]
func (h *Handlers) RemoveProject(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "index must be an integer")
		return
	}
	if err := h.profileSvc.RemoveProject(c.Request.Context(), id, index); err != nil {
		failProfile(c, err)
		return
	}
	noContent(c)
}

// GetBuilders godoc
// @ID          getBuilders
// @Summary     List every builder except the caller
// @Tags        Builders
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Success     200  {object}  handlers.BuildersResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /builders [get]
func (h *Handlers) GetBuilders(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	builders, err := h.profileSvc.Builders(c.Request.Context(), id)
	if err != nil {
		failProfile(c, err)
		return
	}
	ok(c, http.StatusOK, BuildersResponse{Builders: builders})
}

// StreamBuilders godoc
// @ID          streamBuilders
// @Summary     Watch the builder catalog
// @Description SSE snapshot stream: each `builders` event carries the full catalog
// @Description excluding the caller.
// @Tags        Builders
// @Produce     text/event-stream
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Success     200  "SSE stream of builders events"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Router      /builders/stream [get]
func (h *Handlers) StreamBuilders(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	snaps, cancel := h.profileSvc.WatchBuilders(id)
	streamJSON(c, "builders", snaps, cancel)
}

// GetMatches godoc
// @ID          getMatches
// @Summary     List builders sharing a project tag with the caller
// @Description Tag comparison is case-insensitive and whitespace-tolerant. A caller with
// @Description no profile or no tags matches nobody.
// @Tags        Builders
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller identity token"
// @Success     200  {object}  handlers.BuildersResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /builders/matches [get]
func (h *Handlers) GetMatches(c *gin.Context) {
	id := callerID(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID required")
		return
	}
	matches, err := h.profileSvc.Matches(c.Request.Context(), id)
	if err != nil {
		failProfile(c, err)
		return
	}
	ok(c, http.StatusOK, BuildersResponse{Builders: matches})
}

// failProfile maps profile-service errors onto HTTP responses.
func failProfile(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrProfileNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "profile not found")
	case errors.Is(err, services.ErrBadIdentity):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid identity")
	case errors.Is(err, services.ErrEmptyName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "display name required")
	case errors.Is(err, services.ErrEmptyProjectName):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "project name required")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "profile operation failed")
	}
}
