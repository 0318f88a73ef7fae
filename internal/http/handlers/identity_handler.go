// Identity HTTP handler.
//
// Identity in this system is anonymous and client-held: a token minted once,
// persisted by the client, and presented on every request via X-User-ID. There
// is nothing to authenticate; the token's only jobs are to be unique and to be
// the same one next time.
//
// POST /identity exists for clients without durable local storage. It mints a
// token server-side with the same alphabet and structure clients use, but the
// server keeps nothing: persistence stays the caller's problem.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Sidopolis/milap/internal/identity"
)

// IdentityResponse carries a freshly minted identity token.
type IdentityResponse struct {
	// ID is the token to persist and send as X-User-ID from now on.
	ID string `json:"id" example:"x7x1kpqw9v2m4n0mf3kz"`
}

// MintIdentity godoc
// @ID          mintIdentity
// @Summary     Mint a fresh anonymous identity token
// @Description Returns a new token. The server stores nothing; clients must persist the
// @Description token themselves and present it as X-User-ID on every request.
// @Tags        Identity
// @Produce     json
// @Success     201  {object}  handlers.IdentityResponse
// @Router      /identity [post]
func (h *Handlers) MintIdentity(c *gin.Context) {
	ok(c, http.StatusCreated, IdentityResponse{ID: identity.NewToken()})
}
