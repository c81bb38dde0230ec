package httpapi

import (
	"context"
	"net/http"

	"pkt.systems/pslog"

	"pkt.systems/portald/internal/browser"
)

// handleLogin verifies the submitted credentials against the portal and
// reports only the outcome; no data is fetched.
func (h *Handler) handleLogin(ctx context.Context, ow *onceWriter, r *http.Request, logger pslog.Logger) {
	id, secret, ok := h.decodeCredentials(ow, r, logger)
	if !ok {
		return
	}
	h.runGuarded(ctx, ow, logger, id, func(ctx context.Context, sess browser.Session) {
		authed, err := h.portal.Authenticate(ctx, sess, id, secret)
		switch {
		case err != nil:
			logger.Error("login.fatal", "id", id, "error", err)
			ow.Write(http.StatusUnauthorized, resultBody{Result: fatalErrorPrefix + classifyAutomation(err)}, nil)
		case !authed:
			ow.Write(http.StatusUnauthorized, resultBody{Result: msgLoginFailed}, nil)
		default:
			ow.Write(http.StatusOK, resultBody{Result: msgLoginOK}, nil)
		}
	})
}
