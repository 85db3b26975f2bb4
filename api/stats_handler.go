// Package api provides HTTP handlers for the dispatch API: the worker
// protocol (register, heartbeat, claim, report) and the console projection
// (jobs, workers, tokens, stats).
package api

import (
	"net/http"

	"github.com/xraph/forge"
)

func (a *API) stats(ctx forge.Context) error {
	st, err := a.eng.Stats(ctx.Context())
	if err != nil {
		return forge.InternalError(err)
	}

	return ctx.JSON(http.StatusOK, st)
}
