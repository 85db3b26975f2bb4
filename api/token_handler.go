package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/registry"
)

func (a *API) mintToken(ctx forge.Context, req *MintTokenRequest) (*MintTokenResponse, error) {
	if req.Name == "" {
		return nil, forge.BadRequest("name is required")
	}
	region, err := dispatch.ParseRegion(req.Region)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid region: %v", err))
	}

	t, secret, err := a.eng.MintToken(ctx.Context(), req.Name, region)
	if err != nil {
		return nil, mapDispatchError(err)
	}

	resp := &MintTokenResponse{
		TokenID: t.ID.String(),
		Name:    t.Name,
		Region:  string(t.Region),
		Secret:  secret,
	}
	return resp, ctx.JSON(http.StatusCreated, resp)
}

func (a *API) revokeToken(ctx forge.Context) error {
	tokenID, err := id.ParseTokenID(ctx.Param("tokenId"))
	if err != nil {
		return forge.BadRequest(fmt.Sprintf("invalid token ID: %v", err))
	}

	if err := a.eng.RevokeToken(ctx.Context(), tokenID); err != nil {
		return mapDispatchError(err)
	}

	return ctx.NoContent(http.StatusNoContent)
}

func (a *API) listTokens(ctx forge.Context) error {
	tokens, err := a.eng.ListTokens(ctx.Context())
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	if tokens == nil {
		tokens = []*registry.WorkerToken{}
	}

	return ctx.JSON(http.StatusOK, tokens)
}
