package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/registry"
)

func (a *API) registerWorker(ctx forge.Context, req *RegisterWorkerRequest) (*registry.Worker, error) {
	if req.Token == "" {
		return nil, forge.BadRequest("token is required")
	}

	w, err := a.eng.RegisterWorker(ctx.Context(), req.Token, req.Name, req.Metadata)
	if err != nil {
		return nil, mapDispatchError(err)
	}

	return w, ctx.JSON(http.StatusOK, w)
}

func (a *API) heartbeat(ctx forge.Context, req *HeartbeatRequest) (*struct{}, error) {
	workerID, err := id.ParseWorkerID(req.WorkerID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid worker ID: %v", err))
	}

	if err := a.eng.Heartbeat(ctx.Context(), workerID); err != nil {
		return nil, mapDispatchError(err)
	}

	return nil, ctx.NoContent(http.StatusNoContent)
}

func (a *API) listWorkers(ctx forge.Context, req *ListWorkersRequest) ([]*registry.Worker, error) {
	opts := registry.ListWorkersOpts{
		Health: registry.Health(req.Health),
	}
	if req.Region != "" {
		region, err := dispatch.ParseRegion(req.Region)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid region: %v", err))
		}
		opts.Region = region
	}

	workers, err := a.eng.ListWorkers(ctx.Context(), opts)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	return workers, ctx.JSON(http.StatusOK, workers)
}
