package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/xraph/forge"

	"github.com/voxeval/dispatch"
	"github.com/voxeval/dispatch/id"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/reporter"
)

func (a *API) claimJob(ctx forge.Context, req *ClaimJobRequest) (*job.Job, error) {
	workerID, err := id.ParseWorkerID(req.WorkerID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid worker ID: %v", err))
	}
	region, err := dispatch.ParseRegion(req.Region)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid region: %v", err))
	}

	j, err := a.eng.ClaimJob(ctx.Context(), workerID, region)
	if err != nil {
		return nil, mapDispatchError(err)
	}
	if j == nil {
		// No pending job in the region right now.
		return nil, ctx.NoContent(http.StatusNoContent)
	}

	return j, ctx.JSON(http.StatusOK, j)
}

func (a *API) reportJob(ctx forge.Context, req *ReportJobRequest) (*job.Job, error) {
	jobID, err := id.ParseJobID(ctx.Param("jobId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid job ID: %v", err))
	}
	workerID, err := id.ParseWorkerID(req.WorkerID)
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid worker ID: %v", err))
	}

	outcome := reporter.Outcome(req.Outcome)
	if !outcome.IsValid() {
		return nil, forge.BadRequest(fmt.Sprintf("unknown outcome %q", req.Outcome))
	}

	j, err := a.eng.ReportResult(ctx.Context(), workerID, jobID, outcome, req.Error)
	if err != nil {
		return nil, mapDispatchError(err)
	}

	return j, ctx.JSON(http.StatusOK, j)
}

func (a *API) createJob(ctx forge.Context, req *CreateJobRequest) ([]*job.Job, error) {
	switch {
	case req.TestCaseID != "" && req.WorkflowID != "":
		return nil, forge.BadRequest("set either test_case_id or workflow_id, not both")

	case req.TestCaseID != "":
		tcID, err := id.ParseTestCaseID(req.TestCaseID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid test case ID: %v", err))
		}
		j, err := a.eng.CreateJob(ctx.Context(), tcID)
		if err != nil {
			return nil, mapDispatchError(err)
		}
		jobs := []*job.Job{j}
		return jobs, ctx.JSON(http.StatusCreated, jobs)

	case req.WorkflowID != "":
		wfID, err := id.ParseWorkflowID(req.WorkflowID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid workflow ID: %v", err))
		}
		jobs, err := a.eng.CreateWorkflowJobs(ctx.Context(), wfID)
		if err != nil {
			return nil, mapDispatchError(err)
		}
		return jobs, ctx.JSON(http.StatusCreated, jobs)

	default:
		return nil, forge.BadRequest("test_case_id or workflow_id is required")
	}
}

func (a *API) listJobs(ctx forge.Context, req *ListJobsRequest) ([]*job.Job, error) {
	opts := job.ListOpts{
		State:  job.State(req.State),
		Limit:  defaultLimit(req.Limit),
		Offset: req.Offset,
	}
	if req.Region != "" {
		region, err := dispatch.ParseRegion(req.Region)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid region: %v", err))
		}
		opts.Region = region
	}
	if req.WorkflowID != "" {
		wfID, err := id.ParseWorkflowID(req.WorkflowID)
		if err != nil {
			return nil, forge.BadRequest(fmt.Sprintf("invalid workflow ID: %v", err))
		}
		opts.WorkflowID = wfID
	}

	jobs, err := a.eng.ListJobs(ctx.Context(), opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	return jobs, ctx.JSON(http.StatusOK, jobs)
}

func (a *API) getJob(ctx forge.Context, _ *GetJobRequest) (*job.Job, error) {
	jobID, err := id.ParseJobID(ctx.Param("jobId"))
	if err != nil {
		return nil, forge.BadRequest(fmt.Sprintf("invalid job ID: %v", err))
	}

	j, err := a.eng.GetJob(ctx.Context(), jobID)
	if err != nil {
		return nil, mapDispatchError(err)
	}

	return j, ctx.JSON(http.StatusOK, j)
}

// mapDispatchError converts dispatch sentinel errors to forge HTTP errors.
func mapDispatchError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dispatch.ErrInvalidCredential):
		return forge.Unauthorized(err.Error())
	case errors.Is(err, dispatch.ErrLeaseMismatch):
		return forge.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrRegionMismatch),
		errors.Is(err, dispatch.ErrTestCaseDisabled),
		errors.Is(err, dispatch.ErrWorkerNotEligible),
		errors.Is(err, dispatch.ErrInvalidState):
		return forge.BadRequest(err.Error())
	case isNotFound(err):
		return forge.NotFound(err.Error())
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, dispatch.ErrJobNotFound) ||
		errors.Is(err, dispatch.ErrWorkerNotFound) ||
		errors.Is(err, dispatch.ErrUnknownWorker) ||
		errors.Is(err, dispatch.ErrTokenNotFound) ||
		errors.Is(err, dispatch.ErrTestCaseNotFound) ||
		errors.Is(err, dispatch.ErrVendorNotFound) ||
		errors.Is(err, dispatch.ErrWorkflowNotFound)
}
