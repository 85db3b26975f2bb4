package api

import (
	"net/http"

	"github.com/xraph/forge"

	"github.com/voxeval/dispatch/engine"
	"github.com/voxeval/dispatch/job"
	"github.com/voxeval/dispatch/registry"
)

// API wires all Forge-style HTTP handlers together for the dispatch system.
type API struct {
	eng    *engine.Engine
	router forge.Router
}

// New creates an API from a dispatch Engine.
func New(eng *engine.Engine, router forge.Router) *API {
	return &API{eng: eng, router: router}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	if a.router == nil {
		a.router = forge.NewRouter()
	}
	a.RegisterRoutes(a.router)
	return a.router.Handler()
}

// RegisterRoutes registers all dispatch API routes into the given Forge
// router with full OpenAPI metadata.
func (a *API) RegisterRoutes(router forge.Router) {
	a.registerWorkerRoutes(router)
	a.registerJobRoutes(router)
	a.registerTokenRoutes(router)
	a.registerStatsRoutes(router)
}

// registerWorkerRoutes registers the worker-facing lifecycle routes.
func (a *API) registerWorkerRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("workers"))

	_ = g.POST("/workers/register", a.registerWorker,
		forge.WithSummary("Register worker"),
		forge.WithDescription("Authenticates a worker token and creates or reactivates the worker bound to it."),
		forge.WithOperationID("registerWorker"),
		forge.WithRequestSchema(RegisterWorkerRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Registered worker", &registry.Worker{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/workers/heartbeat", a.heartbeat,
		forge.WithSummary("Worker heartbeat"),
		forge.WithDescription("Records a liveness signal; an offline worker returns to online."),
		forge.WithOperationID("workerHeartbeat"),
		forge.WithRequestSchema(HeartbeatRequest{}),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/workers", a.listWorkers,
		forge.WithSummary("List workers"),
		forge.WithDescription("Returns workers filtered by region and health."),
		forge.WithOperationID("listWorkers"),
		forge.WithRequestSchema(ListWorkersRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Worker list", []*registry.Worker{}),
		forge.WithErrorResponses(),
	)
}

// registerJobRoutes registers the claim/report flow and the console's
// job projection.
func (a *API) registerJobRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("jobs"))

	_ = g.POST("/jobs/claim", a.claimJob,
		forge.WithSummary("Claim next job"),
		forge.WithDescription("Assigns the oldest eligible pending job in the worker's region. Responds 204 when none is available."),
		forge.WithOperationID("claimJob"),
		forge.WithRequestSchema(ClaimJobRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Claimed job", &job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/jobs/:jobId/report", a.reportJob,
		forge.WithSummary("Report job result"),
		forge.WithDescription("Finalizes a running job from the worker holding its lease. Responds 409 on a lease mismatch."),
		forge.WithOperationID("reportJob"),
		forge.WithRequestSchema(ReportJobRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Finalized job", &job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/jobs", a.createJob,
		forge.WithSummary("Create job"),
		forge.WithDescription("Creates a pending job for a test case or one per enabled test case of a workflow."),
		forge.WithOperationID("createJob"),
		forge.WithRequestSchema(CreateJobRequest{}),
		forge.WithCreatedResponse([]*job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/jobs", a.listJobs,
		forge.WithSummary("List jobs"),
		forge.WithDescription("Returns jobs filtered by state, region, and workflow."),
		forge.WithOperationID("listJobs"),
		forge.WithRequestSchema(ListJobsRequest{}),
		forge.WithResponseSchema(http.StatusOK, "Job list", []*job.Job{}),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/jobs/:jobId", a.getJob,
		forge.WithSummary("Get job"),
		forge.WithDescription("Returns details of a specific job."),
		forge.WithOperationID("getJob"),
		forge.WithResponseSchema(http.StatusOK, "Job details", &job.Job{}),
		forge.WithErrorResponses(),
	)
}

// registerTokenRoutes registers the admin token management routes.
func (a *API) registerTokenRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("tokens"))

	_ = g.POST("/tokens", a.mintToken,
		forge.WithSummary("Mint worker token"),
		forge.WithDescription("Creates a worker token for a named pool in a region. The raw secret is returned once."),
		forge.WithOperationID("mintToken"),
		forge.WithRequestSchema(MintTokenRequest{}),
		forge.WithCreatedResponse(MintTokenResponse{}),
		forge.WithErrorResponses(),
	)

	_ = g.POST("/tokens/:tokenId/revoke", a.revokeToken,
		forge.WithSummary("Revoke worker token"),
		forge.WithDescription("Revokes a worker token. In-flight jobs are left to the lease reaper."),
		forge.WithOperationID("revokeToken"),
		forge.WithNoContentResponse(),
		forge.WithErrorResponses(),
	)

	_ = g.GET("/tokens", a.listTokens,
		forge.WithSummary("List worker tokens"),
		forge.WithDescription("Returns all worker tokens, newest first. Secret hashes are never included."),
		forge.WithOperationID("listTokens"),
		forge.WithResponseSchema(http.StatusOK, "Token list", []*registry.WorkerToken{}),
		forge.WithErrorResponses(),
	)
}

// registerStatsRoutes registers aggregate statistics routes.
func (a *API) registerStatsRoutes(router forge.Router) {
	g := router.Group("/v1", forge.WithGroupTags("stats"))

	_ = g.GET("/stats", a.stats,
		forge.WithSummary("Dispatch stats"),
		forge.WithDescription("Returns job counts per state and worker counts per health state."),
		forge.WithOperationID("dispatchStats"),
		forge.WithResponseSchema(http.StatusOK, "Dispatch statistics", engine.Stats{}),
		forge.WithErrorResponses(),
	)
}
