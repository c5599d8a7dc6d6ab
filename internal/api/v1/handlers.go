package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/membergate/nodesync/internal/pkg/nodepoll"
	"github.com/membergate/nodesync/internal/pkg/resync"
)

// APIServer implements the admin API surface for the reconciliation jobs.
type APIServer struct {
	engine    *nodepoll.Engine
	resyncJob *resync.Job
}

// NewAPIServer creates a new API server instance
func NewAPIServer(engine *nodepoll.Engine, resyncJob *resync.Job) *APIServer {
	return &APIServer{engine: engine, resyncJob: resyncJob}
}

// Pong is the ping response body.
type Pong struct {
	Ping string `json:"ping"`
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// GetNodePollStatus returns the persisted last-run snapshot of the poll job.
func (s *APIServer) GetNodePollStatus(c *fiber.Ctx) error {
	status, err := s.engine.LastStatus()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":   "internal_server_error",
			"message": "Failed to read job status",
		})
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

// PostNodePollRun triggers a manual reconciliation run. The run executes
// synchronously; lock contention comes back as status "locked".
func (s *APIServer) PostNodePollRun(c *fiber.Ctx) error {
	result := s.engine.RunOnce(c.Context())
	code := fiber.StatusOK
	if result.Status == nodepoll.StatusLocked {
		code = fiber.StatusConflict
	}
	return c.Status(code).JSON(result)
}

// PostNodePollClearLock force-releases a stuck poll lease, for the case
// where the stored lock timestamp is already in the past.
func (s *APIServer) PostNodePollClearLock(c *fiber.Ctx) error {
	s.engine.ClearLock()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"cleared": true})
}

// PostResyncRun triggers a manual daily-resync pass.
func (s *APIServer) PostResyncRun(c *fiber.Ctx) error {
	result := s.resyncJob.Run(c.Context(), true)
	code := fiber.StatusOK
	if result.Status == nodepoll.StatusLocked {
		code = fiber.StatusConflict
	}
	return c.Status(code).JSON(result)
}

// RegisterHandlers attaches the admin API routes to the given router group.
func RegisterHandlers(router fiber.Router, s *APIServer) {
	router.Get("/ping", s.GetPing)
	router.Get("/nodepoll/status", s.GetNodePollStatus)
	router.Post("/nodepoll/run", s.PostNodePollRun)
	router.Post("/nodepoll/lock/clear", s.PostNodePollClearLock)
	router.Post("/resync/run", s.PostResyncRun)
}
