package controller

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"outcraftly/middleware"
	"outcraftly/utils"
	"outcraftly/worker"
)

// EngineController exposes the periodic passes and event ingestion.
type EngineController struct {
	Dispatcher *worker.Dispatcher
	Detector   *worker.ReplyDetector
	Reconciler *worker.Reconciler
	Cleaner    *worker.Cleaner
	Hub        *ProgressHub
	Logger     logrus.FieldLogger
}

func NewEngineController(dispatcher *worker.Dispatcher, detector *worker.ReplyDetector, reconciler *worker.Reconciler, cleaner *worker.Cleaner, hub *ProgressHub, logger logrus.FieldLogger) *EngineController {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EngineController{
		Dispatcher: dispatcher,
		Detector:   detector,
		Reconciler: reconciler,
		Cleaner:    cleaner,
		Hub:        hub,
		Logger:     logger,
	}
}

type dispatchRequest struct {
	TeamID *uint `json:"team_id"`
	Limit  int   `json:"limit" validate:"min=0,max=1000"`
}

// parseDispatchRequest reads an optional JSON body; team_id and limit query
// parameters take precedence.
func parseDispatchRequest(c *fiber.Ctx) (dispatchRequest, error) {
	var req dispatchRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return req, errors.New("invalid request body")
		}
	}
	if v := c.Query("team_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return req, errors.New("team_id must be a positive integer")
		}
		req.TeamID = utils.Pointer(uint(id))
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, errors.New("limit must be an integer")
		}
		req.Limit = n
	}
	return req, utils.ValidateStruct(req)
}

// resolveTeam combines the requested team with the caller's scope. A scoped
// caller may only target its own team.
func resolveTeam(c *fiber.Ctx, requested *uint) (*uint, bool) {
	scope := middleware.TeamScope(c)
	if scope == nil {
		return requested, true
	}
	if requested != nil && *requested != *scope {
		return nil, false
	}
	return scope, true
}

func (ec *EngineController) RunDispatch(c *fiber.Ctx) error {
	req, err := parseDispatchRequest(c)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	team, ok := resolveTeam(c, req.TeamID)
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusForbidden, "Token is not valid for this team", nil)
	}

	summary, err := ec.Dispatcher.RunDispatch(c.UserContext(), worker.DispatchOptions{TeamID: team, Limit: req.Limit})
	if err != nil {
		utils.LogError("dispatch_run", err, map[string]interface{}{"team_id": team})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Dispatch failed", nil)
	}
	ec.publish("dispatch", summary)
	return c.JSON(utils.SuccessResponse(summary))
}

func (ec *EngineController) RunReplyDetection(c *fiber.Ctx) error {
	reports, err := ec.Detector.RunReplyDetection(c.UserContext(), middleware.TeamScope(c))
	if err != nil {
		utils.LogError("reply_detection_run", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Reply detection failed", nil)
	}
	ec.publish("replies", reports)
	return c.JSON(utils.SuccessResponse(reports))
}

func (ec *EngineController) RunCleanup(c *fiber.Ctx) error {
	if middleware.TeamScope(c) != nil {
		return utils.ErrorResponse(c, fiber.StatusForbidden, "Cleanup requires an unscoped token", nil)
	}
	report, err := ec.Cleaner.CleanupDeletedSequences(c.UserContext())
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Cleanup failed", nil)
	}
	ec.publish("cleanup", report)
	return c.JSON(utils.SuccessResponse(report))
}

// Events stay raw so a malformed element is reported on its own.
type eventsRequest struct {
	Events []json.RawMessage `json:"events" validate:"required,min=1,max=500"`
}

func (ec *EngineController) IngestEvents(c *fiber.Ctx) error {
	var req eventsRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	results := ec.Reconciler.IngestRawEvents(c.UserContext(), middleware.TeamScope(c), req.Events)

	counts := map[worker.Result]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	ec.Logger.WithFields(logrus.Fields{
		"events":    len(results),
		"processed": counts[worker.ResultProcessed],
		"ignored":   counts[worker.ResultIgnored],
		"errors":    counts[worker.ResultError],
	}).Info("Events ingested")
	ec.publish("events", results)

	return c.JSON(utils.SuccessResponse(results))
}

func (ec *EngineController) publish(event string, payload interface{}) {
	if ec.Hub != nil {
		ec.Hub.Publish(event, payload)
	}
}
