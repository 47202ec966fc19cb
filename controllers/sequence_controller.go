package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"outcraftly/middleware"
	"outcraftly/models"
	"outcraftly/store"
	"outcraftly/utils"
	"outcraftly/worker"
)

type SequenceController struct {
	DB      *gorm.DB
	Cleaner *worker.Cleaner
	Logger  logrus.FieldLogger
	now     func() time.Time
}

func NewSequenceController(db *gorm.DB, cleaner *worker.Cleaner, logger logrus.FieldLogger) *SequenceController {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SequenceController{DB: db, Cleaner: cleaner, Logger: logger, now: time.Now}
}

// loadSequence finds a sequence visible to the caller.
func (sc *SequenceController) loadSequence(c *fiber.Ctx) (*models.Sequence, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}
	q := sc.DB.WithContext(c.UserContext()).Where("id = ?", id)
	if team := middleware.TeamScope(c); team != nil {
		q = q.Where("team_id = ?", *team)
	}
	var seq models.Sequence
	if err := q.First(&seq).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
		}
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence", nil)
	}
	return &seq, nil
}

type enrollRequest struct {
	ContactID uint `json:"contact_id" validate:"required"`
}

func (sc *SequenceController) Enroll(c *fiber.Ctx) error {
	seq, errResp := sc.loadSequence(c)
	if seq == nil {
		return errResp
	}

	var req enrollRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	enrollment, err := store.NewEnrollmentStore(sc.DB).Enroll(c.UserContext(), req.ContactID, seq.ID, sc.now())
	switch {
	case errors.Is(err, store.ErrAlreadyEnrolled):
		return utils.ErrorResponse(c, fiber.StatusConflict, "Contact is already enrolled in this sequence", nil)
	case errors.Is(err, store.ErrNoSteps):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Sequence has no steps", nil)
	case errors.Is(err, store.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
	case err != nil:
		utils.LogError("enroll_contact", err, map[string]interface{}{
			"sequence_id": seq.ID,
			"contact_id":  req.ContactID,
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll contact", nil)
	}

	sc.Logger.WithFields(logrus.Fields{
		"sequence_id":   seq.ID,
		"contact_id":    req.ContactID,
		"enrollment_id": enrollment.ID,
		"scheduled_at":  enrollment.ScheduledAt,
	}).Info("Contact enrolled")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	seq, errResp := sc.loadSequence(c)
	if seq == nil {
		return errResp
	}

	report, err := sc.Cleaner.DeleteSequence(c.UserContext(), middleware.TeamScope(c), seq.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", nil)
		}
		utils.LogError("delete_sequence", err, map[string]interface{}{"sequence_id": seq.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sequence", nil)
	}
	return c.JSON(utils.SuccessResponse(report))
}

func (sc *SequenceController) GetSummary(c *fiber.Ctx) error {
	seq, errResp := sc.loadSequence(c)
	if seq == nil {
		return errResp
	}
	summary, err := store.NewReports(sc.DB).Summary(c.UserContext(), seq.ID)
	if err != nil {
		utils.LogError("sequence_summary", err, map[string]interface{}{"sequence_id": seq.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load summary", nil)
	}
	return c.JSON(utils.SuccessResponse(summary))
}

func (sc *SequenceController) GetStepStats(c *fiber.Ctx) error {
	seq, errResp := sc.loadSequence(c)
	if seq == nil {
		return errResp
	}
	stats, err := store.NewReports(sc.DB).StepBreakdown(c.UserContext(), seq.ID)
	if err != nil {
		utils.LogError("step_stats", err, map[string]interface{}{"sequence_id": seq.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load step stats", nil)
	}
	return c.JSON(utils.SuccessResponse(stats))
}
