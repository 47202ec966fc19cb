package controller

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"outcraftly/middleware"
	"outcraftly/models"
	"outcraftly/store"
	"outcraftly/utils"
)

type DeliveryLogController struct {
	DB *gorm.DB
}

func NewDeliveryLogController(db *gorm.DB) *DeliveryLogController {
	return &DeliveryLogController{DB: db}
}

type deliveryLogQuery struct {
	Status string `validate:"omitempty,oneof=sent failed retrying skipped delayed replied bounced manual_send archived"`
	Type   string `validate:"omitempty,oneof=send reply bounce"`
}

// ListDeliveryLogs returns a page of the delivery timeline, newest first.
// Filters: sequence_id, contact_id, status, type, from, to (RFC 3339), page,
// limit.
func (dc *DeliveryLogController) ListDeliveryLogs(c *fiber.Ctx) error {
	q := deliveryLogQuery{Status: c.Query("status"), Type: c.Query("type")}
	if err := utils.ValidateStruct(q); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	filter := store.LogFilter{
		TeamID: middleware.TeamScope(c),
		Status: models.LogStatus(q.Status),
		Type:   models.LogType(q.Type),
		Page:   c.QueryInt("page", 1),
		Limit:  c.QueryInt("limit", 50),
	}

	var err error
	if filter.SequenceID, err = optionalID(c, "sequence_id"); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	if filter.ContactID, err = optionalID(c, "contact_id"); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	if filter.From, err = optionalTime(c, "from"); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}
	if filter.To, err = optionalTime(c, "to"); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	rows, total, err := store.NewDeliveryLogStore(dc.DB).List(c.UserContext(), filter)
	if err != nil {
		utils.LogError("list_delivery_logs", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load delivery logs", nil)
	}

	page, limit := store.NormalizePage(filter.Page, filter.Limit)
	return c.JSON(utils.PaginatedResponse{Data: rows, Total: total, Page: page, Limit: limit})
}

func optionalID(c *fiber.Ctx, key string) (*uint, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%s must be a positive integer", key)
	}
	return utils.Pointer(uint(id)), nil
}

func optionalTime(c *fiber.Ctx, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("%s must be an RFC 3339 timestamp", key)
	}
	return &t, nil
}
