package controller

import (
	"crypto/subtle"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"outcraftly/models"
	"outcraftly/utils"
)

// TrackingController serves the open pixel and click redirects injected
// into outbound mail.
type TrackingController struct {
	DB  *gorm.DB
	Key string
}

func NewTrackingController(db *gorm.DB, key string) *TrackingController {
	return &TrackingController{DB: db, Key: key}
}

func (tc *TrackingController) validToken(messageID, token string) bool {
	want := utils.TrackingToken(messageID, tc.Key)
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	messageID, _ := url.PathUnescape(c.Params("messageID"))
	if !tc.validToken(messageID, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	tc.record("email_opened", messageID, nil)

	c.Set(fiber.HeaderCacheControl, "no-store, max-age=0")
	return c.Type("gif").Send(transparentPixel())
}

func (tc *TrackingController) HandleClick(c *fiber.Ctx) error {
	messageID, _ := url.PathUnescape(c.Params("messageID"))
	if !tc.validToken(messageID, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	target, err := url.Parse(c.Query("url"))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid URL")
	}
	tc.record("email_clicked", messageID, map[string]interface{}{"url": target.String()})

	return c.Redirect(target.String(), fiber.StatusFound)
}

// record logs the event with the send it belongs to, when known.
func (tc *TrackingController) record(event, messageID string, extra map[string]interface{}) {
	data := map[string]interface{}{"message_id": messageID}
	for k, v := range extra {
		data[k] = v
	}

	var send models.DeliveryLog
	err := tc.DB.Where("message_id = ? AND type = ?", messageID, models.LogSend).
		Order("id DESC").
		First(&send).Error
	if err == nil {
		data["enrollment_id"] = send.EnrollmentID
		data["sequence_id"] = send.SequenceID
		data["contact_id"] = send.ContactID
	}
	utils.LogEvent(event, data)
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
