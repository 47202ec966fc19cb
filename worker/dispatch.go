package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"outcraftly/models"
	"outcraftly/schedule"
	"outcraftly/store"
	"outcraftly/telemetry"
	"outcraftly/utils"
)

type DispatchOptions struct {
	TeamID *uint
	Limit  int
	Now    time.Time // defaults to the dispatcher clock
}

type DispatchSummary struct {
	Scanned int `json:"scanned"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Retried int `json:"retried"`
	Skipped int `json:"skipped"`
	Delayed int `json:"delayed"`
	NoOps   int `json:"noops"`
	Errors  int `json:"errors"`
}

type outcome string

const (
	outcomeSent    outcome = "sent"
	outcomeFailed  outcome = "failed"
	outcomeRetried outcome = "retried"
	outcomeSkipped outcome = "skipped"
	outcomeDelayed outcome = "delayed"
	outcomeNoOp    outcome = "noop"
	outcomeError   outcome = "error"
)

func (s *DispatchSummary) record(o outcome) {
	switch o {
	case outcomeSent:
		s.Sent++
	case outcomeFailed:
		s.Failed++
	case outcomeRetried:
		s.Retried++
	case outcomeSkipped:
		s.Skipped++
	case outcomeDelayed:
		s.Delayed++
	case outcomeNoOp:
		s.NoOps++
	default:
		s.Errors++
	}
}

type DispatcherConfig struct {
	MaxAttempts     int
	RetryBackoff    time.Duration
	DefaultLimit    int
	CredentialKey   string
	TrackingBaseURL string
	TrackingKey     string
}

// Dispatcher sends due sequence steps. Each enrollment is handled in its own
// transaction so one failing row never blocks the rest of the batch.
type Dispatcher struct {
	db     *gorm.DB
	mailer utils.Mailer
	cfg    DispatcherConfig
	logger logrus.FieldLogger
	tracer trace.Tracer
	clock  func() time.Time
}

func NewDispatcher(db *gorm.DB, mailer utils.Mailer, cfg DispatcherConfig, logger logrus.FieldLogger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 15 * time.Minute
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 100
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		db:     db,
		mailer: mailer,
		cfg:    cfg,
		logger: logger.WithField("component", "dispatch"),
		tracer: telemetry.Tracer(),
		clock:  time.Now,
	}
}

// RunDispatch processes up to opts.Limit due enrollments.
func (d *Dispatcher) RunDispatch(ctx context.Context, opts DispatchOptions) (*DispatchSummary, error) {
	now := opts.Now
	if now.IsZero() {
		now = d.clock()
	}
	now = now.UTC()
	limit := opts.Limit
	if limit <= 0 {
		limit = d.cfg.DefaultLimit
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.run")
	defer span.End()

	due, err := store.NewEnrollmentStore(d.db).ListDue(ctx, store.DueFilter{TeamID: opts.TeamID, Now: now, Limit: limit})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	summary := &DispatchSummary{Scanned: len(due)}
	for _, row := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		o, err := d.dispatchOne(ctx, row, now)
		summary.record(o)
		if err != nil {
			utils.LogError("dispatch_enrollment", err, map[string]interface{}{
				"enrollment_id": row.ID,
				"sequence_id":   row.SequenceID,
			})
		}
	}

	span.SetAttributes(
		attribute.Int("dispatch.scanned", summary.Scanned),
		attribute.Int("dispatch.sent", summary.Sent),
		attribute.Int("dispatch.errors", summary.Errors),
	)
	if summary.Scanned > 0 {
		utils.LogEvent("dispatch_pass", map[string]interface{}{
			"scanned": summary.Scanned,
			"sent":    summary.Sent,
			"failed":  summary.Failed,
			"retried": summary.Retried,
			"skipped": summary.Skipped,
			"delayed": summary.Delayed,
			"noops":   summary.NoOps,
			"errors":  summary.Errors,
		})
	}
	return summary, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, row models.Enrollment, now time.Time) (outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.enrollment", trace.WithAttributes(
		attribute.Int64("enrollment.id", int64(row.ID)),
		attribute.Int64("sequence.id", int64(row.SequenceID)),
	))
	defer span.End()

	var o outcome
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		o, err = d.process(ctx, tx, row, now)
		return err
	})
	if errors.Is(err, store.ErrStaleEnrollment) {
		d.logger.WithField("enrollment_id", row.ID).Debug("Enrollment changed concurrently, skipping")
		if o == outcomeSent {
			d.logger.WithField("enrollment_id", row.ID).Warn("Email sent but enrollment was advanced by another worker")
		}
		return outcomeNoOp, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcomeError, err
	}
	span.SetAttributes(attribute.String("dispatch.outcome", string(o)))
	return o, nil
}

// rowContext carries everything loaded for one enrollment inside its
// transaction.
type rowContext struct {
	tx          *gorm.DB
	enrollments *store.EnrollmentStore
	logs        *store.DeliveryLogStore
	cur         *models.Enrollment
	seq         models.Sequence
	step        models.SequenceStep
	contact     models.Contact
	now         time.Time
	log         logrus.FieldLogger
}

func (d *Dispatcher) process(ctx context.Context, tx *gorm.DB, row models.Enrollment, now time.Time) (outcome, error) {
	rc := &rowContext{
		tx:          tx,
		enrollments: store.NewEnrollmentStore(tx),
		logs:        store.NewDeliveryLogStore(tx),
		now:         now,
	}

	cur, err := rc.enrollments.Get(ctx, row.ID)
	if errors.Is(err, store.ErrNotFound) {
		return outcomeNoOp, nil
	}
	if err != nil {
		return outcomeError, err
	}
	if cur.Status != models.EnrollmentPending || cur.StepID == nil || cur.ScheduledAt == nil ||
		cur.ScheduledAt.After(now) || !sameStep(cur.StepID, row.StepID) {
		return outcomeNoOp, nil
	}
	rc.cur = cur
	rc.log = d.logger.WithFields(logrus.Fields{
		"enrollment_id": cur.ID,
		"sequence_id":   cur.SequenceID,
		"step_id":       *cur.StepID,
	})

	if err := tx.WithContext(ctx).First(&rc.seq, cur.SequenceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return outcomeSkipped, nil
		}
		return outcomeError, fmt.Errorf("load sequence: %w", err)
	}
	if rc.seq.Status != models.SequenceActive {
		return outcomeSkipped, nil
	}

	if err := tx.WithContext(ctx).Where("sequence_id = ?", rc.seq.ID).First(&rc.step, *cur.StepID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return d.stop(ctx, rc, models.EnrollmentSkipped, models.LogSkipped, "step no longer exists", outcomeSkipped)
		}
		return outcomeError, fmt.Errorf("load step: %w", err)
	}

	if err := tx.WithContext(ctx).First(&rc.contact, cur.ContactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return d.stop(ctx, rc, models.EnrollmentFailed, models.LogFailed, "contact no longer exists", outcomeFailed)
		}
		return outcomeError, fmt.Errorf("load contact: %w", err)
	}

	if cur.BounceAt != nil && rc.step.SkipIfBounced {
		return d.stop(ctx, rc, models.EnrollmentBounced, models.LogSkipped, "contact bounced", outcomeSkipped)
	}
	if cur.ReplyAt != nil {
		if rc.step.SkipIfReplied {
			return d.stop(ctx, rc, models.EnrollmentReplied, models.LogSkipped, "contact replied", outcomeSkipped)
		}
		if h := rc.step.DelayIfRepliedHours; h != nil && *h > 0 {
			target := cur.ReplyAt.Add(time.Duration(*h) * time.Hour)
			if target.After(now) {
				return d.delayAfterReply(ctx, rc, target)
			}
		}
	}

	sender, reason, err := d.loadSender(ctx, rc)
	if err != nil {
		return outcomeError, err
	}
	if reason != "" {
		return d.stop(ctx, rc, models.EnrollmentFailed, models.LogFailed, reason, outcomeFailed)
	}

	password, err := utils.Decrypt(sender.SMTPPassword, d.cfg.CredentialKey)
	if err != nil {
		return d.stop(ctx, rc, models.EnrollmentFailed, models.LogFailed, "sender credentials could not be decrypted", outcomeFailed)
	}

	email := d.render(rc, sender)
	res, sendErr := d.mailer.Send(ctx, utils.SenderCredentials{
		Host:       sender.SMTPHost,
		Port:       sender.SMTPPort,
		Username:   sender.SMTPUsername,
		Password:   password,
		Encryption: sender.Encryption,
		FromEmail:  sender.FromEmail,
		FromName:   sender.FromName,
	}, email)
	if sendErr == nil && (res == nil || len(res.Accepted) == 0) {
		sendErr = utils.ErrNoRecipientsAccepted
	}
	if sendErr != nil {
		return d.handleSendFailure(ctx, rc, sendErr)
	}
	return d.handleSendSuccess(ctx, rc, sender, email, res)
}

func sameStep(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// loadSender returns a non-empty reason when the sequence cannot send.
func (d *Dispatcher) loadSender(ctx context.Context, rc *rowContext) (*models.Sender, string, error) {
	if rc.seq.SenderID == nil {
		return nil, "sequence has no sender", nil
	}
	var sender models.Sender
	if err := rc.tx.WithContext(ctx).First(&sender, *rc.seq.SenderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "sender no longer exists", nil
		}
		return nil, "", fmt.Errorf("load sender: %w", err)
	}
	if !sender.CanSend() {
		return nil, fmt.Sprintf("sender is %s", sender.Status), nil
	}
	return &sender, "", nil
}

func (d *Dispatcher) render(rc *rowContext, sender *models.Sender) utils.OutgoingEmail {
	fields := rc.contact.TemplateFields()

	var html string
	if utils.IsHTML(rc.step.Body) {
		html = utils.RenderHTMLTemplate(rc.step.Body, fields)
	} else {
		html = utils.TextToHTML(utils.RenderTemplate(rc.step.Body, fields))
	}
	text := utils.HTMLToText(html)

	messageID := utils.NewMessageID(sender.FromEmail)
	html = utils.InjectTracking(html, messageID, utils.TrackingOptions{
		BaseURL: d.cfg.TrackingBaseURL,
		Key:     d.cfg.TrackingKey,
		Opens:   rc.seq.TrackOpens,
		Clicks:  rc.seq.TrackClicks,
	})

	return utils.OutgoingEmail{
		To:        rc.contact.Email,
		ToName:    rc.contact.FullName(),
		Subject:   utils.RenderTemplate(rc.step.Subject, fields),
		HTML:      html,
		Text:      text,
		MessageID: messageID,
	}
}

func (d *Dispatcher) handleSendSuccess(ctx context.Context, rc *rowContext, sender *models.Sender, email utils.OutgoingEmail, res *utils.SendResult) (outcome, error) {
	messageID := utils.NormalizeMessageID(res.MessageID)
	if messageID == "" {
		messageID = email.MessageID
	}

	entry := d.newLog(rc, models.LogSent)
	entry.MessageID = messageID
	entry.Attempt = rc.cur.Attempts + 1
	entry.Payload = map[string]interface{}{
		"subject":  email.Subject,
		"to":       email.To,
		"accepted": res.Accepted,
		"rejected": res.Rejected,
	}
	if err := rc.logs.Append(ctx, entry, rc.now); err != nil {
		return outcomeError, err
	}

	var next models.SequenceStep
	err := rc.tx.WithContext(ctx).
		Where("sequence_id = ? AND (step_order > ? OR (step_order = ? AND id > ?))", rc.seq.ID, rc.step.Order, rc.step.Order, rc.step.ID).
		Order("step_order ASC, id ASC").
		First(&next).Error
	switch {
	case err == nil:
		res := schedule.Compute(schedule.Input{
			Now:             rc.now,
			DelayValue:      next.DelayValue,
			DelayUnit:       next.DelayUnit,
			MinGapMinutes:   rc.cur.Schedule.MinGapMinutes,
			Policy:          rc.cur.Schedule.Policy,
			ContactTimezone: rc.contact.Timezone,
		})
		nextID := next.ID
		at := res.ScheduledAt
		if err := rc.enrollments.Advance(ctx, rc.cur, store.Transition{
			Status: models.EnrollmentPending, StepID: &nextID, ScheduledAt: &at,
		}, rc.now); err != nil {
			return outcomeSent, err
		}
		rc.log.WithFields(logrus.Fields{"next_step_id": nextID, "scheduled_at": at, "reason": res.Reason}).Info("Step sent, next step scheduled")
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := rc.enrollments.Advance(ctx, rc.cur, store.Transition{Status: models.EnrollmentSent}, rc.now); err != nil {
			return outcomeSent, err
		}
		rc.log.Info("Final step sent")
	default:
		return outcomeError, fmt.Errorf("load next step: %w", err)
	}

	if err := rc.tx.WithContext(ctx).Model(sender).Updates(map[string]interface{}{
		"total_sent":   gorm.Expr("total_sent + ?", 1),
		"last_sent_at": rc.now,
	}).Error; err != nil {
		return outcomeSent, fmt.Errorf("update sender stats: %w", err)
	}
	return outcomeSent, nil
}

func (d *Dispatcher) handleSendFailure(ctx context.Context, rc *rowContext, sendErr error) (outcome, error) {
	attempts := rc.cur.Attempts + 1
	msg := describeSendError(sendErr)

	if attempts < d.cfg.MaxAttempts {
		entry := d.newLog(rc, models.LogRetrying)
		entry.Attempt = attempts
		entry.ErrorMessage = &msg
		if err := rc.logs.Append(ctx, entry, rc.now); err != nil {
			return outcomeError, err
		}
		retryAt := rc.now.Add(d.cfg.RetryBackoff)
		if err := rc.enrollments.Advance(ctx, rc.cur, store.Transition{
			Status: models.EnrollmentPending, StepID: rc.cur.StepID, ScheduledAt: &retryAt, Attempts: attempts,
		}, rc.now); err != nil {
			return outcomeError, err
		}
		rc.log.WithFields(logrus.Fields{"attempt": attempts, "retry_at": retryAt}).Warn("Send failed, retry scheduled")
		return outcomeRetried, nil
	}

	entry := d.newLog(rc, models.LogFailed)
	entry.Attempt = attempts
	entry.ErrorMessage = &msg
	if err := rc.logs.Append(ctx, entry, rc.now); err != nil {
		return outcomeError, err
	}
	if err := rc.enrollments.Advance(ctx, rc.cur, store.Transition{Status: models.EnrollmentFailed, Attempts: attempts}, rc.now); err != nil {
		return outcomeError, err
	}
	rc.log.WithField("attempt", attempts).Error("Send failed, retries exhausted")
	return outcomeFailed, nil
}

// stop ends the enrollment with a terminal status and records why.
func (d *Dispatcher) stop(ctx context.Context, rc *rowContext, status models.EnrollmentStatus, logStatus models.LogStatus, reason string, o outcome) (outcome, error) {
	entry := d.newLog(rc, logStatus)
	entry.Attempt = rc.cur.Attempts
	entry.ErrorMessage = &reason
	if err := rc.logs.Append(ctx, entry, rc.now); err != nil {
		return outcomeError, err
	}
	if err := rc.enrollments.Advance(ctx, rc.cur, store.Transition{Status: status, Attempts: rc.cur.Attempts}, rc.now); err != nil {
		return outcomeError, err
	}
	rc.log.WithFields(logrus.Fields{"status": status, "reason": reason}).Info("Enrollment stopped")
	return o, nil
}

func (d *Dispatcher) delayAfterReply(ctx context.Context, rc *rowContext, target time.Time) (outcome, error) {
	res := schedule.Compute(schedule.Input{
		Now:             target,
		MinGapMinutes:   rc.cur.Schedule.MinGapMinutes,
		Policy:          rc.cur.Schedule.Policy,
		ContactTimezone: rc.contact.Timezone,
	})
	at := res.ScheduledAt

	entry := d.newLog(rc, models.LogDelayed)
	entry.Attempt = rc.cur.Attempts
	entry.Payload = map[string]interface{}{
		"reason":      "reply_delay",
		"delay_until": at.Format(time.RFC3339),
	}
	if err := rc.logs.Append(ctx, entry, rc.now); err != nil {
		return outcomeError, err
	}
	if err := rc.enrollments.Advance(ctx, rc.cur, store.Transition{
		Status: models.EnrollmentPending, StepID: rc.cur.StepID, ScheduledAt: &at, Attempts: rc.cur.Attempts,
	}, rc.now); err != nil {
		return outcomeError, err
	}
	rc.log.WithField("scheduled_at", at).Info("Step delayed after reply")
	return outcomeDelayed, nil
}

func (d *Dispatcher) newLog(rc *rowContext, status models.LogStatus) *models.DeliveryLog {
	return &models.DeliveryLog{
		TeamID:       rc.cur.TeamID,
		ContactID:    rc.cur.ContactID,
		SequenceID:   rc.cur.SequenceID,
		StepID:       rc.cur.StepID,
		EnrollmentID: rc.cur.ID,
		Type:         models.LogSend,
		Status:       status,
	}
}

const maxErrorLength = 500

// describeSendError turns a provider error into a message fit for the
// delivery log.
func describeSendError(err error) string {
	switch {
	case errors.Is(err, utils.ErrSendTimeout):
		return "send timed out waiting for the mail provider"
	case errors.Is(err, utils.ErrNoRecipientsAccepted):
		return "recipient was rejected by the mail provider"
	}
	msg := strings.TrimSpace(strings.SplitN(err.Error(), "\n", 2)[0])
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return "mail provider error: " + msg
}
