package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"outcraftly/models"
	"outcraftly/utils"
)

// MailboxOpener connects to a sender inbox.
type MailboxOpener func(ctx context.Context, cfg utils.MailboxConfig) (utils.Mailbox, error)

func dialIMAP(ctx context.Context, cfg utils.MailboxConfig) (utils.Mailbox, error) {
	return utils.DialIMAP(ctx, cfg)
}

type ReplyDetectorConfig struct {
	CredentialKey string
	FetchLimit    int
	Timeout       time.Duration
}

type DetectionReport struct {
	SenderID uint   `json:"sender_id"`
	Email    string `json:"email"`
	Fetched  int    `json:"fetched"`
	Matched  int    `json:"matched"`
	Ignored  int    `json:"ignored"`
	Errors   int    `json:"errors"`
	Error    string `json:"error,omitempty"`
}

// ReplyDetector polls sender inboxes and feeds replies and bounces to the
// reconciler.
type ReplyDetector struct {
	db         *gorm.DB
	reconciler *Reconciler
	open       MailboxOpener
	cfg        ReplyDetectorConfig
	logger     logrus.FieldLogger
	clock      func() time.Time
}

func NewReplyDetector(db *gorm.DB, reconciler *Reconciler, cfg ReplyDetectorConfig, logger logrus.FieldLogger) *ReplyDetector {
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReplyDetector{
		db:         db,
		reconciler: reconciler,
		open:       dialIMAP,
		cfg:        cfg,
		logger:     logger.WithField("component", "reply_detection"),
		clock:      time.Now,
	}
}

// WithOpener replaces how mailboxes are opened.
func (d *ReplyDetector) WithOpener(open MailboxOpener) *ReplyDetector {
	d.open = open
	return d
}

// RunReplyDetection polls every sender that can receive mail and returns one
// report per sender.
func (d *ReplyDetector) RunReplyDetection(ctx context.Context, teamID *uint) ([]DetectionReport, error) {
	q := d.db.WithContext(ctx).
		Where("status IN ?", []models.SenderStatus{models.SenderActive, models.SenderVerified}).
		Where("imap_host <> ''")
	if teamID != nil {
		q = q.Where("team_id = ?", *teamID)
	}
	var senders []models.Sender
	if err := q.Order("id").Find(&senders).Error; err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}

	reports := make([]DetectionReport, 0, len(senders))
	for i := range senders {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		s := &senders[i]
		if !s.CanPoll() {
			continue
		}
		report := d.pollSender(ctx, s)
		reports = append(reports, report)
		d.recordPoll(ctx, s, report)
	}
	return reports, nil
}

func (d *ReplyDetector) pollSender(ctx context.Context, s *models.Sender) DetectionReport {
	report := DetectionReport{SenderID: s.ID, Email: s.FromEmail}
	log := d.logger.WithFields(logrus.Fields{"sender_id": s.ID, "email": s.FromEmail})

	password, err := utils.Decrypt(s.IMAPPassword, d.cfg.CredentialKey)
	if err != nil {
		report.Errors++
		report.Error = "mailbox credentials could not be decrypted"
		return report
	}
	username := s.IMAPUsername
	if username == "" {
		username = s.FromEmail
	}

	mb, err := d.open(ctx, utils.MailboxConfig{
		Host:       s.IMAPHost,
		Port:       s.IMAPPort,
		Username:   username,
		Password:   password,
		Encryption: s.IMAPEncryption,
		Mailbox:    s.IMAPMailbox,
		Timeout:    d.cfg.Timeout,
	})
	if err != nil {
		utils.LogError("imap_connect", err, map[string]interface{}{"sender_id": s.ID})
		report.Errors++
		report.Error = "could not connect to mailbox"
		return report
	}
	defer func() {
		if err := mb.Close(); err != nil {
			log.WithError(err).Warn("Failed to close mailbox")
		}
	}()

	messages, err := mb.FetchUnseen(ctx, d.cfg.FetchLimit)
	if err != nil {
		log.WithError(err).Warn("Mailbox fetch incomplete")
		report.Errors++
		report.Error = "mailbox fetch incomplete"
	}
	report.Fetched = len(messages)

	for _, msg := range messages {
		kind := models.LogReply
		if utils.IsBounceMessage(msg.From, msg.Subject) {
			kind = models.LogBounce
		}
		inboundID := msg.MessageID
		if inboundID == "" {
			inboundID = fmt.Sprintf("uid-%d@sender-%d", msg.UID, s.ID)
		}

		out, err := d.reconciler.Apply(ctx, Signal{
			Kind:       kind,
			TeamID:     &s.TeamID,
			MessageIDs: msg.CandidateIDs(),
			InboundID:  inboundID,
			OccurredAt: msg.ReceivedAt,
			From:       msg.From,
			Subject:    msg.Subject,
			Snippet:    msg.Snippet,
		})
		if err != nil {
			utils.LogError("reconcile_inbound", err, map[string]interface{}{
				"sender_id":  s.ID,
				"uid":        msg.UID,
				"message_id": msg.MessageID,
			})
			report.Errors++
			continue
		}

		if out.Result == ResultProcessed {
			report.Matched++
		} else {
			report.Ignored++
		}
		if err := mb.MarkProcessed(ctx, msg.UID); err != nil {
			log.WithError(err).WithField("uid", msg.UID).Warn("Failed to mark message processed")
			report.Errors++
		}
	}

	log.WithFields(logrus.Fields{
		"fetched": report.Fetched,
		"matched": report.Matched,
		"ignored": report.Ignored,
		"errors":  report.Errors,
	}).Info("Mailbox polled")
	return report
}

func (d *ReplyDetector) recordPoll(ctx context.Context, s *models.Sender, report DetectionReport) {
	changes := map[string]interface{}{"last_polled_at": d.clock().UTC()}
	if report.Error != "" {
		changes["last_error"] = report.Error
	} else {
		changes["last_error"] = nil
	}
	if err := d.db.WithContext(ctx).Model(s).Updates(changes).Error; err != nil {
		utils.LogError("record_poll", err, map[string]interface{}{"sender_id": s.ID})
	}
}
