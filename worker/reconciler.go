package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"outcraftly/models"
	"outcraftly/store"
	"outcraftly/telemetry"
	"outcraftly/utils"
)

// Signal is an inbound reply or bounce, from a polled mailbox or a pushed
// event.
type Signal struct {
	Kind       models.LogType // LogReply or LogBounce
	TeamID     *uint          // restricts matching to one workspace
	MessageIDs []string       // ids the inbound message refers to
	ContactID  *uint
	SequenceID *uint
	InboundID  string // idempotency key; derived when empty
	OccurredAt time.Time
	From       string
	Subject    string
	Snippet    string
	Payload    map[string]interface{}
}

type Result string

const (
	ResultProcessed Result = "processed"
	ResultIgnored   Result = "ignored"
	ResultError     Result = "error"
)

type Outcome struct {
	Result       Result `json:"status"`
	Reason       string `json:"reason,omitempty"`
	EnrollmentID uint   `json:"enrollment_id,omitempty"`
	ContactID    *uint  `json:"contact_id"`
	SequenceID   *uint  `json:"sequence_id"`
}

func ignored(reason string) Outcome {
	return Outcome{Result: ResultIgnored, Reason: reason}
}

// Reconciler folds inbound signals back into enrollment state.
type Reconciler struct {
	db     *gorm.DB
	logger logrus.FieldLogger
	tracer trace.Tracer
	clock  func() time.Time
}

func NewReconciler(db *gorm.DB, logger logrus.FieldLogger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		db:     db,
		logger: logger.WithField("component", "reconciler"),
		tracer: telemetry.Tracer(),
		clock:  time.Now,
	}
}

// Apply matches sig to one enrollment and records it. Signals with no
// matching send, for a deleted sequence, or already recorded are ignored.
func (r *Reconciler) Apply(ctx context.Context, sig Signal) (Outcome, error) {
	if sig.Kind != models.LogReply && sig.Kind != models.LogBounce {
		return Outcome{Result: ResultError}, fmt.Errorf("unsupported signal kind %q", sig.Kind)
	}
	sig.MessageIDs = utils.UniqueMessageIDs(sig.MessageIDs...)
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = r.clock()
	}
	sig.OccurredAt = sig.OccurredAt.UTC()
	if sig.InboundID == "" {
		sig.InboundID = deriveInboundID(sig)
	} else {
		sig.InboundID = utils.NormalizeMessageID(sig.InboundID)
	}

	ctx, span := r.tracer.Start(ctx, "reconcile.signal", trace.WithAttributes(
		attribute.String("signal.kind", string(sig.Kind)),
		attribute.Int("signal.message_ids", len(sig.MessageIDs)),
	))
	defer span.End()

	var out Outcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = r.apply(ctx, tx, sig)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{Result: ResultError, ContactID: sig.ContactID, SequenceID: sig.SequenceID}, err
	}

	span.SetAttributes(attribute.String("signal.result", string(out.Result)))
	log := r.logger.WithFields(logrus.Fields{
		"kind":       sig.Kind,
		"inbound_id": sig.InboundID,
		"result":     out.Result,
	})
	if out.Result == ResultIgnored {
		log.WithField("reason", out.Reason).Info("Inbound signal ignored")
	} else {
		log.WithField("enrollment_id", out.EnrollmentID).Info("Inbound signal recorded")
	}
	return out, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *gorm.DB, sig Signal) (Outcome, error) {
	enrollments := store.NewEnrollmentStore(tx)
	logs := store.NewDeliveryLogStore(tx)

	target, send, reason, err := r.match(ctx, enrollments, logs, sig)
	if err != nil {
		return Outcome{}, err
	}
	if target == nil {
		return ignored(reason), nil
	}

	out := Outcome{
		EnrollmentID: target.ID,
		ContactID:    utils.Pointer(target.ContactID),
		SequenceID:   utils.Pointer(target.SequenceID),
	}

	var seq models.Sequence
	if err := tx.WithContext(ctx).First(&seq, target.SequenceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out.Result, out.Reason = ResultIgnored, "sequence deleted"
			return out, nil
		}
		return Outcome{}, fmt.Errorf("load sequence: %w", err)
	}

	dup, err := logs.HasInbound(ctx, target.ID, sig.Kind, sig.InboundID)
	if err != nil {
		return Outcome{}, err
	}
	if dup {
		out.Result, out.Reason = ResultIgnored, "duplicate"
		return out, nil
	}

	open := isActive(target)
	update := store.SignalUpdate{}
	logStatus := models.LogReplied
	switch sig.Kind {
	case models.LogReply:
		if target.ReplyAt == nil {
			update.ReplyAt = &sig.OccurredAt
		}
		if open && seq.StopsOnReply() {
			update.Stop = utils.Pointer(models.EnrollmentReplied)
		}
	case models.LogBounce:
		logStatus = models.LogBounced
		if target.BounceAt == nil {
			update.BounceAt = &sig.OccurredAt
		}
		if open && seq.StopsOnBounce() {
			update.Stop = utils.Pointer(models.EnrollmentBounced)
		}
	}
	if err := enrollments.ApplySignal(ctx, target, update, r.clock()); err != nil {
		return Outcome{}, err
	}

	entry := &models.DeliveryLog{
		TeamID:           target.TeamID,
		ContactID:        target.ContactID,
		SequenceID:       target.SequenceID,
		EnrollmentID:     target.ID,
		Type:             sig.Kind,
		Status:           logStatus,
		InboundMessageID: utils.Pointer(sig.InboundID),
		Payload:          signalPayload(sig),
	}
	if send != nil {
		entry.StepID = send.StepID
		entry.MessageID = send.MessageID
		entry.Attempt = send.Attempt
	}
	if err := logs.Append(ctx, entry, sig.OccurredAt); err != nil {
		return Outcome{}, err
	}

	out.Result = ResultProcessed
	return out, nil
}

// match prefers an explicit contact and sequence pair while its enrollment is
// pending or sent, then the newest send whose message id the signal refers to.
func (r *Reconciler) match(ctx context.Context, enrollments *store.EnrollmentStore, logs *store.DeliveryLogStore, sig Signal) (*models.Enrollment, *models.DeliveryLog, string, error) {
	missReason := "no matching send"
	if sig.ContactID != nil && sig.SequenceID != nil {
		pair, err := enrollments.FindByPair(ctx, *sig.ContactID, *sig.SequenceID)
		switch {
		case err == nil && inTeam(sig.TeamID, pair.TeamID):
			target, err := enrollments.Get(ctx, pair.ID)
			if err != nil {
				return nil, nil, "", err
			}
			if isActive(target) {
				send, err := logs.LatestSend(ctx, target.ID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, nil, "", err
				}
				return target, send, "", nil
			}
			// inactive pair: fall back to the referenced send, if any
			missReason = "enrollment not active"
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, nil, "", err
		}
	}

	send, err := logs.FindSendByMessageIDs(ctx, sig.MessageIDs)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, missReason, nil
	}
	if err != nil {
		return nil, nil, "", err
	}
	if !inTeam(sig.TeamID, send.TeamID) {
		return nil, nil, "no matching send", nil
	}
	target, err := enrollments.Get(ctx, send.EnrollmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, "enrollment not found", nil
	}
	if err != nil {
		return nil, nil, "", err
	}
	return target, send, "", nil
}

// isActive reports whether an enrollment can still take a stop transition.
func isActive(e *models.Enrollment) bool {
	return e.Status == models.EnrollmentPending || e.Status == models.EnrollmentSent
}

func inTeam(scope *uint, teamID uint) bool {
	return scope == nil || *scope == teamID
}

// deriveInboundID keys a signal that carries no inbound id by what it refers
// to, so a redelivered event dedupes even when its timestamp moved. The time
// is only used when the signal names no message and no pair.
func deriveInboundID(sig Signal) string {
	var b strings.Builder
	b.WriteString(string(sig.Kind))
	if len(sig.MessageIDs) > 0 {
		ids := append([]string(nil), sig.MessageIDs...)
		sort.Strings(ids)
		b.WriteString(":" + strings.Join(ids, ","))
	}
	if sig.ContactID != nil && sig.SequenceID != nil {
		fmt.Fprintf(&b, ":%d/%d", *sig.ContactID, *sig.SequenceID)
	}
	if len(sig.MessageIDs) == 0 && (sig.ContactID == nil || sig.SequenceID == nil) {
		b.WriteString(":" + sig.OccurredAt.Format(time.RFC3339Nano))
	}
	return b.String()
}

func signalPayload(sig Signal) map[string]interface{} {
	payload := make(map[string]interface{}, len(sig.Payload)+3)
	for k, v := range sig.Payload {
		payload[k] = v
	}
	if sig.Subject != "" {
		payload["subject"] = sig.Subject
	}
	if sig.Snippet != "" {
		payload["snippet"] = sig.Snippet
	}
	if sig.From != "" {
		payload["from"] = sig.From
	}
	return payload
}
