package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcraftly/models"
	"outcraftly/testutil"
	"outcraftly/utils"
)

func replySignal(inboundID string, refs ...string) Signal {
	return Signal{
		Kind:       models.LogReply,
		MessageIDs: refs,
		InboundID:  inboundID,
		OccurredAt: now.Add(time.Hour),
		From:       "ada@example.com",
		Subject:    "Re: Step Ada",
		Snippet:    "Sounds good, let's talk",
	}
}

func TestApply_ReplyAfterDispatchStopsEnrollment(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	m := &fakeMailer{}
	e := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[0], now)
	_, err := newTestDispatcher(t, f, m).RunDispatch(context.Background(), DispatchOptions{Now: now})
	require.NoError(t, err)
	require.Equal(t, 1, m.count())

	out, err := NewReconciler(db, nil).Apply(context.Background(), replySignal("reply-1@example.com", "<"+m.sent[0].MessageID+">"))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)
	assert.Equal(t, e.ID, out.EnrollmentID)
	assert.Equal(t, f.Contact.ID, *out.ContactID)

	got := f.Reload(t, e.ID)
	assert.Equal(t, models.EnrollmentReplied, got.Status)
	assert.Nil(t, got.StepID)
	assert.Nil(t, got.ScheduledAt)
	require.NotNil(t, got.ReplyAt)
	assert.True(t, got.ReplyAt.Equal(now.Add(time.Hour)))

	replies := logsOfType(f.Logs(t, e.ID), models.LogReply)
	require.Len(t, replies, 1)
	assert.Equal(t, models.LogReplied, replies[0].Status)
	assert.Equal(t, f.Sequence.Steps[0].ID, *replies[0].StepID)
	assert.Equal(t, "reply-1@example.com", *replies[0].InboundMessageID)
	assert.Equal(t, "Sounds good, let's talk", replies[0].Payload["snippet"])
	assertScheduleInvariant(t, db)
}

func TestApply_IsIdempotent(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	e := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[0], now)
	recordSend(t, f, e, "sent-1@acme.test")
	r := NewReconciler(db, nil)
	sig := replySignal("reply-1@example.com", "sent-1@acme.test")

	first, err := r.Apply(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, first.Result)

	later := sig
	later.OccurredAt = now.Add(5 * time.Hour)
	second, err := r.Apply(context.Background(), later)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, second.Result)
	assert.Equal(t, "duplicate", second.Reason)

	assert.Len(t, logsOfType(f.Logs(t, e.ID), models.LogReply), 1)
	got := f.Reload(t, e.ID)
	assert.True(t, got.ReplyAt.Equal(now.Add(time.Hour)))
}

func TestApply_CrossSequenceIsolation(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	seqB := f.NewSequence(t, 2)
	a := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[1], now.Add(time.Hour))
	b := f.Enroll(t, f.Contact, seqB, seqB.Steps[1], now.Add(time.Hour))
	recordSend(t, f, a, "a@acme.test")
	recordSend(t, f, b, "b@acme.test")

	out, err := NewReconciler(db, nil).Apply(context.Background(), replySignal("reply@example.com", "a@acme.test"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, out.EnrollmentID)

	gotA := f.Reload(t, a.ID)
	assert.Equal(t, models.EnrollmentReplied, gotA.Status)

	gotB := f.Reload(t, b.ID)
	assert.Equal(t, models.EnrollmentPending, gotB.Status)
	assert.Nil(t, gotB.ReplyAt)
	assert.Empty(t, logsOfType(f.Logs(t, b.ID), models.LogReply))
	assertScheduleInvariant(t, db)
}

func TestApply_Bounce(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	r := NewReconciler(db, nil)

	keep := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[1], now.Add(time.Hour))
	recordSend(t, f, keep, "keep@acme.test")

	stopping := f.NewSequence(t, 2)
	require.NoError(t, db.Model(&stopping).Update("stop_on_bounce", true).Error)
	stop := f.Enroll(t, f.Contact, stopping, stopping.Steps[1], now.Add(time.Hour))
	recordSend(t, f, stop, "stop@acme.test")

	for _, id := range []string{"keep@acme.test", "stop@acme.test"} {
		out, err := r.Apply(context.Background(), Signal{Kind: models.LogBounce, MessageIDs: []string{id}, InboundID: "dsn-" + id, OccurredAt: now})
		require.NoError(t, err)
		assert.Equal(t, ResultProcessed, out.Result)
	}

	gotKeep := f.Reload(t, keep.ID)
	assert.Equal(t, models.EnrollmentPending, gotKeep.Status)
	require.NotNil(t, gotKeep.BounceAt)

	gotStop := f.Reload(t, stop.ID)
	assert.Equal(t, models.EnrollmentBounced, gotStop.Status)
	assert.Nil(t, gotStop.ScheduledAt)

	bounces := logsOfType(f.Logs(t, stop.ID), models.LogBounce)
	require.Len(t, bounces, 1)
	assert.Equal(t, models.LogBounced, bounces[0].Status)
	assertScheduleInvariant(t, db)
}

func TestApply_ManualStopRecordsReplyOnly(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	require.NoError(t, db.Model(&f.Sequence).Update("stop_condition", models.StopManual).Error)
	e := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[1], now.Add(time.Hour))
	recordSend(t, f, e, "sent@acme.test")

	out, err := NewReconciler(db, nil).Apply(context.Background(), replySignal("r@example.com", "sent@acme.test"))
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)

	got := f.Reload(t, e.ID)
	assert.Equal(t, models.EnrollmentPending, got.Status)
	assert.NotNil(t, got.ReplyAt)
}

func TestApply_Ignored(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	e := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[1], now.Add(time.Hour))
	recordSend(t, f, e, "sent@acme.test")
	r := NewReconciler(db, nil)

	out, err := r.Apply(context.Background(), replySignal("x@example.com", "unknown@elsewhere.test"))
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, out.Result)
	assert.Equal(t, "no matching send", out.Reason)

	other := f.Team.ID + 1
	scoped := replySignal("y@example.com", "sent@acme.test")
	scoped.TeamID = &other
	out, err = r.Apply(context.Background(), scoped)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, out.Result)

	require.NoError(t, db.Delete(&f.Sequence).Error)
	out, err = r.Apply(context.Background(), replySignal("z@example.com", "sent@acme.test"))
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, out.Result)
	assert.Equal(t, "sequence deleted", out.Reason)

	assert.Empty(t, logsOfType(f.Logs(t, e.ID), models.LogReply))
}

func TestApply_ExplicitPairWins(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	seqB := f.NewSequence(t, 2)
	a := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[1], now.Add(time.Hour))
	b := f.Enroll(t, f.Contact, seqB, seqB.Steps[1], now.Add(time.Hour))
	recordSend(t, f, a, "a@acme.test")
	recordSend(t, f, b, "b@acme.test")

	sig := replySignal("", "a@acme.test")
	sig.ContactID = utils.Pointer(f.Contact.ID)
	sig.SequenceID = utils.Pointer(seqB.ID)
	out, err := NewReconciler(db, nil).Apply(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, b.ID, out.EnrollmentID)

	assert.Equal(t, models.EnrollmentPending, f.Reload(t, a.ID).Status)
	assert.Equal(t, models.EnrollmentReplied, f.Reload(t, b.ID).Status)

	replies := logsOfType(f.Logs(t, b.ID), models.LogReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "b@acme.test", replies[0].MessageID)
}

func TestApply_RejectsUnknownKind(t *testing.T) {
	db := testutil.NewDB(t)
	out, err := NewReconciler(db, nil).Apply(context.Background(), Signal{Kind: models.LogSend})
	assert.Error(t, err)
	assert.Equal(t, ResultError, out.Result)
}

func TestApply_InactivePairFallsBackToMessageID(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	seqB := f.NewSequence(t, 2)
	a := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[1], now.Add(time.Hour))
	b := f.Enroll(t, f.Contact, seqB, seqB.Steps[1], now.Add(time.Hour))
	recordSend(t, f, a, "a@acme.test")
	require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", b.ID).Updates(map[string]interface{}{
		"status":       models.EnrollmentFailed,
		"step_id":      nil,
		"scheduled_at": nil,
	}).Error)
	r := NewReconciler(db, nil)

	sig := replySignal("reply-a@example.com", "a@acme.test")
	sig.ContactID = utils.Pointer(f.Contact.ID)
	sig.SequenceID = utils.Pointer(seqB.ID)
	out, err := r.Apply(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, out.Result)
	assert.Equal(t, a.ID, out.EnrollmentID)
	assert.Equal(t, models.EnrollmentReplied, f.Reload(t, a.ID).Status)
	assert.Equal(t, models.EnrollmentFailed, f.Reload(t, b.ID).Status)

	pairOnly := replySignal("reply-b@example.com")
	pairOnly.ContactID = utils.Pointer(f.Contact.ID)
	pairOnly.SequenceID = utils.Pointer(seqB.ID)
	out, err = r.Apply(context.Background(), pairOnly)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, out.Result)
	assert.Equal(t, "enrollment not active", out.Reason)
	assert.Empty(t, logsOfType(f.Logs(t, b.ID), models.LogReply))
}

func TestApply_RedeliveryWithShiftedTimestamp(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	e := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[0], now)
	recordSend(t, f, e, "sent-1@acme.test")
	r := NewReconciler(db, nil)

	sig := replySignal("", "sent-1@acme.test")
	first, err := r.Apply(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, ResultProcessed, first.Result)

	sig.OccurredAt = sig.OccurredAt.Add(time.Second)
	second, err := r.Apply(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, ResultIgnored, second.Result)
	assert.Equal(t, "duplicate", second.Reason)

	assert.Len(t, logsOfType(f.Logs(t, e.ID), models.LogReply), 1)
}

func TestDeriveInboundID_Stable(t *testing.T) {
	sig := Signal{Kind: models.LogReply, MessageIDs: []string{"b@x", "a@x"}, OccurredAt: now}
	assert.Equal(t, "reply:a@x,b@x", deriveInboundID(sig))

	moved := sig
	moved.OccurredAt = now.Add(time.Minute)
	moved.MessageIDs = []string{"a@x", "b@x"}
	assert.Equal(t, deriveInboundID(sig), deriveInboundID(moved))

	pair := Signal{Kind: models.LogBounce, ContactID: utils.Pointer(uint(1)), SequenceID: utils.Pointer(uint(2)), OccurredAt: now}
	assert.Equal(t, "bounce:1/2", deriveInboundID(pair))

	bare := Signal{Kind: models.LogReply, OccurredAt: now}
	assert.Equal(t, "reply:2026-03-02T10:00:00Z", deriveInboundID(bare))
}
