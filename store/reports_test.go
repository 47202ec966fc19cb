package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcraftly/models"
	"outcraftly/testutil"
	"outcraftly/utils"
)

func TestReports(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	first, second := f.Sequence.Steps[0], f.Sequence.Steps[1]
	ctx := context.Background()
	logs := NewDeliveryLogStore(db)

	a := f.Enroll(t, f.Contact, f.Sequence, first, now)
	b := f.Enroll(t, f.NewContact(t, "b@example.com", "B"), f.Sequence, second, now)
	require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", b.ID).
		Updates(map[string]interface{}{"status": models.EnrollmentReplied, "step_id": nil, "scheduled_at": nil}).Error)

	require.NoError(t, logs.Append(ctx, sendLog(a, models.LogSent, "a1@acme.test"), now))
	bSend := sendLog(b, models.LogSent, "b1@acme.test")
	bSend.StepID = &first.ID
	require.NoError(t, logs.Append(ctx, bSend, now))
	bSecond := sendLog(b, models.LogFailed, "")
	bSecond.StepID = &second.ID
	require.NoError(t, logs.Append(ctx, bSecond, now))
	require.NoError(t, logs.Append(ctx, &models.DeliveryLog{
		TeamID: b.TeamID, ContactID: b.ContactID, SequenceID: b.SequenceID, StepID: &first.ID, EnrollmentID: b.ID,
		Type: models.LogReply, Status: models.LogReplied, InboundMessageID: utils.Pointer("rb@example.com"),
	}, now))

	reports := NewReports(db)

	summary, err := reports.Summary(ctx, f.Sequence.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.Total)
	assert.EqualValues(t, 1, summary.ByStatus[models.EnrollmentPending])
	assert.EqualValues(t, 1, summary.ByStatus[models.EnrollmentReplied])
	assert.EqualValues(t, 0, summary.ByStatus[models.EnrollmentBounced])
	assert.EqualValues(t, 2, summary.Sent)
	assert.EqualValues(t, 1, summary.Replies)
	assert.EqualValues(t, 1, summary.Failures)
	assert.InDelta(t, 0.5, summary.ReplyRate, 0.0001)

	steps, err := reports.StepBreakdown(ctx, f.Sequence.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Order)
	assert.EqualValues(t, 2, steps[0].Sent)
	assert.EqualValues(t, 1, steps[0].Replies)
	assert.EqualValues(t, 1, steps[0].Pending)
	assert.EqualValues(t, 1, steps[1].Failed)
	assert.EqualValues(t, 0, steps[1].Pending)

	_, err = logs.ArchiveReplies(ctx, []uint{f.Sequence.ID}, now)
	require.NoError(t, err)
	summary, err = reports.Summary(ctx, f.Sequence.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, summary.Replies)
}
