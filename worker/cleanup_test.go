package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outcraftly/models"
	"outcraftly/store"
	"outcraftly/testutil"
)

func TestDeleteSequence_ResetsReplies(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	e := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[1], now.Add(time.Hour))
	recordSend(t, f, e, "sent@acme.test")
	_, err := NewReconciler(db, nil).Apply(context.Background(), replySignal("r@example.com", "sent@acme.test"))
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentReplied, f.Reload(t, e.ID).Status)

	c := NewCleaner(db, nil)
	c.clock = func() time.Time { return now }
	report, err := c.DeleteSequence(context.Background(), nil, f.Sequence.ID)
	require.NoError(t, err)
	assert.Equal(t, &CleanupReport{Sequences: 1, EnrollmentsReset: 1, LogsArchived: 1}, report)

	got := f.Reload(t, e.ID)
	assert.Equal(t, models.EnrollmentSent, got.Status)
	assert.Nil(t, got.ReplyAt)
	assert.Nil(t, got.ScheduledAt)

	replies := logsOfType(f.Logs(t, e.ID), models.LogReply)
	require.Len(t, replies, 1)
	assert.Equal(t, models.LogArchived, replies[0].Status)

	var seq models.Sequence
	assert.Error(t, db.First(&seq, f.Sequence.ID).Error)
	require.NoError(t, db.Unscoped().First(&seq, f.Sequence.ID).Error)
	assert.True(t, seq.DeletedAt.Time.Equal(now))

	again, err := c.CleanupDeletedSequences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), again.EnrollmentsReset)
	assert.Equal(t, int64(0), again.LogsArchived)
	assertScheduleInvariant(t, db)
}

func TestDeleteSequence_NotFound(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	c := NewCleaner(db, nil)

	_, err := c.DeleteSequence(context.Background(), nil, 424242)
	assert.ErrorIs(t, err, store.ErrNotFound)

	other := f.Team.ID + 1
	_, err = c.DeleteSequence(context.Background(), &other, f.Sequence.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCleanupDeletedSequences(t *testing.T) {
	db := testutil.NewDB(t)
	f := testutil.NewFixture(t, db)
	live := f.NewSequence(t, 1)

	gone := f.Enroll(t, f.Contact, f.Sequence, f.Sequence.Steps[0], now)
	kept := f.Enroll(t, f.Contact, live, live.Steps[0], now)
	for _, e := range []models.Enrollment{gone, kept} {
		require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", e.ID).Updates(map[string]interface{}{
			"status": models.EnrollmentReplied, "reply_at": now, "step_id": nil, "scheduled_at": nil,
		}).Error)
	}
	require.NoError(t, db.Delete(&f.Sequence).Error)

	report, err := NewCleaner(db, nil).CleanupDeletedSequences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sequences)
	assert.Equal(t, int64(1), report.EnrollmentsReset)

	assert.Equal(t, models.EnrollmentSent, f.Reload(t, gone.ID).Status)
	assert.Equal(t, models.EnrollmentReplied, f.Reload(t, kept.ID).Status)
}
