package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"outcraftly/models"
	"outcraftly/store"
	"outcraftly/testutil"
	"outcraftly/utils"
)

// 2026-03-02 is a Monday.
var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// fakeMailer records every send. Queued errors are returned in order, one per
// call; once the queue is empty sends succeed.
type fakeMailer struct {
	mu   sync.Mutex
	sent  []utils.OutgoingEmail
	creds []utils.SenderCredentials
	errs  []error
}

func (m *fakeMailer) Send(_ context.Context, creds utils.SenderCredentials, email utils.OutgoingEmail) (*utils.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	m.creds = append(m.creds, creds)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &utils.SendResult{MessageID: email.MessageID, Accepted: []string{email.To}}, nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func logStatuses(logs []models.DeliveryLog) []models.LogStatus {
	out := make([]models.LogStatus, len(logs))
	for i, l := range logs {
		out[i] = l.Status
	}
	return out
}

// assertScheduleInvariant checks that scheduled_at is set exactly on pending
// enrollments.
func assertScheduleInvariant(t *testing.T, db *gorm.DB) {
	t.Helper()
	var rows []models.Enrollment
	require.NoError(t, db.Find(&rows).Error)
	for _, e := range rows {
		pending := e.Status == models.EnrollmentPending
		assert.Equal(t, pending, e.ScheduledAt != nil, "enrollment %d status=%s", e.ID, e.Status)
		if pending {
			assert.NotNil(t, e.StepID, "enrollment %d", e.ID)
		}
	}
}

// recordSend appends a successful send for e as if it went out an hour ago.
func recordSend(t *testing.T, f *testutil.Fixture, e models.Enrollment, messageID string) models.DeliveryLog {
	t.Helper()
	entry := models.DeliveryLog{
		TeamID:       e.TeamID,
		ContactID:    e.ContactID,
		SequenceID:   e.SequenceID,
		StepID:       e.StepID,
		EnrollmentID: e.ID,
		Type:         models.LogSend,
		Status:       models.LogSent,
		Attempt:      1,
		MessageID:    messageID,
	}
	require.NoError(t, store.NewDeliveryLogStore(f.DB).Append(context.Background(), &entry, now.Add(-time.Hour)))
	return entry
}

func logsOfType(logs []models.DeliveryLog, logType models.LogType) []models.DeliveryLog {
	var out []models.DeliveryLog
	for _, l := range logs {
		if l.Type == logType {
			out = append(out, l)
		}
	}
	return out
}
