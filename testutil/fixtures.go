package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"outcraftly/models"
	"outcraftly/schedule"
)

// Fixture seeds one team with an active sender, a contact and an active
// sequence. Fields may be changed before calling the Create helpers.
type Fixture struct {
	DB       *gorm.DB
	Team     models.Team
	Sender   models.Sender
	Contact  models.Contact
	Sequence models.Sequence
}

func NewFixture(t testing.TB, db *gorm.DB) *Fixture {
	t.Helper()
	f := &Fixture{DB: db}

	f.Team = models.Team{Name: "Acme"}
	require.NoError(t, db.Create(&f.Team).Error)

	f.Sender = models.Sender{
		TeamID:       f.Team.ID,
		Name:         "Jane",
		FromEmail:    "jane@acme.test",
		FromName:     "Jane Doe",
		Status:       models.SenderActive,
		SMTPHost:     "smtp.acme.test",
		SMTPPort:     587,
		SMTPUsername: "jane",
		Encryption:   "STARTTLS",
		IMAPHost:     "imap.acme.test",
		IMAPPort:     993,
		IMAPUsername: "jane",
	}
	require.NoError(t, db.Create(&f.Sender).Error)

	f.Contact = f.NewContact(t, "ada@example.com", "Ada")

	f.Sequence = f.NewSequence(t, 2)
	return f
}

func (f *Fixture) NewContact(t testing.TB, email, firstName string) models.Contact {
	t.Helper()
	c := models.Contact{TeamID: f.Team.ID, Email: email, FirstName: firstName, Company: "Analytical", Timezone: "UTC"}
	require.NoError(t, f.DB.Create(&c).Error)
	return c
}

// NewSequence creates an active sequence with the given number of steps,
// each delayed by one day.
func (f *Fixture) NewSequence(t testing.TB, steps int) models.Sequence {
	t.Helper()
	senderID := f.Sender.ID
	seq := models.Sequence{
		TeamID:         f.Team.ID,
		SenderID:       &senderID,
		Name:           "Outreach",
		Status:         models.SequenceActive,
		StopCondition:  models.StopOnReply,
		SchedulePolicy: schedule.Policy{Mode: schedule.Immediate{}},
	}
	for i := 1; i <= steps; i++ {
		delay := 1
		seq.Steps = append(seq.Steps, models.SequenceStep{
			Order:      i,
			Subject:    "Step {{first_name}}",
			Body:       "<p>Hello {{first_name|there}}</p>",
			DelayValue: &delay,
			DelayUnit:  schedule.UnitDays,
		})
	}
	require.NoError(t, f.DB.Create(&seq).Error)
	return seq
}

// Enroll inserts a pending enrollment on the given step, due at dueAt.
func (f *Fixture) Enroll(t testing.TB, contact models.Contact, seq models.Sequence, step models.SequenceStep, dueAt time.Time) models.Enrollment {
	t.Helper()
	stepID := step.ID
	due := dueAt.UTC()
	e := models.Enrollment{
		TeamID:      seq.TeamID,
		ContactID:   contact.ID,
		SequenceID:  seq.ID,
		StepID:      &stepID,
		Status:      models.EnrollmentPending,
		ScheduledAt: &due,
		Schedule:    models.ScheduleSnapshot{Policy: seq.SchedulePolicy, MinGapMinutes: seq.MinGap()},
	}
	require.NoError(t, f.DB.Create(&e).Error)
	return e
}

// Reload fetches the current row for an enrollment.
func (f *Fixture) Reload(t testing.TB, id uint) models.Enrollment {
	t.Helper()
	var e models.Enrollment
	require.NoError(t, f.DB.First(&e, id).Error)
	return e
}

// Logs returns every delivery log of an enrollment, oldest first.
func (f *Fixture) Logs(t testing.TB, enrollmentID uint) []models.DeliveryLog {
	t.Helper()
	var logs []models.DeliveryLog
	require.NoError(t, f.DB.Where("enrollment_id = ?", enrollmentID).Order("id").Find(&logs).Error)
	return logs
}
