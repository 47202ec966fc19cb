package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"outcraftly/models"
	"outcraftly/schedule"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyEnrolled = errors.New("contact already enrolled in sequence")
	ErrStaleEnrollment = errors.New("enrollment changed concurrently")
	ErrNoSteps         = errors.New("sequence has no steps")
	ErrInvalidSchedule = errors.New("scheduled_at must be set exactly when status is pending")
)

// EnrollmentStore reads and transitions enrollments. Bind it to a
// transaction with WithTx so reads and writes share the row lock.
type EnrollmentStore struct {
	db *gorm.DB
}

func NewEnrollmentStore(db *gorm.DB) *EnrollmentStore {
	return &EnrollmentStore{db: db}
}

func (s *EnrollmentStore) WithTx(tx *gorm.DB) *EnrollmentStore {
	return &EnrollmentStore{db: tx}
}

type DueFilter struct {
	TeamID *uint
	Now    time.Time
	Limit  int
}

// ListDue returns pending enrollments whose schedule has passed, oldest
// first, skipping sequences that are not active or are deleted.
func (s *EnrollmentStore) ListDue(ctx context.Context, f DueFilter) ([]models.Enrollment, error) {
	q := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Joins("JOIN sequences ON sequences.id = enrollments.sequence_id AND sequences.deleted_at IS NULL").
		Where("enrollments.status = ?", models.EnrollmentPending).
		Where("enrollments.scheduled_at IS NOT NULL AND enrollments.scheduled_at <= ?", f.Now.UTC()).
		Where("sequences.status = ?", models.SequenceActive).
		Order("enrollments.scheduled_at ASC, enrollments.id ASC")
	if f.TeamID != nil {
		q = q.Where("enrollments.team_id = ?", *f.TeamID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []models.Enrollment
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list due enrollments: %w", err)
	}
	return rows, nil
}

// Get re-reads an enrollment, locking the row on databases that support it.
func (s *EnrollmentStore) Get(ctx context.Context, id uint) (*models.Enrollment, error) {
	q := s.db.WithContext(ctx)
	if q.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var e models.Enrollment
	if err := q.First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load enrollment %d: %w", id, err)
	}
	return &e, nil
}

// FindByPair returns the enrollment of a contact in a sequence.
func (s *EnrollmentStore) FindByPair(ctx context.Context, contactID, sequenceID uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := s.db.WithContext(ctx).
		Where("contact_id = ? AND sequence_id = ?", contactID, sequenceID).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find enrollment: %w", err)
	}
	return &e, nil
}

// Transition is the full next state of an enrollment's progress fields.
type Transition struct {
	Status      models.EnrollmentStatus
	StepID      *uint
	ScheduledAt *time.Time
	Attempts    int
}

func (t Transition) validate() error {
	pending := t.Status == models.EnrollmentPending
	if pending != (t.ScheduledAt != nil) {
		return ErrInvalidSchedule
	}
	if pending && t.StepID == nil {
		return fmt.Errorf("pending enrollment requires a step")
	}
	return nil
}

// Advance applies t only if the row still has the status and step that cur
// was read with. It returns ErrStaleEnrollment when another writer won.
func (s *EnrollmentStore) Advance(ctx context.Context, cur *models.Enrollment, t Transition, now time.Time) error {
	if err := t.validate(); err != nil {
		return err
	}
	var scheduled *time.Time
	if t.ScheduledAt != nil {
		at := t.ScheduledAt.UTC()
		scheduled = &at
	}
	return s.compareAndSwap(ctx, cur, map[string]interface{}{
		"status":       t.Status,
		"step_id":      t.StepID,
		"scheduled_at": scheduled,
		"attempts":     t.Attempts,
		"updated_at":   now.UTC(),
	}, func(e *models.Enrollment) {
		e.Status, e.StepID, e.ScheduledAt, e.Attempts = t.Status, t.StepID, scheduled, t.Attempts
	})
}

// SignalUpdate records an inbound reply or bounce and optionally stops the
// enrollment with the given terminal status.
type SignalUpdate struct {
	ReplyAt  *time.Time
	BounceAt *time.Time
	Stop     *models.EnrollmentStatus
}

func (s *EnrollmentStore) ApplySignal(ctx context.Context, cur *models.Enrollment, u SignalUpdate, now time.Time) error {
	changes := map[string]interface{}{"updated_at": now.UTC()}
	if u.ReplyAt != nil {
		changes["reply_at"] = u.ReplyAt.UTC()
	}
	if u.BounceAt != nil {
		changes["bounce_at"] = u.BounceAt.UTC()
	}
	if u.Stop != nil {
		if *u.Stop == models.EnrollmentPending {
			return ErrInvalidSchedule
		}
		changes["status"] = *u.Stop
		changes["step_id"] = nil
		changes["scheduled_at"] = nil
	}
	if len(changes) == 1 {
		return nil
	}
	return s.compareAndSwap(ctx, cur, changes, func(e *models.Enrollment) {
		if u.ReplyAt != nil {
			at := u.ReplyAt.UTC()
			e.ReplyAt = &at
		}
		if u.BounceAt != nil {
			at := u.BounceAt.UTC()
			e.BounceAt = &at
		}
		if u.Stop != nil {
			e.Status, e.StepID, e.ScheduledAt = *u.Stop, nil, nil
		}
	})
}

func (s *EnrollmentStore) compareAndSwap(ctx context.Context, cur *models.Enrollment, changes map[string]interface{}, apply func(*models.Enrollment)) error {
	q := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", cur.ID, cur.Status)
	if cur.StepID == nil {
		q = q.Where("step_id IS NULL")
	} else {
		q = q.Where("step_id = ?", *cur.StepID)
	}

	res := q.Updates(changes)
	if res.Error != nil {
		return fmt.Errorf("update enrollment %d: %w", cur.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleEnrollment
	}
	apply(cur)
	return nil
}

// Enroll places a contact on the first step of a sequence and
// snapshots the sequence scheduling settings.
func (s *EnrollmentStore) Enroll(ctx context.Context, contactID, sequenceID uint, now time.Time) (*models.Enrollment, error) {
	var out *models.Enrollment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq models.Sequence
		if err := tx.Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order ASC, id ASC")
		}).First(&seq, sequenceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("sequence %d: %w", sequenceID, ErrNotFound)
			}
			return err
		}
		if len(seq.Steps) == 0 {
			return ErrNoSteps
		}

		var contact models.Contact
		if err := tx.First(&contact, contactID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("contact %d: %w", contactID, ErrNotFound)
			}
			return err
		}
		if contact.TeamID != seq.TeamID {
			return fmt.Errorf("contact %d: %w", contactID, ErrNotFound)
		}

		var existing int64
		if err := tx.Unscoped().Model(&models.Enrollment{}).
			Where("contact_id = ? AND sequence_id = ?", contactID, sequenceID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyEnrolled
		}

		first := seq.Steps[0]
		snapshot := models.ScheduleSnapshot{Policy: seq.SchedulePolicy, MinGapMinutes: seq.MinGap()}
		res := schedule.Compute(schedule.Input{
			Now:             now,
			DelayValue:      first.DelayValue,
			DelayUnit:       first.DelayUnit,
			MinGapMinutes:   snapshot.MinGapMinutes,
			Policy:          snapshot.Policy,
			ContactTimezone: contact.Timezone,
		})

		stepID := first.ID
		scheduled := res.ScheduledAt
		e := models.Enrollment{
			TeamID:      seq.TeamID,
			ContactID:   contactID,
			SequenceID:  sequenceID,
			StepID:      &stepID,
			Status:      models.EnrollmentPending,
			ScheduledAt: &scheduled,
			Schedule:    snapshot,
		}
		if err := tx.Create(&e).Error; err != nil {
			return fmt.Errorf("create enrollment: %w", err)
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
