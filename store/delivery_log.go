package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"outcraftly/models"
)

// DeliveryLogStore appends and queries delivery history. Entries are never
// updated except to archive reply entries of deleted sequences.
type DeliveryLogStore struct {
	db *gorm.DB
}

func NewDeliveryLogStore(db *gorm.DB) *DeliveryLogStore {
	return &DeliveryLogStore{db: db}
}

func (s *DeliveryLogStore) WithTx(tx *gorm.DB) *DeliveryLogStore {
	return &DeliveryLogStore{db: tx}
}

// Append stores entry with CreatedAt set to at.
func (s *DeliveryLogStore) Append(ctx context.Context, entry *models.DeliveryLog, at time.Time) error {
	entry.CreatedAt = at.UTC()
	entry.UpdatedAt = at.UTC()
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

// FindSendByMessageIDs returns the newest successful send whose message id is
// one of ids.
func (s *DeliveryLogStore) FindSendByMessageIDs(ctx context.Context, ids []string) (*models.DeliveryLog, error) {
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	var entry models.DeliveryLog
	err := s.db.WithContext(ctx).
		Where("type = ? AND status IN ?", models.LogSend, []models.LogStatus{models.LogSent, models.LogManualSend}).
		Where("message_id IN ?", ids).
		Order("created_at DESC, id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find send log: %w", err)
	}
	return &entry, nil
}

// LatestSend returns the newest successful send of an enrollment.
func (s *DeliveryLogStore) LatestSend(ctx context.Context, enrollmentID uint) (*models.DeliveryLog, error) {
	var entry models.DeliveryLog
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ? AND type = ? AND status IN ?", enrollmentID, models.LogSend,
			[]models.LogStatus{models.LogSent, models.LogManualSend}).
		Order("created_at DESC, id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest send log: %w", err)
	}
	return &entry, nil
}

// HasInbound reports whether an inbound signal was already recorded for the
// enrollment.
func (s *DeliveryLogStore) HasInbound(ctx context.Context, enrollmentID uint, logType models.LogType, inboundID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Unscoped().
		Model(&models.DeliveryLog{}).
		Where("enrollment_id = ? AND type = ? AND inbound_message_id = ?", enrollmentID, logType, inboundID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check inbound log: %w", err)
	}
	return n > 0, nil
}

// ArchiveReplies marks the reply entries of the given sequences as archived
// and returns how many changed.
func (s *DeliveryLogStore) ArchiveReplies(ctx context.Context, sequenceIDs []uint, now time.Time) (int64, error) {
	if len(sequenceIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.DeliveryLog{}).
		Where("sequence_id IN ? AND type = ? AND status <> ?", sequenceIDs, models.LogReply, models.LogArchived).
		Updates(map[string]interface{}{"status": models.LogArchived, "updated_at": now.UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("archive reply logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

type LogFilter struct {
	TeamID     *uint
	SequenceID *uint
	ContactID  *uint
	Status     models.LogStatus
	Type       models.LogType
	From       *time.Time
	To         *time.Time
	Page       int
	Limit      int
}

// List returns one page of entries, newest first. Archived entries are only
// included when the filter asks for them by status.
func (s *DeliveryLogStore) List(ctx context.Context, f LogFilter) ([]models.DeliveryLog, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.DeliveryLog{})
	if f.TeamID != nil {
		q = q.Where("team_id = ?", *f.TeamID)
	}
	if f.SequenceID != nil {
		q = q.Where("sequence_id = ?", *f.SequenceID)
	}
	if f.ContactID != nil {
		q = q.Where("contact_id = ?", *f.ContactID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	} else {
		q = q.Where("status <> ?", models.LogArchived)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", f.To.UTC())
	}

	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count delivery logs: %w", err)
	}

	page, limit := NormalizePage(f.Page, f.Limit)
	var rows []models.DeliveryLog
	if err := q.Order("created_at DESC, id DESC").Offset((page - 1) * limit).Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list delivery logs: %w", err)
	}
	return rows, total, nil
}

const maxPageSize = 200

// NormalizePage applies the default page size and the maximum.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 50
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}
