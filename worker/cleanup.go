package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"outcraftly/models"
	"outcraftly/store"
	"outcraftly/utils"
)

type CleanupReport struct {
	Sequences        int   `json:"sequences"`
	EnrollmentsReset int64 `json:"enrollments_reset"`
	LogsArchived     int64 `json:"logs_archived"`
}

// Cleaner handles deleted sequences so their replies stop counting toward
// workspace totals.
type Cleaner struct {
	db     *gorm.DB
	logger logrus.FieldLogger
	clock  func() time.Time
}

func NewCleaner(db *gorm.DB, logger logrus.FieldLogger) *Cleaner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cleaner{db: db, logger: logger.WithField("component", "cleanup"), clock: time.Now}
}

// DeleteSequence soft-deletes a sequence and cleans it up right away.
func (c *Cleaner) DeleteSequence(ctx context.Context, teamID *uint, id uint) (*CleanupReport, error) {
	now := c.clock().UTC()
	var report *CleanupReport
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seq models.Sequence
		q := tx.Where("id = ?", id)
		if teamID != nil {
			q = q.Where("team_id = ?", *teamID)
		}
		if err := q.First(&seq).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("load sequence: %w", err)
		}
		if err := tx.Model(&seq).Update("deleted_at", now).Error; err != nil {
			return fmt.Errorf("delete sequence: %w", err)
		}
		var err error
		report, err = c.cleanup(ctx, tx, []uint{seq.ID}, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{
		"sequence_id":       id,
		"enrollments_reset": report.EnrollmentsReset,
		"logs_archived":     report.LogsArchived,
	}).Info("Sequence deleted")
	return report, nil
}

// CleanupDeletedSequences runs the cleanup over every soft-deleted sequence.
// Running it again is harmless.
func (c *Cleaner) CleanupDeletedSequences(ctx context.Context) (*CleanupReport, error) {
	now := c.clock().UTC()
	var ids []uint
	if err := c.db.WithContext(ctx).Unscoped().
		Model(&models.Sequence{}).
		Where("deleted_at IS NOT NULL").
		Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list deleted sequences: %w", err)
	}
	if len(ids) == 0 {
		return &CleanupReport{}, nil
	}

	var report *CleanupReport
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		report, err = c.cleanup(ctx, tx, ids, now)
		return err
	})
	if err != nil {
		utils.LogError("cleanup_deleted_sequences", err, map[string]interface{}{"sequences": len(ids)})
		return nil, err
	}
	if report.EnrollmentsReset > 0 || report.LogsArchived > 0 {
		utils.LogEvent("cleanup_pass", map[string]interface{}{
			"sequences":         report.Sequences,
			"enrollments_reset": report.EnrollmentsReset,
			"logs_archived":     report.LogsArchived,
		})
	}
	return report, nil
}

func (c *Cleaner) cleanup(ctx context.Context, tx *gorm.DB, ids []uint, now time.Time) (*CleanupReport, error) {
	res := tx.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("sequence_id IN ? AND status = ?", ids, models.EnrollmentReplied).
		Updates(map[string]interface{}{
			"status":       models.EnrollmentSent,
			"reply_at":     nil,
			"step_id":      nil,
			"scheduled_at": nil,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("reset replied enrollments: %w", res.Error)
	}

	archived, err := store.NewDeliveryLogStore(tx).ArchiveReplies(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	return &CleanupReport{Sequences: len(ids), EnrollmentsReset: res.RowsAffected, LogsArchived: archived}, nil
}
