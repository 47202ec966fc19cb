package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"outcraftly/models"
)

// Reports aggregates enrollment and delivery counts for dashboards.
type Reports struct {
	db *gorm.DB
}

func NewReports(db *gorm.DB) *Reports {
	return &Reports{db: db}
}

type SequenceSummary struct {
	SequenceID uint                              `json:"sequence_id"`
	Total      int64                             `json:"total"`
	ByStatus   map[models.EnrollmentStatus]int64 `json:"by_status"`
	Sent       int64                             `json:"sent"`
	Replies    int64                             `json:"replies"`
	Bounces    int64                             `json:"bounces"`
	Failures   int64                             `json:"failures"`
	ReplyRate  float64                           `json:"reply_rate"`
	BounceRate float64                           `json:"bounce_rate"`
}

type statusCount struct {
	Status string
	Count  int64
}

// Summary counts enrollments by status and delivery outcomes of a sequence.
// Archived entries are excluded.
func (r *Reports) Summary(ctx context.Context, sequenceID uint) (*SequenceSummary, error) {
	out := &SequenceSummary{SequenceID: sequenceID, ByStatus: make(map[models.EnrollmentStatus]int64)}
	for _, st := range models.EnrollmentStatuses {
		out.ByStatus[st] = 0
	}

	var enrollments []statusCount
	if err := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS count").
		Where("sequence_id = ?", sequenceID).
		Group("status").
		Scan(&enrollments).Error; err != nil {
		return nil, fmt.Errorf("count enrollments: %w", err)
	}
	for _, row := range enrollments {
		out.ByStatus[models.EnrollmentStatus(row.Status)] = row.Count
		out.Total += row.Count
	}

	type typeCount struct {
		Type   string
		Status string
		Count  int64
	}
	var logs []typeCount
	if err := r.db.WithContext(ctx).Model(&models.DeliveryLog{}).
		Select("type, status, COUNT(*) AS count").
		Where("sequence_id = ? AND status <> ?", sequenceID, models.LogArchived).
		Group("type, status").
		Scan(&logs).Error; err != nil {
		return nil, fmt.Errorf("count delivery logs: %w", err)
	}
	for _, row := range logs {
		switch models.LogType(row.Type) {
		case models.LogSend:
			switch models.LogStatus(row.Status) {
			case models.LogSent, models.LogManualSend:
				out.Sent += row.Count
			case models.LogFailed:
				out.Failures += row.Count
			}
		case models.LogReply:
			out.Replies += row.Count
		case models.LogBounce:
			out.Bounces += row.Count
		}
	}
	if out.Sent > 0 {
		out.ReplyRate = float64(out.Replies) / float64(out.Sent)
		out.BounceRate = float64(out.Bounces) / float64(out.Sent)
	}
	return out, nil
}

type StepStats struct {
	StepID  uint   `json:"step_id"`
	Order   int    `json:"order"`
	Subject string `json:"subject"`
	Sent    int64  `json:"sent"`
	Failed  int64  `json:"failed"`
	Skipped int64  `json:"skipped"`
	Replies int64  `json:"replies"`
	Bounces int64  `json:"bounces"`
	Pending int64  `json:"pending"`
}

// StepBreakdown returns per-step delivery counts in step order.
func (r *Reports) StepBreakdown(ctx context.Context, sequenceID uint) ([]StepStats, error) {
	var steps []models.SequenceStep
	if err := r.db.WithContext(ctx).
		Where("sequence_id = ?", sequenceID).
		Order("step_order ASC, id ASC").
		Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}

	type row struct {
		StepID uint
		Type   string
		Status string
		Count  int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).Model(&models.DeliveryLog{}).
		Select("step_id, type, status, COUNT(*) AS count").
		Where("sequence_id = ? AND step_id IS NOT NULL AND status <> ?", sequenceID, models.LogArchived).
		Group("step_id, type, status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count step logs: %w", err)
	}

	var pending []struct {
		StepID uint
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Select("step_id, COUNT(*) AS count").
		Where("sequence_id = ? AND status = ?", sequenceID, models.EnrollmentPending).
		Group("step_id").
		Scan(&pending).Error; err != nil {
		return nil, fmt.Errorf("count pending enrollments: %w", err)
	}

	index := make(map[uint]*StepStats, len(steps))
	out := make([]StepStats, len(steps))
	for i, st := range steps {
		out[i] = StepStats{StepID: st.ID, Order: st.Order, Subject: st.Subject}
		index[st.ID] = &out[i]
	}
	for _, rw := range rows {
		s, ok := index[rw.StepID]
		if !ok {
			continue
		}
		switch models.LogType(rw.Type) {
		case models.LogSend:
			switch models.LogStatus(rw.Status) {
			case models.LogSent, models.LogManualSend:
				s.Sent += rw.Count
			case models.LogFailed:
				s.Failed += rw.Count
			case models.LogSkipped:
				s.Skipped += rw.Count
			}
		case models.LogReply:
			s.Replies += rw.Count
		case models.LogBounce:
			s.Bounces += rw.Count
		}
	}
	for _, p := range pending {
		if s, ok := index[p.StepID]; ok {
			s.Pending = p.Count
		}
	}
	return out, nil
}
