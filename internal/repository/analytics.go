package repository

import (
	"context"
	"time"
)

// High-risk labels counted in the today-stats percentage.
var highRiskLabels = []string{"High", "Severe", "Proliferative"}

// TodayStats summarizes an operator's screenings since midnight UTC.
type TodayStats struct {
	CountToday      int64   `json:"countToday"`
	HighRiskPercent float64 `json:"highRiskPercent"`
}

// TodayStatsByOperator counts today's screenings and the share of high-risk
// findings among them.
func (r *ScreeningRepository) TodayStatsByOperator(ctx context.Context, operatorID string) (*TodayStats, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var total, highRisk int64
	err := r.executeWithRetry(ctx, "repository.today_stats", "", func() error {
		if err := r.db.WithContext(ctx).Model(&Screening{}).
			Where("operator_user_id = ? AND created_at >= ?", operatorID, dayStart).
			Count(&total).Error; err != nil {
			return err
		}
		return r.db.WithContext(ctx).Model(&Screening{}).
			Where("operator_user_id = ? AND created_at >= ? AND risk_score_label IN ?", operatorID, dayStart, highRiskLabels).
			Count(&highRisk).Error
	})
	if err != nil {
		return nil, err
	}

	stats := &TodayStats{CountToday: total}
	if total > 0 {
		stats.HighRiskPercent = roundPercent(float64(highRisk) / float64(total) * 100)
	}
	return stats, nil
}

// RecentByOperator lists the operator's latest screenings.
func (r *ScreeningRepository) RecentByOperator(ctx context.Context, operatorID string, limit int) ([]*Screening, error) {
	var screenings []*Screening
	err := r.executeWithRetry(ctx, "repository.recent_screenings", "", func() error {
		return r.db.WithContext(ctx).
			Where("operator_user_id = ?", operatorID).
			Order("created_at DESC").
			Limit(limit).
			Find(&screenings).Error
	})
	if err != nil {
		return nil, err
	}
	return screenings, nil
}

type labelCount struct {
	Label string
	Count int64
}

// RiskDistributionByOperator counts screenings per risk label.
func (r *ScreeningRepository) RiskDistributionByOperator(ctx context.Context, operatorID string) (map[string]int64, error) {
	var rows []labelCount
	err := r.executeWithRetry(ctx, "repository.risk_distribution", "", func() error {
		return r.db.WithContext(ctx).Model(&Screening{}).
			Select("risk_score_label AS label, COUNT(*) AS count").
			Where("operator_user_id = ?", operatorID).
			Group("risk_score_label").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	dist := make(map[string]int64, len(rows))
	for _, row := range rows {
		dist[row.Label] = row.Count
	}
	return dist, nil
}

// DailyCount is the number of screenings performed on one UTC day.
type DailyCount struct {
	Date  time.Time
	Count int64
}

// DailyCountsByOperator aggregates screening counts per day since the given
// cutoff.
func (r *ScreeningRepository) DailyCountsByOperator(ctx context.Context, operatorID string, since time.Time) ([]DailyCount, error) {
	var rows []DailyCount
	err := r.executeWithRetry(ctx, "repository.daily_counts", "", func() error {
		return r.db.WithContext(ctx).Model(&Screening{}).
			Select("DATE(created_at) AS date, COUNT(*) AS count").
			Where("operator_user_id = ? AND created_at >= ?", operatorID, since).
			Group("DATE(created_at)").
			Order("date").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TotalByOperator counts all screenings for an operator.
func (r *ScreeningRepository) TotalByOperator(ctx context.Context, operatorID string) (int64, error) {
	var total int64
	err := r.executeWithRetry(ctx, "repository.total_screenings", "", func() error {
		return r.db.WithContext(ctx).Model(&Screening{}).
			Where("operator_user_id = ?", operatorID).
			Count(&total).Error
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func roundPercent(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
