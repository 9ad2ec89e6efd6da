package usecase

import (
	"context"
	"math"
	"time"

	"github.com/visionchain/retina-api/internal/repository"
)

// RewardPerScreeningAda is the flat ADA payout counted per screening in the
// dashboard reward summary.
const RewardPerScreeningAda = 0.04

const recentScreeningsLimit = 5

// DailyTrendItem is one day of screening volume.
type DailyTrendItem struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// DailyReward is one day of accumulated ADA rewards.
type DailyReward struct {
	Date     string  `json:"date"`
	TotalAda float64 `json:"totalAda"`
}

// RewardSummary aggregates the operator's ADA rewards.
type RewardSummary struct {
	PerScreeningAda float64       `json:"perScreeningAda"`
	TotalAda        float64       `json:"totalAda"`
	Daily           []DailyReward `json:"daily"`
}

// AnalyticsSummary is the dashboard aggregation for one operator.
type AnalyticsSummary struct {
	RiskDistribution map[string]int64 `json:"riskDistribution"`
	DailyTrend       []DailyTrendItem `json:"dailyTrend"`
	Reward           RewardSummary    `json:"reward"`
}

// GetTodayStats reports today's screening count and high-risk share.
func (uc *ScreeningUseCase) GetTodayStats(ctx context.Context, operatorID string) (*repository.TodayStats, error) {
	return uc.repo.TodayStatsByOperator(ctx, operatorID)
}

// GetRecentScreenings lists the operator's latest screenings.
func (uc *ScreeningUseCase) GetRecentScreenings(ctx context.Context, operatorID string) ([]*repository.Screening, error) {
	return uc.repo.RecentByOperator(ctx, operatorID, recentScreeningsLimit)
}

// GetAnalyticsSummary builds the dashboard aggregation: risk distribution,
// a 7-day trend with zero-filled days, and the ADA reward totals.
func (uc *ScreeningUseCase) GetAnalyticsSummary(ctx context.Context, operatorID string) (*AnalyticsSummary, error) {
	dist, err := uc.repo.RiskDistributionByOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	weekAgo := today.AddDate(0, 0, -7)
	counts, err := uc.repo.DailyCountsByOperator(ctx, operatorID, weekAgo)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]int64, len(counts))
	for _, c := range counts {
		byDate[c.Date.Format("2006-01-02")] = c.Count
	}

	trend := make([]DailyTrendItem, 0, 7)
	daily := make([]DailyReward, 0, 7)
	for i := 6; i >= 0; i-- {
		date := today.AddDate(0, 0, -i).Format("2006-01-02")
		count := byDate[date]
		trend = append(trend, DailyTrendItem{Date: date, Count: count})
		daily = append(daily, DailyReward{Date: date, TotalAda: roundAda(float64(count) * RewardPerScreeningAda)})
	}

	total, err := uc.repo.TotalByOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}

	return &AnalyticsSummary{
		RiskDistribution: dist,
		DailyTrend:       trend,
		Reward: RewardSummary{
			PerScreeningAda: RewardPerScreeningAda,
			TotalAda:        roundAda(float64(total) * RewardPerScreeningAda),
			Daily:           daily,
		},
	}, nil
}

func roundAda(v float64) float64 {
	return math.Round(v*100) / 100
}
