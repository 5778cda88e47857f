package utils

import (
	"math"
	"time"
)

type RankConfig struct {
	TimeOffset  float64 // 时间偏移，单位小时 (2.0)
	DecayFactor float64 // 时间重力 (1.5)
}

var DefaultConfig = RankConfig{
	TimeOffset:  2.0,
	DecayFactor: 1.5,
}

// TrendingScore 热度分：upvotes / (ageHours + 2)^1.5
// ageHours + TimeOffset 恒 >= 2，不会除零
func TrendingScore(upvotes int, ageHours float64) float64 {
	if upvotes <= 0 {
		return 0
	}
	if ageHours < 0 {
		ageHours = 0
	}
	return float64(upvotes) / math.Pow(ageHours+DefaultConfig.TimeOffset, DefaultConfig.DecayFactor)
}

// TrendingScoreAt 以 now 作为计算时刻
func TrendingScoreAt(upvotes int, createdAt, now time.Time) float64 {
	return TrendingScore(upvotes, now.Sub(createdAt).Hours())
}
