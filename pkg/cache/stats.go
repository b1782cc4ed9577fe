package cache

// TierStats holds hit/miss accounting for one cache tier
type TierStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats aggregates both tiers plus the combined totals
type Stats struct {
	L1    TierStats `json:"l1"`
	L2    TierStats `json:"l2"`
	Total TierStats `json:"total"`
}

// hitRate is hits/(hits+misses), zero when there has been no traffic
func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
