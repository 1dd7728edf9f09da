package service

import (
	"fmt"
	"math/rand"
)

// Prize is one outcome of a reward tier with its relative weight
type Prize struct {
	Amount int64
	Weight int
}

// TierTable draws prizes from weighted per-tier tables. Draw is deterministic
// in its seed, so a redelivered draw event yields the same amount.
type TierTable map[string][]Prize

// DefaultTierTable is the reward table used when no other is configured
func DefaultTierTable() TierTable {
	return TierTable{
		"bronze": {{Amount: 0, Weight: 50}, {Amount: 100, Weight: 40}, {Amount: 500, Weight: 10}},
		"silver": {{Amount: 100, Weight: 60}, {Amount: 500, Weight: 30}, {Amount: 2000, Weight: 10}},
		"gold":   {{Amount: 500, Weight: 50}, {Amount: 2000, Weight: 35}, {Amount: 10000, Weight: 15}},
	}
}

// Draw picks a prize amount for tier
func (t TierTable) Draw(tier string, seed int64) (int64, error) {
	prizes, ok := t[tier]
	if !ok {
		return 0, fmt.Errorf("unknown reward tier %q", tier)
	}
	total := 0
	for _, p := range prizes {
		total += p.Weight
	}
	if total <= 0 {
		return 0, fmt.Errorf("reward tier %q has no weight", tier)
	}

	pick := rand.New(rand.NewSource(seed)).Intn(total)
	for _, p := range prizes {
		if pick < p.Weight {
			return p.Amount, nil
		}
		pick -= p.Weight
	}
	return prizes[len(prizes)-1].Amount, nil
}
