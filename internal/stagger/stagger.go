// Package stagger computes startup offsets for campaigns that share the same
// content. Without an offset, several accounts broadcasting identical content
// would fire at the same instant and draw platform attention; the planner
// spreads each group across a window sized to the group.
package stagger

import (
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"campaigner/internal/campaign"
)

// Gap table: per-campaign spacing by group size. Larger groups get tighter
// spacing so the whole group still starts within a bounded window.
const (
	gapPair   = 30 * time.Minute
	gapTriple = 25 * time.Minute
	gapQuad   = 15 * time.Minute
	gapLarge  = 10 * time.Minute
)

// Plan assigns a first-run delay to every campaign. Campaigns are grouped by
// a hash of their content; a campaign alone in its group gets zero delay.
// Within a group, order is by account ID so the same input always produces
// the same plan.
func Plan(campaigns []campaign.Campaign) map[string]time.Duration {
	groups := map[string][]campaign.Campaign{}
	for _, c := range campaigns {
		key := ContentKey(c.Content)
		groups[key] = append(groups[key], c)
	}

	out := make(map[string]time.Duration, len(campaigns))
	for _, group := range groups {
		gap := GapFor(len(group))
		sort.Slice(group, func(i, j int) bool {
			if group[i].AccountID != group[j].AccountID {
				return group[i].AccountID < group[j].AccountID
			}
			return group[i].ID < group[j].ID
		})
		for i, c := range group {
			out[c.ID] = time.Duration(i) * gap
		}
	}
	return out
}

// GapFor returns the per-campaign spacing for a group of the given size.
func GapFor(n int) time.Duration {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return gapPair
	case n == 3:
		return gapTriple
	case n == 4:
		return gapQuad
	default:
		return gapLarge
	}
}

// ContentKey is the grouping key for a piece of content. Two campaigns with
// byte-identical content always land in the same group.
func ContentKey(content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return strconv.FormatUint(h.Sum64(), 16)
}
