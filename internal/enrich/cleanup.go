package enrich

import (
	"context"
	"strings"

	"github.com/hazyhaar/ucti/internal/store"
	"github.com/hazyhaar/ucti/internal/textmatch"
)

// Tag names outside these bounds (the '#' counts) are noise.
const (
	minTagNameLen = 5
	maxTagNameLen = 50
)

// Near-duplicate merge threshold for the pairwise ratio scan.
const tagMergeRatio = 90

// CleanupTags is the filter-tags job: drop short names, merge
// near-duplicates, drop tags that barely occur. Each tag joins at most
// one merge per run; repeated runs converge. The pairwise scan is
// quadratic, which is fine at the tag counts a single instance sees.
func (e *Enricher) CleanupTags(ctx context.Context) error {
	tags, err := e.store.TagsWithCounts(ctx)
	if err != nil {
		return err
	}

	var kept []*store.TagCount
	for _, t := range tags {
		if len(t.Name) < minTagNameLen || len(t.Name) > maxTagNameLen {
			e.logger.Info("deleting malformed tag", "tag", t.Name, "id", t.ID)
			if err := e.store.DeleteTag(ctx, t.ID); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, t)
	}

	if err := e.mergeSimilar(ctx, kept); err != nil {
		return err
	}

	// Merges moved links around; recount before pruning.
	tags, err = e.store.TagsWithCounts(ctx)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if t.Posts <= 1 {
			e.logger.Info("deleting rare tag", "tag", t.Name, "id", t.ID, "posts", t.Posts)
			if err := e.store.DeleteTag(ctx, t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeSimilar walks ordered pairs (a before b by id). A prefix match
// keeps the shorter name whichever is older; a fuzzy match keeps the
// older tag.
func (e *Enricher) mergeSimilar(ctx context.Context, tags []*store.TagCount) error {
	merged := map[int64]bool{}

	for i, a := range tags {
		if merged[a.ID] {
			continue
		}
		aName := strings.ToLower(a.Name)

		for _, b := range tags[i+1:] {
			if merged[b.ID] {
				continue
			}
			bName := strings.ToLower(b.Name)

			var winner, loser *store.TagCount
			switch {
			case strings.HasPrefix(aName, bName):
				winner, loser = b, a
			case strings.HasPrefix(bName, aName):
				winner, loser = a, b
			case textmatch.Ratio(aName, bName) > tagMergeRatio:
				winner, loser = a, b
			default:
				continue
			}

			e.logger.Info("merging tags",
				"into", winner.Name, "into_id", winner.ID,
				"from", loser.Name, "from_id", loser.ID)
			if err := e.store.ReparentTag(ctx, loser.ID, winner.ID); err != nil {
				return err
			}
			merged[a.ID], merged[b.ID] = true, true
			break
		}
	}
	return nil
}
