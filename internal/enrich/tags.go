package enrich

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"sort"
	"strings"

	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/store"
)

const tagsPrompt = "Generate max 7 cybersecurity hashtags in camelCase English. Format: #HashtagName per line."

// Posts with more tokens than this also get Oracle-proposed tags on
// top of their literal hashtags.
const oracleTagsMinTokens = 15

// At most this many Oracle tags survive; the shortest win.
const maxOracleTags = 7

var hashtagRe = regexp.MustCompile(`#\w+`)

// AssignTags is the second stage: literal hashtags plus Oracle
// proposals for longer posts, uppercased, upserted and linked.
func (e *Enricher) AssignTags(ctx context.Context, opts Options) error {
	posts, err := e.store.PendingTags(ctx, opts.Source)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}
	e.logger.Info("tagging posts", "count", len(posts), "source", opts.Source)

	collector := errs.NewCollector("tagging failed")
	e.forEach(ctx, posts, collector, func(ctx context.Context, p *store.Post) error {
		return e.tagPost(ctx, p)
	})
	return collector.Err()
}

func (e *Enricher) tagPost(ctx context.Context, p *store.Post) error {
	content := p.ContentTxt
	if runes := []rune(content); len(runes) > 1000 {
		content = string(runes[:1000])
	}

	names := map[string]struct{}{}
	for _, tag := range hashtagRe.FindAllString(content, -1) {
		names[tag] = struct{}{}
	}

	if tokenCount(content) > oracleTagsMinTokens {
		proposed, err := e.proposeTags(ctx, content)
		if err != nil {
			return err
		}
		for _, tag := range proposed {
			names[tag] = struct{}{}
		}
	}

	tagIDs := make([]int64, 0, len(names))
	for name := range names {
		tag, err := e.store.UpsertTagByName(ctx, strings.ToUpper(name), e.randColor())
		if err != nil {
			return fmt.Errorf("upsert tag %s: %w", name, err)
		}
		tagIDs = append(tagIDs, tag.ID)
	}
	if err := e.store.ConnectTags(ctx, p.ID, tagIDs); err != nil {
		return err
	}
	if err := e.store.MarkTagsAssigned(ctx, p.ID); err != nil {
		return err
	}
	return e.refreshSearchDoc(ctx, p.ID)
}

// proposeTags asks the Oracle and keeps the shortest distinct
// '#'-prefixed answers.
func (e *Enricher) proposeTags(ctx context.Context, content string) ([]string, error) {
	lines, err := e.oracle.AskLines(ctx, tagsPrompt, clip(content, tagsLimit))
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var tags []string
	for _, line := range lines {
		tag := strings.TrimSpace(line)
		if !strings.HasPrefix(tag, "#") {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	sort.SliceStable(tags, func(i, j int) bool { return len(tags[i]) < len(tags[j]) })
	if len(tags) > maxOracleTags {
		tags = tags[:maxOracleTags]
	}
	return tags, nil
}

func tokenCount(s string) int {
	return len(strings.Fields(s))
}

// RandomColor picks a readable random tag color: full hue range,
// saturation 50-100%, lightness 20-60%.
func RandomColor() string {
	h := float64(rand.IntN(361))
	s := 0.5 + rand.Float64()*0.5
	l := 0.2 + rand.Float64()*0.4
	r, g, b := hslToRGB(h, s, l)
	return fmt.Sprintf("#%02X%02X%02X", r, g, b)
}

func hslToRGB(h, s, l float64) (uint8, uint8, uint8) {
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return uint8((r + m) * 255), uint8((g + m) * 255), uint8((b + m) * 255)
}
