// Package misp renders matched posts and their IoCs as a MISP feed,
// one event document per post plus the manifest the feed schema wants.
package misp

import (
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/ucti/internal/store"
)

const (
	threatLevelUndefined = 4
	distributionAll      = 3

	analysisOngoing  = 1
	analysisComplete = 2

	// Posts younger than this are flagged as still under analysis.
	recentWindow = 7 * 24 * time.Hour
)

// Org identifies the publishing organisation.
type Org struct {
	Name  string
	UUID  string
	Email string
}

// Orgc is the creator organisation block embedded in events and
// manifest entries.
type Orgc struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Tag is a MISP event tag.
type Tag struct {
	Name       string `json:"name"`
	Colour     string `json:"colour"`
	Exportable bool   `json:"exportable"`
	HideTag    bool   `json:"hide_tag"`
}

// eventTags is the fixed tag set every event carries.
func eventTags() []Tag {
	return []Tag{
		{Name: "type:OSINT", Colour: "#004646", Exportable: true},
		{Name: "tlp:white", Colour: "#ffffff", Exportable: true},
	}
}

// Attribute is one indicator inside an event.
type Attribute struct {
	UUID               string `json:"uuid"`
	Type               string `json:"type"`
	Category           string `json:"category"`
	ToIDs              bool   `json:"to_ids"`
	Timestamp          int64  `json:"timestamp"`
	Value              string `json:"value"`
	Comment            string `json:"comment"`
	Distribution       int    `json:"distribution"`
	DisableCorrelation bool   `json:"disable_correlation,omitempty"`
}

// EventDetail is the body under the "Event" key of an event document.
type EventDetail struct {
	UUID              string       `json:"uuid"`
	Info              string       `json:"info"`
	Date              string       `json:"date"`
	Timestamp         int64        `json:"timestamp"`
	Published         bool         `json:"published"`
	Analysis          int          `json:"analysis"`
	ThreatLevelID     int          `json:"threat_level_id"`
	Distribution      int          `json:"distribution"`
	EventCreatorEmail string       `json:"event_creator_email"`
	Orgc              Orgc         `json:"Orgc"`
	Tags              []Tag        `json:"Tag"`
	Attributes        []*Attribute `json:"Attribute"`
}

// Event is one feed document, served as <event-uuid>.json.
type Event struct {
	Event EventDetail `json:"Event"`
}

// ManifestEntry summarises an event for the feed manifest.
type ManifestEntry struct {
	Info          string `json:"info"`
	Date          string `json:"date"`
	Analysis      int    `json:"analysis"`
	ThreatLevelID int    `json:"threat_level_id"`
	Timestamp     int64  `json:"timestamp"`
	Orgc          Orgc   `json:"Orgc"`
	Tags          []Tag  `json:"Tag"`
}

// Manifest maps event UUIDs to their summaries, the manifest.json body.
type Manifest map[string]ManifestEntry

// Feed is a fully rendered MISP feed.
type Feed struct {
	Manifest Manifest
	Events   []*Event
}

// EventByUUID returns the event document with the given UUID, nil when
// the feed has none.
func (f *Feed) EventByUUID(id string) *Event {
	for _, ev := range f.Events {
		if ev.Event.UUID == id {
			return ev
		}
	}
	return nil
}

// PostIoCs pairs a matched post with its stored IoCs, the per-event
// input to the feed.
type PostIoCs struct {
	Post *store.Post
	IoCs []*store.IoC
}

// Builder renders feeds for one organisation.
type Builder struct {
	org Org
	now func() time.Time
}

func NewBuilder(org Org) *Builder {
	return &Builder{org: org, now: time.Now}
}

// Build renders one event per post. Event and IoC attribute UUIDs
// derive from the post identity, so the same corpus renders the same
// documents; only the trailing source-link attribute is random.
func (b *Builder) Build(posts []PostIoCs) *Feed {
	now := b.now().UTC()
	feed := &Feed{Manifest: Manifest{}}
	for _, p := range posts {
		ev := b.buildEvent(p, now)
		feed.Events = append(feed.Events, ev)
		feed.Manifest[ev.Event.UUID] = ManifestEntry{
			Info:          ev.Event.Info,
			Date:          ev.Event.Date,
			Analysis:      ev.Event.Analysis,
			ThreatLevelID: ev.Event.ThreatLevelID,
			Timestamp:     ev.Event.Timestamp,
			Orgc:          ev.Event.Orgc,
			Tags:          ev.Event.Tags,
		}
	}
	return feed
}

func (b *Builder) buildEvent(p PostIoCs, now time.Time) *Event {
	post := p.Post
	analysis := analysisComplete
	if now.Sub(post.Created()) < recentWindow {
		analysis = analysisOngoing
	}

	detail := EventDetail{
		UUID:              uuid.NewSHA1(uuid.NameSpaceDNS, []byte(post.Source+post.SourceID)).String(),
		Info:              "uCTI - " + post.URL,
		Date:              post.Created().Format("2006-01-02"),
		Timestamp:         now.Unix(),
		Published:         true,
		Analysis:          analysis,
		ThreatLevelID:     threatLevelUndefined,
		Distribution:      distributionAll,
		EventCreatorEmail: b.org.Email,
		Orgc:              Orgc{Name: b.org.Name, UUID: b.org.UUID},
		Tags:              eventTags(),
	}

	for _, ioc := range p.IoCs {
		attrType := attributeType(ioc)
		detail.Attributes = append(detail.Attributes, &Attribute{
			UUID:         attributeUUID(post, ioc),
			Type:         attrType,
			Category:     category(attrType),
			Timestamp:    now.Unix(),
			Value:        ioc.Value,
			Comment:      ioc.Comment,
			Distribution: distributionAll,
		})
	}

	detail.Attributes = append(detail.Attributes, &Attribute{
		UUID:               uuid.New().String(),
		Type:               "link",
		Category:           "External analysis",
		Timestamp:          now.Unix(),
		Value:              post.URL,
		Comment:            "Source URL for the threat intel",
		Distribution:       distributionAll,
		DisableCorrelation: true,
	})

	return &Event{Event: detail}
}

// attributeUUID derives a stable v5 UUID from the post identity and
// the IoC triple.
func attributeUUID(post *store.Post, ioc *store.IoC) string {
	name := "ioc-" + post.Source + post.SourceID + "-" + ioc.Type + "-" + ioc.Subtype + "-" + ioc.Value
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String()
}

// attributeType maps a stored IoC to its MISP attribute type. Hash
// subtypes are valid MISP types as they are.
func attributeType(ioc *store.IoC) string {
	switch ioc.Type {
	case "ip":
		return "ip-dst"
	case "hash":
		return ioc.Subtype
	case "domain":
		return "domain"
	case "url":
		return "url"
	case "email":
		return "email"
	case "vulnerability":
		return "vulnerability"
	case "external-report-link":
		return "link"
	}
	return "other"
}

// category places a MISP attribute type in its feed category.
func category(attrType string) string {
	switch attrType {
	case "ip-dst", "domain", "url":
		return "Network activity"
	case "md5", "sha1", "sha256", "sha512", "email":
		return "Payload delivery"
	case "vulnerability", "link":
		return "External analysis"
	}
	return "Other"
}
