package enrich

import (
	"context"
	"net"
	"regexp"
	"strings"

	"github.com/hazyhaar/ucti/internal/errs"
	"github.com/hazyhaar/ucti/internal/oracle"
	"github.com/hazyhaar/ucti/internal/store"
)

const iocsPrompt = `Extract cybersecurity indicators of compromise from the text as a JSON array of {"value","type","comment"} objects. Types: ip, hash, domain, url, email, vulnerability. Restore defanged forms (hxxp becomes http, [.] becomes .). Answer [] when there are none.`

var (
	domainRe = regexp.MustCompile(`^(?:[A-Za-z0-9](?:[A-Za-z0-9-]{0,61}[A-Za-z0-9])?\.)+[A-Za-z]{2,}$`)
	urlRe    = regexp.MustCompile(`^\S+://[^\s/$.?#].\S*$`)
	emailRe  = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	vulnRe   = regexp.MustCompile(`^(CVE|GHSA)-\d{4}-\d{4,}$`)
	hexRe    = regexp.MustCompile(`^[0-9a-fA-F]+$`)
)

// hashSubtypes maps hex digest length to the algorithm name.
var hashSubtypes = map[int]string{
	32:  "md5",
	40:  "sha1",
	64:  "sha256",
	128: "sha512",
}

// ExtractIoCs is the third stage: Oracle extraction, validation,
// linking. The post's own URL rides along as a report-link indicator.
func (e *Enricher) ExtractIoCs(ctx context.Context, opts Options) error {
	posts, err := e.store.PendingIoCs(ctx, opts.Source)
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		return nil
	}
	e.logger.Info("extracting iocs", "count", len(posts), "source", opts.Source)

	collector := errs.NewCollector("ioc extraction failed")
	e.forEach(ctx, posts, collector, func(ctx context.Context, p *store.Post) error {
		return e.extractPost(ctx, p)
	})
	return collector.Err()
}

func (e *Enricher) extractPost(ctx context.Context, p *store.Post) error {
	raws, err := e.oracle.AskIoCs(ctx, iocsPrompt, clip(p.ContentTxt, iocsLimit))
	if err != nil {
		return err
	}
	raws = append(raws, oracle.RawIoC{Value: p.URL, Type: "external-report-link"})

	var iocIDs []int64
	for _, raw := range raws {
		ioc, ok := validateIoC(raw, p.URL)
		if !ok {
			e.logger.Debug("dropping invalid ioc",
				"post", p.ID, "value", raw.Value, "type", raw.Type)
			continue
		}
		if err := e.store.UpsertIoC(ctx, ioc); err != nil {
			return err
		}
		iocIDs = append(iocIDs, ioc.ID)
	}

	if err := e.store.ConnectIoCs(ctx, p.ID, iocIDs); err != nil {
		return err
	}
	return e.store.MarkIoCsAssigned(ctx, p.ID)
}

// refang restores the defanged forms the Oracle may have passed
// through unchanged.
func refang(value string) string {
	value = strings.ReplaceAll(value, "hxxp", "http")
	value = strings.ReplaceAll(value, "hXXp", "http")
	value = strings.ReplaceAll(value, "[.]", ".")
	return strings.TrimSpace(value)
}

// validateIoC checks a candidate against its claimed type and derives
// the subtype. Unknown types and malformed values are dropped.
func validateIoC(raw oracle.RawIoC, postURL string) (*store.IoC, bool) {
	value := refang(raw.Value)
	if value == "" {
		return nil, false
	}
	ioc := &store.IoC{Value: value, Type: raw.Type, Comment: raw.Comment}

	switch raw.Type {
	case "ip":
		ip := net.ParseIP(value)
		if ip == nil {
			return nil, false
		}
		if ip.To4() != nil {
			ioc.Subtype = "ipv4"
		} else {
			ioc.Subtype = "ipv6"
		}
	case "hash":
		subtype, ok := hashSubtypes[len(value)]
		if !ok || !hexRe.MatchString(value) {
			return nil, false
		}
		ioc.Subtype = subtype
	case "domain":
		if !domainRe.MatchString(value) {
			return nil, false
		}
	case "url":
		if !urlRe.MatchString(value) {
			return nil, false
		}
	case "external-report-link":
		if !urlRe.MatchString(value) {
			return nil, false
		}
		if value == postURL {
			ioc.Subtype = "post-link"
		} else {
			ioc.Subtype = "external-article"
		}
	case "email":
		if !emailRe.MatchString(value) {
			return nil, false
		}
	case "vulnerability":
		if !vulnRe.MatchString(value) {
			return nil, false
		}
	default:
		return nil, false
	}
	return ioc, true
}
