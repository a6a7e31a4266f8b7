package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Search defaults. Count clamps to ResultsMax.
const (
	DefaultCount         = 40
	DefaultMinScore      = 15
	DefaultDistinctRatio = 90
	ResultsMax           = 100
)

// Commands holds the inline-command state extracted from a query.
type Commands struct {
	// Fulltext is the query text with all commands removed and
	// whitespace collapsed; this is what the parser sees.
	Fulltext string

	Strict        bool
	Debug         bool
	Distinct      bool
	DistinctRatio int
	MinScore      int
	Count         int

	// Soft window; posts outside it are penalized during scoring.
	Earliest, Latest time.Time
	// Hard window; retrieval never leaves it. Extends the soft window
	// by half its span on each side, except under !strict.
	EarliestHard, LatestHard time.Time

	// FinalQuery is the canonical form: the original query with !from
	// and !to made explicit. It keys the result cache and reparses to
	// the same command state.
	FinalQuery string
}

// Each command is removed at its first occurrence anywhere in the
// query; the surrounding text is rejoined.
var (
	strictRe      = commandRe("strict", "")
	debugRe       = commandRe("debug", "")
	distinctArgRe = commandRe("distinct", `\d+`)
	distinctRe    = commandRe("distinct", "")
	minScoreRe    = commandRe("min_score", `\d+`)
	countRe       = commandRe("count", `\d+`)
	fromRe        = commandRe("from", `\d{4}-\d{2}-\d{2}`)
	toRe          = commandRe("to", `\d{4}-\d{2}-\d{2}`)
	ageRe         = commandRe("age", `\d+`)
)

func commandRe(name, param string) *regexp.Regexp {
	if param == "" {
		return regexp.MustCompile(`(^.*?)!` + name + `(.*$)`)
	}
	return regexp.MustCompile(`(^.*?)!` + name + `:(` + param + `)(.*$)`)
}

// extract removes the first occurrence of a command from q, returning
// the captured parameter for parameterized commands.
func extract(re *regexp.Regexp, q string, hasParam bool) (param, rest string, found bool) {
	m := re.FindStringSubmatch(q)
	if m == nil {
		return "", q, false
	}
	if hasParam {
		return m[2], strings.TrimSpace(m[1] + " " + m[3]), true
	}
	return "", strings.TrimSpace(m[1] + " " + m[2]), true
}

// ParseCommands strips the inline commands from a query and resolves
// the date windows. A missing !to defaults to today, a missing !from
// to seven days before the latest; both are prepended to FinalQuery so
// the canonical form is explicit. The window is inclusive by day: the
// latest day counts up to 23:59:59, the earliest from midnight. !age
// overrides both dates.
func ParseCommands(query string, now time.Time) (*Commands, error) {
	c := &Commands{
		DistinctRatio: DefaultDistinctRatio,
		MinScore:      DefaultMinScore,
		Count:         DefaultCount,
		FinalQuery:    query,
	}

	rest := query
	var (
		param string
		found bool
	)

	if _, rest, found = extract(strictRe, rest, false); found {
		c.Strict = true
	}
	if _, rest, found = extract(debugRe, rest, false); found {
		c.Debug = true
	}
	if param, rest, found = extract(distinctArgRe, rest, true); found {
		c.Distinct = true
		c.DistinctRatio, _ = strconv.Atoi(param)
	} else if _, rest, found = extract(distinctRe, rest, false); found {
		c.Distinct = true
	}
	if param, rest, found = extract(minScoreRe, rest, true); found {
		c.MinScore, _ = strconv.Atoi(param)
	}
	if param, rest, found = extract(countRe, rest, true); found {
		n, _ := strconv.Atoi(param)
		c.Count = min(n, ResultsMax)
	}

	var latest, earliest time.Time
	if param, rest, found = extract(fromRe, rest, true); found {
		t, err := time.ParseInLocation("2006-01-02", param, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid !from date %q: %w", param, err)
		}
		earliest = t
	}
	if param, rest, found = extract(toRe, rest, true); found {
		t, err := time.ParseInLocation("2006-01-02", param, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid !to date %q: %w", param, err)
		}
		latest = t
	}
	if param, rest, found = extract(ageRe, rest, true); found {
		days, _ := strconv.Atoi(param)
		latest = now.UTC()
		earliest = latest.AddDate(0, 0, -days)
	}

	if latest.IsZero() {
		latest = now.UTC()
		c.FinalQuery = "!to:" + latest.Format("2006-01-02") + " " + c.FinalQuery
	}
	if earliest.IsZero() {
		earliest = latest.AddDate(0, 0, -7)
		c.FinalQuery = "!from:" + earliest.Format("2006-01-02") + " " + c.FinalQuery
	}

	c.Latest = endOfDay(latest)
	c.Earliest = startOfDay(earliest)

	span := c.Latest.Sub(c.Earliest)
	c.LatestHard = c.Latest.Add(span / 2)
	c.EarliestHard = c.Earliest.Add(-span / 2)
	if c.Strict {
		c.LatestHard = c.Latest
		c.EarliestHard = c.Earliest
	}

	c.Fulltext = strings.Join(strings.Fields(rest), " ")
	return c, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 23, 59, 59, 0, time.UTC)
}
