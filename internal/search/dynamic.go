package search

import (
	"fmt"
	"strings"
	"time"
)

// DynamicQueries splits a query's date window into 7-day slices and
// renders one query per slice, newest first, each carrying its own
// explicit !from/!to. The other commands ride along unchanged.
func DynamicQueries(query string, now time.Time) ([]string, error) {
	cmds, err := ParseCommands(query, now)
	if err != nil {
		return nil, badQuery(err)
	}
	if _, err := Parse(cmds.Fulltext); err != nil {
		return nil, badQuery(fmt.Errorf("invalid query syntax: %w", err))
	}

	_, rest, _ := extract(fromRe, query, true)
	_, rest, _ = extract(toRe, rest, true)
	_, rest, _ = extract(ageRe, rest, true)
	rest = strings.Join(strings.Fields(rest), " ")

	var queries []string
	end := cmds.Latest
	for !end.Before(cmds.Earliest) {
		start := startOfDay(end.AddDate(0, 0, -6))
		if start.Before(cmds.Earliest) {
			start = cmds.Earliest
		}
		q := "!from:" + start.Format("2006-01-02") + " !to:" + end.Format("2006-01-02")
		if rest != "" {
			q += " " + rest
		}
		queries = append(queries, q)
		end = endOfDay(start.AddDate(0, 0, -1))
	}
	return queries, nil
}

// DynamicQueries splits the query against the engine clock.
func (e *Engine) DynamicQueries(query string) ([]string, error) {
	return DynamicQueries(query, e.now())
}
