// Package feed extracts publication records from the TWIC downloads page.
package feed

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/twicsync/internal/twic"
)

// DefaultLabel identifies the downloads table on the feed page.
const DefaultLabel = "TWIC Downloads"

// Column names assigned to the first two cells of each row. The upstream
// header row is irregular, so it is never used for labeling.
const (
	ColumnID   = "TWIC_ID"
	ColumnDate = "Date"
)

// Parser implements twic.FeedParser using goquery.
type Parser struct {
	label string
}

var _ twic.FeedParser = (*Parser)(nil)

// NewParser returns a Parser matching the table containing label.
func NewParser(label string) *Parser {
	if strings.TrimSpace(label) == "" {
		label = DefaultLabel
	}
	return &Parser{label: label}
}

// Parse returns the table rows in source order.
func (p *Parser) Parse(body []byte) ([]twic.Publication, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &twic.ParseError{Reason: "read document", Err: err}
	}
	table := p.findTable(doc)
	if table == nil {
		return nil, &twic.ParseError{Reason: fmt.Sprintf("no table matching %q", p.label)}
	}

	var (
		records []twic.Publication
		rowErr  error
	)
	table.Find("tr").EachWithBreak(func(_ int, tr *goquery.Selection) bool {
		if !tr.Closest("table").IsSelection(table) {
			return true
		}
		cells := cellTexts(tr)
		if len(cells) < 2 {
			return true
		}
		id, err := strconv.Atoi(cells[0])
		if err != nil {
			// header or spacer row
			return true
		}
		published, err := ParseDate(cells[1])
		if err != nil {
			rowErr = &twic.ParseError{Reason: fmt.Sprintf("row %s=%d has bad %s %q", ColumnID, id, ColumnDate, cells[1]), Err: err}
			return false
		}
		records = append(records, twic.Publication{
			ID:        id,
			Published: published,
			Aux:       cells[2:],
		})
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	if len(records) == 0 {
		return nil, &twic.ParseError{Reason: fmt.Sprintf("table %q has no publication rows", p.label)}
	}
	return records, nil
}

// findTable returns the innermost table whose text contains the label.
// Layout tables wrapping the downloads table also match, so any table
// that has a matching descendant table is rejected.
func (p *Parser) findTable(doc *goquery.Document) *goquery.Selection {
	var match *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.Contains(s.Text(), p.label) {
			return true
		}
		nested := s.Find("table").FilterFunction(func(_ int, inner *goquery.Selection) bool {
			return strings.Contains(inner.Text(), p.label)
		})
		if nested.Length() > 0 {
			return true
		}
		match = s
		return false
	})
	return match
}

func cellTexts(tr *goquery.Selection) []string {
	cells := tr.ChildrenFiltered("td, th")
	out := make([]string, 0, cells.Length())
	cells.Each(func(_ int, c *goquery.Selection) {
		out = append(out, strings.Join(strings.Fields(c.Text()), " "))
	})
	return out
}

// ParseDate parses a feed date written day/month/year.
func ParseDate(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(twic.DateLayout, strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date: %w", err)
	}
	return t, nil
}

// SortNewestFirst orders records by date descending, then id descending, so
// index 0 is the newest publication regardless of upstream ordering.
func SortNewestFirst(records []twic.Publication) []twic.Publication {
	out := append([]twic.Publication(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Published.Equal(out[j].Published) {
			return out[i].Published.After(out[j].Published)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
