package calendar

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "github.com/jazzdanger/nudge-me/internal/log"
	"github.com/jazzdanger/nudge-me/internal/model"
)

// maxOccurrencesPerEvent caps recurrence expansion so a pathological RRULE
// cannot blow up a sync pass.
const maxOccurrencesPerEvent = 1000

// Client turns calendar feeds into classified CalendarItems.
type Client struct {
	fetcher *Fetcher
	loc     *time.Location
}

// NewClient creates a Client caching feed bodies under cacheDir and
// normalizing occurrence times into loc (nil means the local zone).
func NewClient(cacheDir string, loc *time.Location) *Client {
	if loc == nil {
		loc = time.Local
	}
	return &Client{fetcher: NewFetcher(cacheDir), loc: loc}
}

// FetchItems fetches, parses, expands and classifies every feed within
// [windowStart, windowEnd). Per-feed failures are collected; feeds that do
// produce a body still contribute items. Items are returned in start order,
// dateless items last.
func (c *Client) FetchItems(ctx context.Context, feeds []Feed, windowStart, windowEnd time.Time) ([]model.CalendarItem, []error) {
	if len(feeds) == 0 {
		return nil, []error{errors.New("no calendar feeds configured")}
	}

	results, errs := c.fetcher.FetchAll(ctx, feeds)

	var items []model.CalendarItem
	for _, res := range results {
		events, err := parseFeed(res.Feed, res.Body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, ev := range events {
			items = append(items, c.expand(ev, windowStart, windowEnd)...)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Start, items[j].Start
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return items, errs
}

// expand converts one parsed event into zero or more items inside the
// window, expanding RRULEs and applying EXDATEs.
func (c *Client) expand(ev parsedEvent, windowStart, windowEnd time.Time) []model.CalendarItem {
	if ev.RawRRule == "" {
		if ev.Start.IsZero() {
			// Dateless entry (tasks without a due date).
			item := c.makeItem(ev, nil)
			return []model.CalendarItem{item}
		}
		if ev.Start.Before(windowStart) || !ev.Start.Before(windowEnd) {
			return nil
		}
		start := c.normalizeStart(ev, ev.Start)
		return []model.CalendarItem{c.makeItem(ev, &start)}
	}

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	occTimes := set.Between(
		windowStart.In(ev.Start.Location()),
		windowEnd.In(ev.Start.Location()),
		true,
	)
	if len(occTimes) > maxOccurrencesPerEvent {
		appLog.Error("recurrence expansion truncated", errors.New("max occurrences reached"),
			"uid", ev.UID, "cap", maxOccurrencesPerEvent)
		occTimes = occTimes[:maxOccurrencesPerEvent]
	}

	out := make([]model.CalendarItem, 0, len(occTimes))
	for _, occ := range occTimes {
		start := c.normalizeStart(ev, occ)
		item := c.makeItem(ev, &start)
		// Recurring instances need distinct ids so each occurrence gets its
		// own alarm registration.
		item.ID = ev.UID + "@" + start.Format(time.RFC3339)
		out = append(out, item)
	}
	return out
}

// normalizeStart converts an occurrence start into the client zone; all-day
// occurrences collapse to local midnight of their date.
func (c *Client) normalizeStart(ev parsedEvent, start time.Time) time.Time {
	local := start.In(c.loc)
	if ev.AllDay {
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	}
	return local
}

func (c *Client) makeItem(ev parsedEvent, start *time.Time) model.CalendarItem {
	title := ev.Summary
	if title == "" {
		title = "Event"
	}
	return model.CalendarItem{
		ID:          ev.UID,
		Title:       title,
		Start:       start,
		AllDay:      ev.AllDay,
		Description: ev.Description,
		Type:        Classify(title, ev.Feed.Name),
	}
}

// Classify determines an item's type: a title containing "birthday" (any
// case) is a Birthday regardless of source; otherwise an item from a feed
// named like "Tasks" is a Task; everything else is an Event.
func Classify(title, feedName string) model.ItemType {
	if strings.Contains(strings.ToLower(title), "birthday") {
		return model.ItemBirthday
	}
	if strings.Contains(strings.ToLower(feedName), "tasks") {
		return model.ItemTask
	}
	return model.ItemEvent
}
