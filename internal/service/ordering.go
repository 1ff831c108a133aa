package service

import (
	"slices"
	"strings"
	"time"
)

type SortOrder int

const (
	Ascending SortOrder = iota
	Descending
)

func (o SortOrder) String() string {
	if o == Descending {
		return "desc"
	}
	return "asc"
}

// ParseSortOrder accepts "asc"/"desc"; anything else is Ascending.
func ParseSortOrder(s string) SortOrder {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "desc", "descending":
		return Descending
	}
	return Ascending
}

// Ordering names the sort direction of every list the stream emits.
// Per-message reply lists have historically been newest first while the
// channel list and the open thread are oldest first.
type Ordering struct {
	Messages     SortOrder
	ThreadFanout SortOrder
	OpenThread   SortOrder
}

var DefaultOrdering = Ordering{
	Messages:     Ascending,
	ThreadFanout: Descending,
	OpenThread:   Ascending,
}

// sortByTime sorts in place. Items with equal timestamps keep the order the
// store returned them in.
func sortByTime[T any](items []T, ts func(T) time.Time, order SortOrder) {
	slices.SortStableFunc(items, func(a, b T) int {
		c := ts(a).Compare(ts(b))
		if order == Descending {
			return -c
		}
		return c
	})
}
