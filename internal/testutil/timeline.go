package testutil

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// Interval is a labelled span of wall time.
type Interval struct {
	Label string
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the two intervals share any instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Timeline collects intervals from concurrent goroutines.
type Timeline struct {
	mu        sync.Mutex
	intervals []Interval
}

// Add records an interval.
func (tl *Timeline) Add(label string, start, end time.Time) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.intervals = append(tl.intervals, Interval{Label: label, Start: start, End: end})
}

// Track starts an interval and returns the func that ends it.
func (tl *Timeline) Track(label string) func() {
	start := time.Now()
	return func() { tl.Add(label, start, time.Now()) }
}

// Intervals returns the recorded intervals ordered by start time.
func (tl *Timeline) Intervals() []Interval {
	tl.mu.Lock()
	out := append([]Interval(nil), tl.intervals...)
	tl.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Matching returns intervals whose label starts with prefix.
func (tl *Timeline) Matching(prefix string) []Interval {
	var out []Interval
	for _, iv := range tl.Intervals() {
		if strings.HasPrefix(iv.Label, prefix) {
			out = append(out, iv)
		}
	}
	return out
}

// AssertNoOverlap fails the test if any two intervals whose labels start
// with one of prefixes overlap.
func (tl *Timeline) AssertNoOverlap(t *testing.T, prefixes ...string) {
	t.Helper()

	var group []Interval
	for _, iv := range tl.Intervals() {
		for _, p := range prefixes {
			if strings.HasPrefix(iv.Label, p) {
				group = append(group, iv)
				break
			}
		}
	}
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			if group[i].Overlaps(group[j]) {
				t.Errorf("intervals overlap: %s [%s..%s] and %s [%s..%s]",
					group[i].Label, group[i].Start.Format(time.StampMicro), group[i].End.Format(time.StampMicro),
					group[j].Label, group[j].Start.Format(time.StampMicro), group[j].End.Format(time.StampMicro))
			}
		}
	}
}

// AssertBefore fails the test unless every interval labelled first ends
// no later than every interval labelled second starts.
func (tl *Timeline) AssertBefore(t *testing.T, first, second string) {
	t.Helper()

	a, b := tl.Matching(first), tl.Matching(second)
	if len(a) == 0 || len(b) == 0 {
		t.Errorf("AssertBefore(%q, %q): missing intervals (%d, %d)", first, second, len(a), len(b))
		return
	}
	for _, x := range a {
		for _, y := range b {
			if y.Start.Before(x.End) {
				t.Errorf("%s started before %s ended", y.Label, x.Label)
			}
		}
	}
}
