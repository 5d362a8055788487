package archive

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

func date(y int, m time.Month) time.Time {
	return time.Date(y, m, 15, 12, 0, 0, 0, time.UTC)
}

func TestMonthlyPage(t *testing.T) {
	if MonthlyPage(nil) != 0 {
		t.Fatalf("nil date must map to page 0")
	}
	cases := []struct {
		at   time.Time
		want int
	}{
		{date(2000, time.January), 0},
		{date(2000, time.December), 11},
		{date(2004, time.February), 49},
		{date(2004, time.March), 0},
		{date(2026, time.October), 21},
	}
	for _, tc := range cases {
		at := tc.at
		if got := MonthlyPage(&at); got != tc.want {
			t.Fatalf("MonthlyPage(%s) = %d want %d", at.Format("2006-01"), got, tc.want)
		}
	}
}

func TestMonthlyPageMonotonicWithinWindow(t *testing.T) {
	start := date(2025, time.January) // 周期第 0 页
	first := MonthlyPage(&start)
	if first != 0 {
		t.Fatalf("expected cycle start, got %d", first)
	}
	prev := -1
	for i := 0; i < protocol.MonthArchiveSize; i++ {
		at := start.AddDate(0, i, 0)
		page := MonthlyPage(&at)
		if page <= prev {
			t.Fatalf("page %d not increasing after %d at %s", page, prev, at.Format("2006-01"))
		}
		if page < 0 || page >= protocol.MonthArchiveSize {
			t.Fatalf("page %d out of range", page)
		}
		prev = page
	}
	wrapped := start.AddDate(0, protocol.MonthArchiveSize, 0)
	if MonthlyPage(&wrapped) != 0 {
		t.Fatalf("page must wrap after %d months", protocol.MonthArchiveSize)
	}
}

func TestPageDelta(t *testing.T) {
	now := date(2026, time.October)
	if d, err := PageDelta(18, now); err != nil || d != 3 {
		t.Fatalf("PageDelta = %d, %v", d, err)
	}
	if _, err := PageDelta(30, now); !errors.Is(err, ErrStaleArchiveDate) {
		t.Fatalf("expected stale archive date, got %v", err)
	}
}

func TestPlan(t *testing.T) {
	got := Plan(5, 23)
	want := []Chunk{{5, 10}, {15, 10}, {25, 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Plan = %v want %v", got, want)
	}
	if got := Plan(45, 10); !reflect.DeepEqual(got, []Chunk{{45, 10}}) {
		t.Fatalf("Plan = %v", got)
	}
	if got := Plan(0, 0); len(got) != 0 {
		t.Fatalf("empty plan expected, got %v", got)
	}
	if got := Plan(45, 12)[1].Page; got != 5 {
		t.Fatalf("page must wrap modulo capacity, got %d", got)
	}
	if args := (Chunk{Page: 300, Count: 4}).Args(); !reflect.DeepEqual(args, []int{3, 44, 1, 4}) {
		t.Fatalf("Args = %v", args)
	}
}

type fakeReader struct {
	calls [][]int
	fill  func(page int) int64
}

func (f *fakeReader) ReadArchive(_ context.Context, cmd byte, args []int) ([]parser.Record, error) {
	if cmd != protocol.CmdReadMonthArch {
		return nil, errors.New("unexpected command")
	}
	f.calls = append(f.calls, args)
	page := args[1] | args[2]<<8
	out := make([]parser.Record, args[3])
	for i := range out {
		out[i] = parser.Record{protocol.FieldQ: int64(page + i), protocol.FieldArchive: f.fill(page + i)}
	}
	return out, nil
}

func TestFetchMonthlyDropsUnwrittenPages(t *testing.T) {
	now := date(2026, time.October) // 第 21 页
	last := time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC)
	r := &fakeReader{fill: func(page int) int64 {
		if page == 12 {
			return 0
		}
		return 1
	}}
	pages, err := FetchMonthly(context.Background(), r, &last, now)
	if err != nil {
		t.Fatalf("FetchMonthly: %v", err)
	}
	start := MonthlyPage(&last)
	if start != 7 {
		t.Fatalf("start page %d", start)
	}
	if len(r.calls) != 2 || r.calls[0][3] != 10 || r.calls[1][3] != 4 {
		t.Fatalf("unexpected requests %v", r.calls)
	}
	if len(pages) != 13 {
		t.Fatalf("expected 13 written pages, got %d", len(pages))
	}
	for _, p := range pages {
		if p.Record[protocol.FieldQ] == int64(12) {
			t.Fatalf("unwritten page leaked into result")
		}
	}
	if !pages[0].Month.Equal(last) {
		t.Fatalf("first page month %s", pages[0].Month)
	}
	if got := pages[len(pages)-1].Month; got.Year() != 2026 || got.Month() != time.September {
		t.Fatalf("last page month %s", got)
	}
}

func TestFetchMonthlyStale(t *testing.T) {
	now := date(2026, time.October)
	last := date(2026, time.November)
	_, err := FetchMonthly(context.Background(), &fakeReader{fill: func(int) int64 { return 1 }}, &last, now)
	if !errors.Is(err, ErrStaleArchiveDate) {
		t.Fatalf("expected stale archive date, got %v", err)
	}
}
