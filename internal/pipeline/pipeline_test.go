package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/askhatbaimukhamedov/Metrics-processing-is74/internal/parser"
	"github.com/askhatbaimukhamedov/Metrics-processing-is74/pkg/protocol"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func at(hour int) time.Time {
	return time.Date(2026, 10, 18, hour, 0, 0, 0, time.UTC)
}

func envelopes(kind MetricKind, hours ...int) []Envelope {
	out := make([]Envelope, 0, len(hours))
	for _, h := range hours {
		out = append(out, Envelope{
			Kind:      kind,
			EventTime: at(h),
			Metrics:   map[string]parser.Record{"1": {protocol.FieldT1: 70.0, protocol.FieldT2: 50.0}},
		})
	}
	return out
}

type captureSink struct {
	batches []Batch
	failAt  int
}

func (c *captureSink) Submit(_ context.Context, _ string, batch Batch) error {
	if c.failAt > 0 && len(c.batches)+1 == c.failAt {
		return errors.New("sink down")
	}
	c.batches = append(c.batches, batch)
	return nil
}

func TestDeriveDifferences(t *testing.T) {
	rec := parser.Record{
		protocol.FieldT1: 70.5, protocol.FieldT2: 50.25,
		protocol.FieldM1: int64(100), protocol.FieldM2: int64(40),
		protocol.FieldQ: 12.0,
	}
	Derive(rec)
	if got := rec["Td"]; got != 20.25 {
		t.Fatalf("Td = %v", got)
	}
	if got := rec["Md"]; got != 60.0 {
		t.Fatalf("Md = %v", got)
	}
	// Qd 已由设备给出，不覆盖
	if got := rec[protocol.FieldQ]; got != 12.0 {
		t.Fatalf("Qd overwritten: %v", got)
	}
	if _, ok := rec["Pd"]; ok {
		t.Fatalf("Pd should not be derived without P1/P2")
	}
}

func TestRemainingByKind(t *testing.T) {
	cases := []struct {
		kind   MetricKind
		event  time.Time
		worked float64
		want   any
	}{
		{PeriodHour, at(5), 0.75, 0.25},
		{PeriodDay, at(0), 20, 4.0},
		// 结算日 25 日: 2026-09-25 至 2026-10-18 共 23 天
		{PeriodMonth, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), 500, float64(23*24 - 500)},
	}
	for _, tc := range cases {
		rec := parser.Record{protocol.FieldWorkTime: tc.worked}
		Remaining(tc.kind, tc.event, 25, rec)
		if got := rec[protocol.FieldRemaining]; got != tc.want {
			t.Fatalf("%s: tост = %v, want %v", tc.kind, got, tc.want)
		}
	}

	rec := parser.Record{protocol.FieldWorkTime: 3.0}
	Remaining(IntegralHour, at(1), 25, rec)
	if _, ok := rec[protocol.FieldRemaining]; ok {
		t.Fatalf("integral metrics carry no remaining time")
	}
}

func TestRemainingAtMonthEnd(t *testing.T) {
	cases := []struct {
		event time.Time
		want  float64
	}{
		// 2025-02-28 至 2025-03-31 共 31 天
		{time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC), 744},
		// 2025-04-30 至 2025-05-31 共 31 天
		{time.Date(2025, 5, 31, 12, 0, 0, 0, time.UTC), 744},
		// 2024-02-29 至 2024-03-31 共 31 天
		{time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), 744},
	}
	for _, tc := range cases {
		rec := parser.Record{protocol.FieldWorkTime: 0.0}
		Remaining(PeriodMonth, tc.event, 31, rec)
		if got := rec[protocol.FieldRemaining]; got != tc.want {
			t.Fatalf("%s: tост = %v, want %v", tc.event.Format(time.DateOnly), got, tc.want)
		}
	}
}

func TestShiftMonthClampsDay(t *testing.T) {
	cases := []struct {
		from   time.Time
		months int
		want   time.Time
	}{
		{time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC), -1, time.Date(2025, 2, 28, 12, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), 1, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), 2, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), -1, time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := shiftMonth(tc.from, tc.months); !got.Equal(tc.want) {
			t.Fatalf("shiftMonth(%s, %d) = %s, want %s", tc.from, tc.months, got, tc.want)
		}
	}
}

func TestReportDate(t *testing.T) {
	cases := []struct {
		from time.Time
		day  int
		want time.Time
	}{
		{time.Date(2026, 10, 18, 13, 0, 0, 0, time.UTC), 25, time.Date(2026, 10, 25, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 10, 25, 13, 0, 0, 0, time.UTC), 25, time.Date(2026, 10, 25, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 10, 26, 0, 0, 0, 0, time.UTC), 25, time.Date(2026, 11, 25, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), 31, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), 0, time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := ReportDate(tc.from, tc.day); !got.Equal(tc.want) {
			t.Fatalf("ReportDate(%s, %d) = %s, want %s", tc.from, tc.day, got, tc.want)
		}
	}
}

func TestNextDue(t *testing.T) {
	now := at(12)
	last := at(11)
	if !NextDue(PeriodHour, &last, 25, now) {
		t.Fatalf("hour archive one hour old should be due")
	}
	last = at(12)
	if NextDue(PeriodHour, &last, 25, now) {
		t.Fatalf("hour archive recorded now should not be due")
	}
	if NextDue(IntegralDay, &last, 25, now) {
		t.Fatalf("day archive recorded today should not be due")
	}
	if !NextDue(PeriodCurrent, &last, 25, now) {
		t.Fatalf("current values are always due")
	}
	if !NextDue(IntegralMonth, nil, 25, now) {
		t.Fatalf("nothing recorded yet, must be due")
	}
	endOfJan := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	if !NextDue(IntegralMonth, &endOfJan, 31, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("february report 2025-02-28 should be due")
	}
	month := time.Date(2026, 9, 25, 0, 0, 0, 0, time.UTC)
	if NextDue(IntegralMonth, &month, 25, now) {
		t.Fatalf("next month report is 2026-10-25")
	}
}

func TestDedupDropsSubmittedPrefix(t *testing.T) {
	last := at(20)
	got, err := Dedup(envelopes(PeriodHour, 10, 20, 23), &last)
	if err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if len(got) != 1 || !got[0].EventTime.Equal(at(23)) {
		t.Fatalf("unexpected dedup result %+v", got)
	}

	got, err = Dedup(envelopes(PeriodHour, 10, 20), nil)
	if err != nil || len(got) != 2 {
		t.Fatalf("no last date keeps everything: %d %v", len(got), err)
	}
}

func TestDedupRejectsUnordered(t *testing.T) {
	_, err := Dedup(envelopes(PeriodDay, 5, 3), nil)
	if !errors.Is(err, ErrUnordered) {
		t.Fatalf("expected ErrUnordered, got %v", err)
	}
}

func TestBatchesPreserveOrder(t *testing.T) {
	hours := make([]int, 0, 23)
	for h := 0; h < 23; h++ {
		hours = append(hours, h)
	}
	envs := envelopes(PeriodHour, hours...)
	groups := Batches(envs, 5)
	if len(groups) != 5 {
		t.Fatalf("expected ceil(23/5)=5 batches, got %d", len(groups))
	}
	var joined []Envelope
	for _, g := range groups {
		if len(g) > 5 {
			t.Fatalf("batch too large: %d", len(g))
		}
		joined = append(joined, g...)
	}
	for i := range envs {
		if !joined[i].EventTime.Equal(envs[i].EventTime) {
			t.Fatalf("order changed at %d", i)
		}
	}
	if Batches(nil, 5) != nil {
		t.Fatalf("empty input yields no batches")
	}
}

func TestCheckSerial(t *testing.T) {
	if err := CheckSerial("123456", " 123456 "); err != nil {
		t.Fatalf("same serial: %v", err)
	}
	if err := CheckSerial("", "123456"); err != nil {
		t.Fatalf("unknown expected serial: %v", err)
	}
	if err := CheckSerial("123456", "654321"); !errors.Is(err, ErrSerialMismatch) {
		t.Fatalf("expected ErrSerialMismatch, got %v", err)
	}
}

func TestDefaultChainSubmitsNewEnvelopes(t *testing.T) {
	sink := &captureSink{}
	last := at(1)
	res := &Result{
		DeviceID:       "dev-1",
		Kind:           PeriodHour,
		Scheme:         &Scheme{CurrentTime: at(23), Serial: "123456", Subsystems: []string{"1"}, ReportDay: 25},
		ExpectedSerial: "123456",
		LastDate:       &last,
		Envelopes:      envelopes(PeriodHour, 0, 1, 2, 3, 4),
	}
	for _, env := range res.Envelopes {
		env.Metrics["1"][protocol.FieldWorkTime] = 1.0
	}

	out, err := Default(sink, 2, quietLogger())(context.Background(), res)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if out.Submitted != 3 || len(sink.batches) != 2 {
		t.Fatalf("submitted %d in %d batches", out.Submitted, len(sink.batches))
	}
	if !out.Latest.Equal(at(4)) {
		t.Fatalf("latest = %s", out.Latest)
	}
	first := sink.batches[0]
	if first.Serial != "123456" || first.CurrentTime == nil || len(first.Data) != 2 {
		t.Fatalf("unexpected batch %+v", first)
	}
	rec := first.Data[0].Metrics["1"]
	if rec["Td"] != 20.0 || rec[protocol.FieldRemaining] != 0.0 {
		t.Fatalf("derived fields missing: %v", rec)
	}
}

func TestDefaultChainStopsOnSerialMismatch(t *testing.T) {
	sink := &captureSink{}
	res := &Result{
		Kind:           PeriodDay,
		Scheme:         &Scheme{Serial: "999"},
		ExpectedSerial: "123",
		Envelopes:      envelopes(PeriodDay, 0),
	}
	if _, err := Default(sink, MaxBatchSize, quietLogger())(context.Background(), res); !errors.Is(err, ErrSerialMismatch) {
		t.Fatalf("expected ErrSerialMismatch, got %v", err)
	}
	if len(sink.batches) != 0 {
		t.Fatalf("nothing should be submitted")
	}
}

func TestSubmitNothingIsNotAnError(t *testing.T) {
	sink := &captureSink{}
	out, err := Submit(sink, MaxBatchSize, quietLogger())(context.Background(), &Result{Kind: IntegralMonth})
	if err != nil || out.Submitted != 0 || len(sink.batches) != 0 {
		t.Fatalf("empty submit: %v %d", err, out.Submitted)
	}
}

func TestSubmitReportsFailingBatch(t *testing.T) {
	sink := &captureSink{failAt: 2}
	res := &Result{Kind: PeriodHour, Envelopes: envelopes(PeriodHour, 0, 1, 2)}
	out, err := Submit(sink, 2, quietLogger())(context.Background(), res)
	if err == nil {
		t.Fatalf("expected error")
	}
	if out.Submitted != 2 || !out.Latest.Equal(at(1)) {
		t.Fatalf("partial progress not recorded: %d %v", out.Submitted, out.Latest)
	}
}
