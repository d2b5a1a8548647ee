package timeutil

import (
	"testing"
	"time"
)

func TestInLocal(t *testing.T) {
	utc := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := InLocal(utc)
	if !local.Equal(utc) {
		t.Fatalf("conversion must keep the instant")
	}
	if _, offset := local.Zone(); offset != 5*60*60+30*60 {
		t.Fatalf("unexpected offset %d", offset)
	}
}

func TestFakeTickerDeliversDueTicks(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFake(start)
	tk := clock.NewTicker(time.Second)

	got := make(chan time.Time, 10)
	go func() {
		for i := 0; i < 3; i++ {
			got <- <-tk.Chan()
		}
	}()

	clock.Advance(3 * time.Second)
	for i := 1; i <= 3; i++ {
		at := <-got
		if want := start.Add(time.Duration(i) * time.Second); !at.Equal(want) {
			t.Fatalf("tick %d at %v, want %v", i, at, want)
		}
	}
	if !clock.Now().Equal(start.Add(3 * time.Second)) {
		t.Fatalf("clock not advanced")
	}
}

func TestFakeStoppedTickerDoesNotBlock(t *testing.T) {
	clock := NewFake(time.Unix(0, 0))
	tk := clock.NewTicker(time.Second)
	tk.Stop()

	done := make(chan struct{})
	go func() {
		clock.Advance(5 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Advance blocked on a stopped ticker")
	}
	if clock.Tickers() != 0 {
		t.Fatalf("expected no running tickers")
	}
}
