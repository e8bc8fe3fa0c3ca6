// Copyright 2026 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNowOnlyMovesOnAdvance(t *testing.T) {
	c := Fake()
	start := c.Now()
	if c.Now() != start {
		t.Fatal("time moved without Advance")
	}
	c.Advance(3 * time.Second)
	if got := c.Now().Sub(start); got != 3*time.Second {
		t.Errorf("advanced by %v, want 3s", got)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := Fake()
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-ch:
		if at != c.Now() {
			t.Errorf("fired at %v, clock is %v", at, c.Now())
		}
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFakeAfterIsOneShot(t *testing.T) {
	c := Fake()
	ch := c.After(time.Second)
	c.Advance(10 * time.Second)
	<-ch
	c.Advance(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("After channel fired twice")
	default:
	}
}

func TestFakeTickerFiresEveryPeriod(t *testing.T) {
	c := Fake()
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	// The channel holds one tick; draining between advances observes
	// each period.
	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}
}

func TestFakeTickerDropsWhenChannelFull(t *testing.T) {
	c := Fake()
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(5 * time.Second)
	got := 0
	for {
		select {
		case <-ticker.C:
			got++
			continue
		default:
		}
		break
	}
	if got != 1 {
		t.Errorf("drained %d ticks, want 1 (buffer of one, rest dropped)", got)
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake()
	ticker := c.NewTicker(time.Second)
	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeAdvanceDeliversInTimestampOrder(t *testing.T) {
	c := Fake()
	late := c.After(3 * time.Second)
	early := c.After(time.Second)

	c.Advance(5 * time.Second)

	earlyAt := <-early
	lateAt := <-late
	if !earlyAt.Before(lateAt) {
		t.Errorf("early fired at %v, late at %v", earlyAt, lateAt)
	}
	if lateAt != c.Now().Add(-2*time.Second) {
		t.Errorf("late deadline delivered at %v", lateAt)
	}
}
