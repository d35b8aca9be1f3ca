// Copyright 2026 The Salt Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfter(t *testing.T) {
	fake := NewFake()
	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("fired before Advance")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired one second early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case at := <-ch:
		want := NewFake().Now().Add(10 * time.Second)
		if !at.Equal(want) {
			t.Fatalf("fired at %v, want %v", at, want)
		}
	default:
		t.Fatal("did not fire after deadline")
	}
}

func TestFakeTickerRearms(t *testing.T) {
	fake := NewFake()
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		fake.Advance(time.Minute)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	ticker.Stop()
	fake.Advance(time.Hour)
	select {
	case <-ticker.C:
		t.Fatal("ticked after Stop")
	default:
	}
}

func TestFakeAfterZeroFiresImmediately(t *testing.T) {
	fake := NewFake()
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}
