// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dcc

import (
	"testing"
	"time"
)

func TestResumeQueue_TakeExactMatch(t *testing.T) {
	q := NewResumeQueue()
	q.Add("sender", &ResumeOffer{PeerPort: 6000, Position: 500, Filename: "foo"})

	if _, ok := q.Take("sender", 6000, 501); ok {
		t.Fatalf("wrong position must not match")
	}
	if _, ok := q.Take("sender", 6001, 500); ok {
		t.Fatalf("wrong port must not match")
	}
	if _, ok := q.Take("other", 6000, 500); ok {
		t.Fatalf("unknown nick must not match")
	}

	offer, ok := q.Take("sender", 6000, 500)
	if !ok {
		t.Fatalf("expected exact match")
	}
	if offer.Filename != "foo" {
		t.Errorf("unexpected offer %+v", offer)
	}

	if q.Has("sender") {
		t.Errorf("queue should be empty after take")
	}
	if _, ok := q.Take("sender", 6000, 500); ok {
		t.Errorf("taken offer must not match again")
	}
}

func TestResumeQueue_InsertionOrder(t *testing.T) {
	q := NewResumeQueue()
	q.Add("sender", &ResumeOffer{PeerPort: 6000, Position: 100, Filename: "first"})
	q.Add("sender", &ResumeOffer{PeerPort: 6000, Position: 100, Filename: "second"})

	offer, ok := q.Take("sender", 6000, 100)
	if !ok || offer.Filename != "first" {
		t.Fatalf("expected oldest matching offer first, got %+v", offer)
	}
	offer, ok = q.Take("sender", 6000, 100)
	if !ok || offer.Filename != "second" {
		t.Fatalf("expected remaining offer, got %+v", offer)
	}
}

func TestResumeQueue_Expire(t *testing.T) {
	q := NewResumeQueue()
	q.Add("sender", &ResumeOffer{PeerPort: 6000, Position: 500, OfferedAt: time.Now().Add(-time.Minute)})
	q.Add("sender", &ResumeOffer{PeerPort: 6001, Position: 200})

	if removed := q.Expire(30 * time.Second); removed != 1 {
		t.Fatalf("expected 1 expired offer, got %d", removed)
	}
	if _, ok := q.Take("sender", 6000, 500); ok {
		t.Errorf("expired offer must not match")
	}
	if _, ok := q.Take("sender", 6001, 200); !ok {
		t.Errorf("fresh offer should remain")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}
