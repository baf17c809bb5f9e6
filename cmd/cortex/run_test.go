package main

import (
	"testing"
	"time"
)

func TestSessionDedupeRejectsWithinWindow(t *testing.T) {
	d := newSessionDedupe(10 * time.Minute)

	if d.checkAndMark("kv", "s1") {
		t.Fatal("first submission should not be a duplicate")
	}
	if !d.checkAndMark("kv", "s1") {
		t.Fatal("second submission within the window should be a duplicate")
	}
}

func TestSessionDedupeScopesByDomain(t *testing.T) {
	d := newSessionDedupe(10 * time.Minute)

	if d.checkAndMark("kv", "s1") {
		t.Fatal("first submission in domain kv should not be a duplicate")
	}
	if d.checkAndMark("other", "s1") {
		t.Fatal("same session ID in a different domain should not be a duplicate")
	}
}

func TestSessionDedupeIgnoresEmptySessionID(t *testing.T) {
	d := newSessionDedupe(10 * time.Minute)

	if d.checkAndMark("kv", "") {
		t.Fatal("empty session ID should never be treated as a duplicate")
	}
	if d.checkAndMark("kv", "") {
		t.Fatal("empty session ID should never be treated as a duplicate")
	}
}

func TestSessionDedupeExpiresAfterWindow(t *testing.T) {
	d := newSessionDedupe(20 * time.Millisecond)

	if d.checkAndMark("kv", "s1") {
		t.Fatal("first submission should not be a duplicate")
	}
	time.Sleep(40 * time.Millisecond)
	if d.checkAndMark("kv", "s1") {
		t.Fatal("submission after the window elapsed should not be a duplicate")
	}
}
