package logging

import (
	"testing"
)

func TestRingDropsOldest(t *testing.T) {
	ring := NewRing(3)
	for i := int64(1); i <= 5; i++ {
		ring.Append(Entry{Timestamp: i, Message: "m"})
	}

	entries := ring.Since(0)
	if len(entries) != 3 {
		t.Fatalf("retained %d entries, want 3", len(entries))
	}
	if entries[0].Timestamp != 3 || entries[2].Timestamp != 5 {
		t.Fatalf("unexpected retention window: %+v", entries)
	}
}

func TestRingSinceFilters(t *testing.T) {
	ring := NewRing(10)
	for i := int64(1); i <= 5; i++ {
		ring.Append(Entry{Timestamp: i * 100})
	}

	entries := ring.Since(300)
	if len(entries) != 2 {
		t.Fatalf("Since(300) returned %d entries, want 2", len(entries))
	}
	if entries[0].Timestamp != 400 {
		t.Fatalf("first entry at %d, want 400", entries[0].Timestamp)
	}
}

func TestLoggerMirrorsIntoRing(t *testing.T) {
	logger, ring := Discard()

	logger.Info("session started")
	logger.Error("send failed")

	entries := ring.Since(0)
	if len(entries) != 2 {
		t.Fatalf("ring holds %d entries, want 2", len(entries))
	}
	if entries[0].Message != "session started" || entries[0].Level != "INFO" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Message != "send failed" || entries[1].Level != "ERROR" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
	if entries[0].Timestamp == 0 {
		t.Fatal("expected a timestamp")
	}
}

func TestInitRespectsLevel(t *testing.T) {
	// At warn level, info records never reach the ring.
	logger, ring := Init(Config{Level: "warn"})

	logger.Info("quiet")
	logger.Warn("loud")

	entries := ring.Since(0)
	if len(entries) != 1 {
		t.Fatalf("ring holds %d entries, want 1", len(entries))
	}
	if entries[0].Message != "loud" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}
