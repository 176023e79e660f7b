package idempotency

import (
	"testing"
	"time"
)

func TestCache_TryAcquireLock_SecondCallerBlocked(t *testing.T) {
	c := New(time.Minute)

	if !c.TryAcquireLock("k1") {
		t.Fatal("TryAcquireLock() = false on first caller, want true")
	}
	if c.TryAcquireLock("k1") {
		t.Error("TryAcquireLock() = true for a second caller while processing, want false")
	}
	if !c.IsProcessing("k1") {
		t.Error("IsProcessing() = false while the lock is held, want true")
	}
}

func TestCache_SetResult_ClearsProcessingAndIsReadable(t *testing.T) {
	c := New(time.Minute)
	c.TryAcquireLock("k1")
	c.SetResult("k1", "job-123")

	if c.IsProcessing("k1") {
		t.Error("IsProcessing() = true after SetResult(), want false")
	}
	jobID, ok := c.GetResult("k1")
	if !ok || jobID != "job-123" {
		t.Errorf("GetResult() = %q, %v, want job-123, true", jobID, ok)
	}
}

func TestCache_ReleaseLock_OnlyDropsProcessingEntries(t *testing.T) {
	c := New(time.Minute)
	c.TryAcquireLock("k1")
	c.ReleaseLock("k1")

	if c.IsProcessing("k1") {
		t.Error("IsProcessing() = true after ReleaseLock(), want false")
	}
	if c.TryAcquireLock("k1") != true {
		t.Error("TryAcquireLock() = false after ReleaseLock() freed the key, want true")
	}
}

func TestCache_ReleaseLock_DoesNotClearACompletedResult(t *testing.T) {
	c := New(time.Minute)
	c.TryAcquireLock("k1")
	c.SetResult("k1", "job-123")
	c.ReleaseLock("k1") // must be a no-op: entry is no longer "processing"

	jobID, ok := c.GetResult("k1")
	if !ok || jobID != "job-123" {
		t.Errorf("GetResult() = %q, %v after ReleaseLock() on a completed entry, want it untouched", jobID, ok)
	}
}

func TestCache_Expiry(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.TryAcquireLock("k1")
	c.SetResult("k1", "job-123")

	time.Sleep(25 * time.Millisecond)

	if _, ok := c.GetResult("k1"); ok {
		t.Error("GetResult() returned a hit past the TTL, want expired")
	}
	if !c.TryAcquireLock("k1") {
		t.Error("TryAcquireLock() = false for an expired key, want true (reusable)")
	}
}

func TestCache_Sweep_RemovesExpiredEntries(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.TryAcquireLock("k1")
	c.SetResult("k1", "job-123")

	time.Sleep(25 * time.Millisecond)
	c.Sweep()

	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("entries after Sweep() = %d, want 0", n)
	}
}
