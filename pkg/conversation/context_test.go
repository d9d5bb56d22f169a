package conversation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestSystemMessageFirst(t *testing.T) {
	c := New("discuss the article")
	snap := c.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snap))
	}
	if snap[0].Role != RoleSystem || snap[0].Content != "discuss the article" {
		t.Fatalf("unexpected system message: %+v", snap[0])
	}
}

func TestSnapshotPrefixProperty(t *testing.T) {
	c := New("sys")
	_ = c.Append(Message{Role: RoleUser, Content: "q1"})
	s1 := c.Snapshot()
	_ = c.Append(Message{Role: RoleAssistant, Content: "a1"})
	_ = c.Append(Message{Role: RoleUser, Content: "q2"})
	s2 := c.Snapshot()

	if len(s1) >= len(s2) {
		t.Fatalf("expected s1 shorter than s2: %d vs %d", len(s1), len(s2))
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			t.Fatalf("s1 is not a prefix of s2 at index %d", i)
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c := New("sys")
	snap := c.Snapshot()
	snap[0].Content = "mutated"
	if c.Snapshot()[0].Content != "sys" {
		t.Fatal("snapshot mutation leaked into the log")
	}
}

func TestConcurrentReadersSingleWriter(t *testing.T) {
	c := New("sys")
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = c.Append(Message{Role: RoleUser, Content: fmt.Sprintf("msg-%d", i)})
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := 0
			for i := 0; i < 100; i++ {
				n := c.Len()
				if n < prev {
					t.Errorf("length went backwards: %d -> %d", prev, n)
					return
				}
				prev = n
			}
		}()
	}
	wg.Wait()

	if c.Len() != 101 {
		t.Fatalf("expected 101 messages, got %d", c.Len())
	}
}

func TestAppendAfterClose(t *testing.T) {
	c := New("sys")
	c.Close()
	err := c.Append(Message{Role: RoleUser, Content: "late"})
	if !errors.Is(err, ErrContextClosed) {
		t.Fatalf("expected ErrContextClosed, got %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("close should not drop messages, got %d", c.Len())
	}
}
