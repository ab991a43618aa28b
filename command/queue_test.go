package command

import (
	"sync"
	"testing"
)

func TestQueuePriorityFirst(t *testing.T) {
	q := NewQueue(8)

	if err := q.Push(New("G1 X10")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := q.Push(NewPriority("M114")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	cmd, ok := q.Pop()
	if !ok {
		t.Fatal("Pop returned empty queue")
	}
	if cmd.Text != "M114" {
		t.Errorf("expected priority command first, got %q", cmd.Text)
	}

	cmd, ok = q.Pop()
	if !ok {
		t.Fatal("Pop returned empty queue")
	}
	if cmd.Text != "G1 X10" {
		t.Errorf("expected normal command second, got %q", cmd.Text)
	}
}

func TestQueueFIFOWithinLane(t *testing.T) {
	q := NewQueue(8)

	commands := []string{"G1 X10", "G1 X20", "G1 X30"}
	for _, text := range commands {
		if err := q.Push(New(text)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	for i, want := range commands {
		cmd, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d returned empty queue", i)
		}
		if cmd.Text != want {
			t.Errorf("Pop %d = %q, want %q", i, cmd.Text, want)
		}
	}
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(2)

	if err := q.Push(New("G1 X1")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := q.Push(New("G1 X2")); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	if err := q.Push(New("G1 X3")); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	// The priority lane has its own capacity
	if err := q.Push(NewPriority("M114")); err != nil {
		t.Errorf("priority push failed on full normal lane: %v", err)
	}
}

func TestQueueEmpty(t *testing.T) {
	q := NewQueue(4)

	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue returned a command")
	}
}

func TestQueueLen(t *testing.T) {
	q := NewQueue(8)

	q.Push(New("G1 X1"))
	q.Push(New("G1 X2"))
	q.Push(NewPriority("M114"))

	priority, normal := q.Len()
	if priority != 1 || normal != 2 {
		t.Errorf("Len() = (%d, %d), want (1, 2)", priority, normal)
	}

	q.Pop()
	priority, normal = q.Len()
	if priority != 0 || normal != 2 {
		t.Errorf("Len() after Pop = (%d, %d), want (0, 2)", priority, normal)
	}
}

func TestQueueConcurrentPush(t *testing.T) {
	q := NewQueue(1024)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if err := q.Push(New("G1 X1")); err != nil {
					t.Errorf("concurrent Push failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		if _, ok := q.Pop(); !ok {
			break
		}
		count++
	}

	if count != 800 {
		t.Errorf("drained %d commands, want 800", count)
	}
}
