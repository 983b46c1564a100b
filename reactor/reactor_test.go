package reactor

import (
	"os"
	"testing"
	"time"
)

func pipe(t *testing.T) (*os.File, *os.File, error) {
	t.Helper()
	return os.Pipe()
}

func TestLoop_TimerFires(t *testing.T) {
	l := New()
	fired := false
	l.AfterFunc(5*time.Millisecond, func() {
		fired = true
		l.Quit()
	})
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !fired {
		t.Fatal("timer never fired")
	}
}

func TestLoop_TimerOrdering(t *testing.T) {
	l := New()
	var order []int
	l.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })
	l.AfterFunc(5*time.Millisecond, func() {
		order = append(order, 1)
	})
	l.AfterFunc(25*time.Millisecond, func() {
		order = append(order, 3)
		l.Quit()
	})
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestLoop_CancelTimer(t *testing.T) {
	l := New()
	ran := false
	h := l.AfterFunc(5*time.Millisecond, func() { ran = true })
	h.Cancel()
	l.AfterFunc(10*time.Millisecond, func() { l.Quit() })
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Fatal("canceled timer fired")
	}
}

func TestLoop_PastDeadlineFiresOnce(t *testing.T) {
	l := New()
	count := 0
	l.AfterFunc(-1*time.Second, func() {
		count++
		l.Quit()
	})
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestLoop_FDReadable(t *testing.T) {
	r, w, err := pipe(t)
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	l := New()
	var got []byte
	l.Watch(int(r.Fd()), func() error {
		buf := make([]byte, 16)
		n, _ := r.Read(buf)
		got = append(got, buf[:n]...)
		l.Quit()
		return nil
	})

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = w.Write([]byte("hi"))
	}()

	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q, want %q", got, "hi")
	}
}

func TestLoop_NoWorkReturnsImmediately(t *testing.T) {
	l := New()
	if err := l.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
