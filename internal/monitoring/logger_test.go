package monitoring

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"testing"
)

func TestSetLogger(t *testing.T) {
	t.Cleanup(func() { SetLogger(log.Printf) })

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestDebugfHonoursVerbose(t *testing.T) {
	t.Cleanup(func() {
		SetLogger(log.Printf)
		SetVerbose(false)
	})

	var lines int
	SetLogger(func(string, ...interface{}) { lines++ })

	Debugf("quiet %d", 1)
	if lines != 0 {
		t.Fatalf("Debugf logged with verbose off")
	}

	SetVerbose(true)
	Debugf("loud %d", 2)
	if lines != 1 {
		t.Errorf("lines = %d, want 1", lines)
	}
}

// Swapping the logger while other goroutines log must be race free.
func TestSetLoggerWhileLogging(t *testing.T) {
	t.Cleanup(func() { SetLogger(log.Printf) })

	var calls atomic.Int64
	SetLogger(func(string, ...interface{}) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Logf("%s", fmt.Sprint(i, j))
			}
		}(i)
	}
	for j := 0; j < 100; j++ {
		SetLogger(func(string, ...interface{}) { calls.Add(1) })
	}
	wg.Wait()

	if got := calls.Load(); got != 400 {
		t.Errorf("calls = %d, want 400", got)
	}
}
