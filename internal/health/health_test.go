package health

import (
	"sync"
	"testing"
)

func TestEmptyMonitorIsHealthy(t *testing.T) {
	m := NewMonitor()
	if got := m.Overall(); got != Healthy {
		t.Fatalf("Overall() = %q, want %q", got, Healthy)
	}
	if p := m.Problems(); len(p) != 0 {
		t.Fatalf("Problems() = %v, want none", p)
	}
}

func TestOverallIsWorstStatus(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]Status
		want Status
	}{
		{"all healthy", map[string]Status{"video": Healthy, "encoder": Healthy}, Healthy},
		{"one fallback", map[string]Status{"video": Healthy, "encoder": Degraded}, Degraded},
		{"failed beats degraded", map[string]Status{"audio": Degraded, "video": Failed}, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor()
			for c, s := range tt.set {
				m.Set(c, s, "")
			}
			if got := m.Overall(); got != tt.want {
				t.Fatalf("Overall() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSetKeepsSinceWhileStatusHolds(t *testing.T) {
	m := NewMonitor()
	m.Set("encoder", Degraded, "first")
	first, _ := m.Get("encoder")
	m.Set("encoder", Degraded, "second")
	again, _ := m.Get("encoder")
	if !again.Since.Equal(first.Since) {
		t.Fatalf("Since moved from %v to %v without a status change", first.Since, again.Since)
	}
	if again.Reason != "second" {
		t.Fatalf("Reason = %q, want second", again.Reason)
	}
}

func TestProblemsSortedAndLogged(t *testing.T) {
	m := NewMonitor()
	m.Set("video", Healthy, "")
	m.Set("encoder", Degraded, "raw fallback")
	m.Set("audio", Degraded, "no loopback")

	p := m.Problems()
	if len(p) != 2 || p[0].Component != "audio" || p[1].Component != "encoder" {
		t.Fatalf("Problems() = %+v", p)
	}
	attrs := m.LogAttrs()
	want := []any{"health", "degraded", "health.audio", "degraded: no loopback", "health.encoder", "degraded: raw fallback"}
	if len(attrs) != len(want) {
		t.Fatalf("LogAttrs() = %v, want %v", attrs, want)
	}
	for i := range want {
		if attrs[i] != want[i] {
			t.Errorf("attrs[%d] = %v, want %v", i, attrs[i], want[i])
		}
	}
}

func TestConcurrentSet(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Set("video", Healthy, "")
			} else {
				m.Set("encoder", Degraded, "x")
			}
			_ = m.Overall()
		}(i)
	}
	wg.Wait()
	if got := m.Overall(); got != Degraded {
		t.Fatalf("Overall() = %q, want %q", got, Degraded)
	}
}
