package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// orderedService records start/stop order on a shared trail.
type orderedService struct {
	name  string
	trail *[]string
	mu    *sync.Mutex
	fail  bool
}

func (s *orderedService) Name() string { return s.name }

func (s *orderedService) Start(ctx context.Context) error {
	if s.fail {
		return errors.New("boom")
	}
	s.mu.Lock()
	*s.trail = append(*s.trail, "start:"+s.name)
	s.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (s *orderedService) Stop(context.Context) error {
	s.mu.Lock()
	*s.trail = append(*s.trail, "stop:"+s.name)
	s.mu.Unlock()
	return nil
}

func (s *orderedService) Health() error { return nil }

func TestSupervisorStartsInOrderStopsInReverse(t *testing.T) {
	var (
		trail []string
		mu    sync.Mutex
	)
	a := &orderedService{name: "a", trail: &trail, mu: &mu}
	b := &orderedService{name: "b", trail: &trail, mu: &mu}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSupervisor(a, b).Run(ctx) }()

	time.Sleep(250 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if len(trail) != len(want) {
		t.Fatalf("trail = %v", trail)
	}
	for i, step := range want {
		if trail[i] != step {
			t.Errorf("trail[%d] = %s, want %s", i, trail[i], step)
		}
	}
}

func TestSupervisorStopsStartedServicesOnFailure(t *testing.T) {
	var (
		trail []string
		mu    sync.Mutex
	)
	a := &orderedService{name: "a", trail: &trail, mu: &mu}
	bad := &orderedService{name: "bad", trail: &trail, mu: &mu, fail: true}

	err := NewSupervisor(a, bad).Run(context.Background())
	if err == nil {
		t.Fatal("Run should fail when a service fails to start")
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, step := range trail {
		if step == "stop:a" {
			found = true
		}
	}
	if !found {
		t.Errorf("already-started service was not stopped: trail = %v", trail)
	}
}

func TestServiceFuncHealth(t *testing.T) {
	svc := NewServiceFunc("probe",
		func(ctx context.Context) error { <-ctx.Done(); return nil },
		func(context.Context) error { return nil },
	).WithHealth(func() error { return errors.New("degraded") })

	if svc.Name() != "probe" {
		t.Errorf("Name() = %s", svc.Name())
	}
	if err := svc.Health(); err == nil {
		t.Error("custom health probe not used")
	}
}

func TestSupervisorHealthAggregates(t *testing.T) {
	healthy := NewServiceFunc("ok",
		func(ctx context.Context) error { <-ctx.Done(); return nil },
		func(context.Context) error { return nil })
	sick := NewServiceFunc("sick",
		func(ctx context.Context) error { <-ctx.Done(); return nil },
		func(context.Context) error { return nil }).
		WithHealth(func() error { return errors.New("down") })

	s := NewSupervisor(healthy, sick)
	if err := s.Health(); err == nil {
		t.Error("supervisor health must surface the unhealthy service")
	}
}
