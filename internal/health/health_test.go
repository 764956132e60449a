package health

import (
	"context"
	"testing"
)

func TestRegistryCheckAll(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	healthy, statuses := reg.CheckAll(ctx)
	if !healthy || len(statuses) != 0 {
		t.Errorf("empty registry: healthy=%v statuses=%v", healthy, statuses)
	}

	reg.Register("up", func(ctx context.Context) Status {
		return Status{Name: "up", Healthy: true}
	})
	reg.Register("down", func(ctx context.Context) Status {
		return Status{Name: "down", Healthy: false, Detail: "boom"}
	})

	healthy, statuses = reg.CheckAll(ctx)
	if healthy {
		t.Error("one failing checker must degrade the aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("statuses = %v", statuses)
	}
	if statuses[0].Name != "up" || !statuses[0].Healthy {
		t.Errorf("first status = %+v", statuses[0])
	}
	if statuses[1].Name != "down" || statuses[1].Healthy || statuses[1].Detail != "boom" {
		t.Errorf("second status = %+v", statuses[1])
	}
}

func TestLoopChecker(t *testing.T) {
	running := false
	check := LoopChecker("retry_sweep", func() bool { return running })

	if st := check(context.Background()); st.Healthy {
		t.Error("stopped loop reported healthy")
	}

	running = true
	st := check(context.Background())
	if !st.Healthy || st.Name != "retry_sweep" {
		t.Errorf("status = %+v", st)
	}
}
