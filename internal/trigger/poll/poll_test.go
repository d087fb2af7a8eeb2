package poll

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/definitelycarter/fuschia/internal/runner"
	"github.com/definitelycarter/fuschia/pkg/fuschia"
)

func TestSourceFiresDueRegistrationOnTick(t *testing.T) {
	s := New(nil, 20*time.Millisecond)
	wf := &fuschia.LockedWorkflow{WorkflowID: "wf-poll", Nodes: []fuschia.Node{{NodeID: "t", Kind: fuschia.KindTrigger}}}
	if err := s.Register(Registration{CronExpr: "* * * * *", Workflow: wf, Payload: json.RawMessage(`{"tick":true}`)}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sender := make(chan runner.Job, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	// Force the registration due immediately for this test rather than
	// waiting up to a minute for the real cron schedule to elapse.
	s.mu.Lock()
	s.items[0].nextRun = time.Now().UTC().Add(-time.Second)
	s.mu.Unlock()

	go s.Start(ctx, sender)

	select {
	case job := <-sender:
		if job.Workflow.WorkflowID != "wf-poll" {
			t.Errorf("unexpected workflow: %s", job.Workflow.WorkflowID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for a fired job")
	}
}

func TestRegisterRejectsInvalidCronExpression(t *testing.T) {
	s := New(nil, time.Minute)
	wf := &fuschia.LockedWorkflow{WorkflowID: "wf-poll"}
	if err := s.Register(Registration{CronExpr: "not a cron expr", Workflow: wf}); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}
