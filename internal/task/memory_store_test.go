package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"CoSign-Agent/internal/conversation"
	"CoSign-Agent/internal/dispatch"
	xerrors "CoSign-Agent/internal/errors"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	jobs := []*Job{
		{ID: "j1", EventID: "e1", Operation: dispatch.OpSign},
		{ID: "j2", EventID: "e2", Operation: dispatch.OpSign},
		{ID: "j3", EventID: "e3", Operation: dispatch.OpConfirm},
	}
	for _, job := range jobs {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create job %s: %v", job.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "j2", xerrors.CodeSubmissionRejected, "GS026"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j3", conversation.Outcome{Kind: conversation.ActionCompleted}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.jobs["j1"].UpdatedAt = base.Unix()
	store.jobs["j2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.jobs["j3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 || all[0].ID != "j3" {
		t.Fatalf("expected newest job first, got %+v", all)
	}

	failed, err := store.List(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "j2" || failed[0].ErrorCode != string(xerrors.CodeSubmissionRejected) {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	byEvent, err := store.List(ctx, BuildListOptions(WithEventID("e1")))
	if err != nil {
		t.Fatalf("list by event: %v", err)
	}
	if len(byEvent) != 1 || byEvent[0].ID != "j1" {
		t.Fatalf("unexpected event list: %+v", byEvent)
	}

	recent, err := store.List(ctx, BuildListOptions(WithUpdatedSince(base.Add(15*time.Second)), WithSortOrder(SortByUpdatedAsc)))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "j2" {
		t.Fatalf("unexpected recent list: %+v", recent)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Job{ID: id, EventID: "evt-" + id, Operation: dispatch.OpSign}); err != nil {
			t.Fatalf("create job %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "b", xerrors.CodeNetworkError, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Running != 1 || stats.Failed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	failedOnly, err := store.Stats(ctx, BuildListOptions(WithStatuses(StatusFailed)))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "j", EventID: "e", Operation: dispatch.OpConfirm}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "k", EventID: "e", Operation: dispatch.OpConfirm}); !IsJobError(err, CodeJobConflict) {
		t.Fatalf("expected conflict for second active job, got %v", err)
	}
	if _, err := store.Claim(ctx, "j"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Claim(ctx, "j"); !IsJobError(err, CodeJobConflict) {
		t.Fatalf("expected conflict on running job, got %v", err)
	}
	if err := store.MarkSucceeded(ctx, "j", conversation.Outcome{Kind: conversation.ActionCompleted}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "j"); !IsJobError(err, CodeJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if _, err := store.Claim(ctx, "missing"); !IsJobError(err, CodeJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Create(ctx, &Job{ID: "k", EventID: "e", Operation: dispatch.OpConfirm}); err != nil {
		t.Fatalf("event should accept a new job once the previous one finished: %v", err)
	}
}

func TestMemoryStorePrunesFinishedJobs(t *testing.T) {
	store := NewMemoryStore()
	store.retention = 4
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("j%d", i)
		if err := store.Create(ctx, &Job{ID: id, EventID: id, Operation: dispatch.OpSign}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if i < 8 {
			if err := store.MarkFailed(ctx, id, xerrors.CodeUserRejected, "declined"); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
		}
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	if len(store.jobs) != 4 {
		t.Fatalf("expected 4 retained jobs, got %d", len(store.jobs))
	}
	for _, id := range []string{"j8", "j9"} {
		if _, ok := store.jobs[id]; !ok {
			t.Fatalf("active job %s must not be pruned", id)
		}
	}
}
