package brain

import (
	"context"
	"testing"
	"time"

	"github.com/dwellfi/provision-brain/internal/domain"
)

func TestSlotPoolAcquireRelease(t *testing.T) {
	p := newSlotPool(2, 0, true)
	ctx := context.Background()

	if err := p.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := p.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.acquire(short); err == nil {
		t.Fatalf("empty pool should block until ctx expires")
	}

	p.release()
	if err := p.acquire(ctx); err != nil {
		t.Fatalf("released slot should be acquirable: %v", err)
	}
}

func TestSlotPoolOverReleaseIgnored(t *testing.T) {
	p := newSlotPool(1, 0, true)
	p.release()
	p.release()
	ctx := context.Background()
	if err := p.acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.acquire(short); err == nil {
		t.Fatalf("over-release must not mint extra tokens")
	}
}

func TestSlotPoolPreHeld(t *testing.T) {
	p := newSlotPool(2, 1, true)
	ctx := context.Background()
	if err := p.acquire(ctx); err != nil {
		t.Fatalf("one slot should remain: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.acquire(short); err == nil {
		t.Fatalf("pre-held slot should not be acquirable")
	}
}

func TestHeldSlotsReconstruction(t *testing.T) {
	job := &domain.JobV2{
		PhaseDefinitions: []domain.PhaseSnapshot{
			{ID: "activate", PerUnit: true, ActivationSlot: domain.SlotAcquire},
			{ID: "verify", PerUnit: true, ActivationSlot: domain.SlotRelease},
		},
		UnitMappings: map[string]*domain.UnitMapping{
			"u1": {UnitID: "u1", PhaseStatus: map[string]domain.PhaseStatus{
				"activate": domain.PhaseCompleted, "verify": domain.PhaseCompleted,
			}},
			"u2": {UnitID: "u2", PhaseStatus: map[string]domain.PhaseStatus{
				"activate": domain.PhaseCompleted,
			}},
			"u3": {UnitID: "u3", PhaseStatus: map[string]domain.PhaseStatus{}},
		},
	}
	if got := heldSlots(job); got != 1 {
		t.Fatalf("one activation is in the acquire/release window, got %d", got)
	}

	// Without a release phase nothing is held between tasks.
	job.PhaseDefinitions = job.PhaseDefinitions[:1]
	if got := heldSlots(job); got != 0 {
		t.Fatalf("acquire-only workflow holds nothing across tasks, got %d", got)
	}
}
