package brain

import "context"

// slotPool is the per-job activation throttle. Acquire-marked phases take a
// token before executing; when the workflow declares a paired release phase
// the token is held across the acquire/release window, otherwise it returns
// as soon as the acquiring task finishes. The controller rejects more than a
// handful of concurrent network activations per venue, so tokens bound that
// window.
type slotPool struct {
	tokens chan struct{}

	// pairedRelease records whether any phase in the workflow returns slots.
	// Without one, holding tokens past the acquiring task would starve the
	// remaining units of the same phase.
	pairedRelease bool
}

func newSlotPool(size, alreadyHeld int, pairedRelease bool) *slotPool {
	if size <= 0 {
		size = 1
	}
	if alreadyHeld < 0 {
		alreadyHeld = 0
	}
	if alreadyHeld > size {
		alreadyHeld = size
	}
	p := &slotPool{tokens: make(chan struct{}, size), pairedRelease: pairedRelease}
	for i := 0; i < size-alreadyHeld; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

func (p *slotPool) acquire(ctx context.Context) error {
	select {
	case <-p.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release returns a token. Over-release is ignored so a resumed job that
// lost count cannot deadlock the pool.
func (p *slotPool) release() {
	select {
	case p.tokens <- struct{}{}:
	default:
	}
}
