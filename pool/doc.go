// Package pool lends a bounded set of initialized Reactors to concurrent
// callers.
//
// At most Capacity Reactors exist on loan at once. Borrow waits on a FIFO
// semaphore, so callers are served in arrival order and a cancelled context
// abandons the wait. Reactors are built lazily by the Factory and kept in an
// idle set between loans.
//
//	loan, err := p.Borrow(ctx)
//	if err != nil {
//	    return err
//	}
//	r, _ := loan.Reactor()
//	out, err := r.WithInputString(doc).WithFilter(".items[]").Run(ctx)
//	loan.Release(ctx, err)
//
// Every loan ends exactly once: Return re-idles the Reactor, Discard
// destroys it, and Release picks between the two with the pool's Policy.
// Pool.Do and Pool.Run wrap the whole cycle.
//
// Close is non-blocking. Idle Reactors are destroyed immediately and
// Reactors still on loan are destroyed as they come back.
package pool
