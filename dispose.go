package keyagg

// Dispose releases the backing storage immediately.
//
// It is only valid when no work on the table is outstanding; disposing
// while writers are in flight is a use-after-free of the slot arrays and is
// not detected. A second Dispose returns ErrDisposed.
func (t *Table[K, V]) Dispose() error {
	if !t.disposed.CompareAndSwap(false, true) {
		return opError(CodeDisposed, "Dispose")
	}
	s := t.storage
	switch t.strategy {
	case CallerOwned:
		// detach only
	default:
		s.release(t.strategy == Transient)
	}
	t.storage = nil
	t.keys, t.values, t.next, t.buckets = nil, nil, nil, nil
	t.logger.Debug("keyagg: table disposed", "strategy", t.strategy.String())
	return nil
}

// DisposeAfter defers Dispose until done is closed, which callers use to
// signal that every writer has finished. The returned channel is closed
// once the storage has been released, so it can in turn gate later work.
// A nil done disposes right away (on another goroutine).
func (t *Table[K, V]) DisposeAfter(done <-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		if done != nil {
			<-done
		}
		if err := t.Dispose(); err != nil {
			t.logger.Warn("keyagg: deferred dispose", "error", err)
		}
	}()
	return out
}

// Disposed reports whether the table has released its storage.
func (t *Table[K, V]) Disposed() bool {
	return t.disposed.Load()
}
