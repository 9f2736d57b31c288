package watcher

// Roots returns a copy of the registered root -> context mapping.
func (w *Watcher) Roots() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.roots))
	for k, v := range w.roots {
		out[k] = v
	}
	return out
}

// Pending returns the number of changes waiting out the debounce interval.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deb.len()
}
