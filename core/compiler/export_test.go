package compiler

// TrackedGenerations reports how many packages carry a build generation.
func (d *Driver) TrackedGenerations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.gens)
}
