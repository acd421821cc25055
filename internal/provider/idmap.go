package provider

import (
	"fmt"
	"sync"
)

// IDTranslator maintains a per-session bidirectional map between vendor
// tool-call ids (toolu_*, call_*, vendor-free Google names) and stable
// internal ids. History replayed to a different vendor gets that vendor's id
// shape back, so paired tool_use/tool_result blocks stay consistent.
type IDTranslator struct {
	mu       sync.Mutex
	toLocal  map[string]string
	toVendor map[string]string
	next     int
}

// NewIDTranslator creates an empty translator. One instance per session.
func NewIDTranslator() *IDTranslator {
	return &IDTranslator{
		toLocal:  make(map[string]string),
		toVendor: make(map[string]string),
	}
}

// Localize maps a vendor tool-call id to a stable internal id, minting one on
// first sight. Vendor ids that collide across providers stay distinct because
// each mapping is recorded verbatim.
func (t *IDTranslator) Localize(vendorID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if local, ok := t.toLocal[vendorID]; ok {
		return local
	}
	t.next++
	local := fmt.Sprintf("tc_%04d", t.next)
	t.toLocal[vendorID] = local
	t.toVendor[local] = vendorID
	return local
}

// Vendorize maps an internal id back to the vendor id it was minted from.
// Unknown ids pass through unchanged, which covers history replayed to a
// vendor that never saw them: vendors accept foreign id strings as long as
// call/result pairs match.
func (t *IDTranslator) Vendorize(localID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if vendor, ok := t.toVendor[localID]; ok {
		return vendor
	}
	return localID
}

// Len reports how many mappings exist, for tests.
func (t *IDTranslator) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.toLocal)
}
