package invoice

import (
	"slices"
	"sort"
)

// =============================================================================
// Bill of Lading
// =============================================================================

// BillOfLading records, per host address, which services were dispatched
// successfully and which failed. A service is in at most one bucket per host;
// the latest outcome wins.
type BillOfLading struct {
	Successful map[string][]string
	Failures   map[string][]string
}

// NewBillOfLading creates an empty bill.
func NewBillOfLading() *BillOfLading {
	return &BillOfLading{
		Successful: make(map[string][]string),
		Failures:   make(map[string][]string),
	}
}

// Record stores the outcome of dispatching svc on host.
func (b *BillOfLading) Record(host, svc string, ok bool) {
	add, remove := b.Successful, b.Failures
	if !ok {
		add, remove = b.Failures, b.Successful
	}

	remove[host] = slices.DeleteFunc(remove[host], func(s string) bool { return s == svc })
	if len(remove[host]) == 0 {
		delete(remove, host)
	}
	if !slices.Contains(add[host], svc) {
		add[host] = append(add[host], svc)
	}
}

// Failed reports whether any host has a failure.
func (b *BillOfLading) Failed() bool {
	return len(b.Failures) > 0
}

// FailedOn returns the failed services for host.
func (b *BillOfLading) FailedOn(host string) []string {
	return slices.Clone(b.Failures[host])
}

// SucceededOn returns the successful services for host.
func (b *BillOfLading) SucceededOn(host string) []string {
	return slices.Clone(b.Successful[host])
}

// VerifyForExport reports whether svc may be exported from host: it must
// have been dispatched successfully and have no failure entry.
func (b *BillOfLading) VerifyForExport(host, svc string) bool {
	if slices.Contains(b.Failures[host], svc) {
		return false
	}
	return slices.Contains(b.Successful[host], svc)
}

// Hosts returns every host with a recorded outcome, sorted.
func (b *BillOfLading) Hosts() []string {
	seen := make(map[string]struct{}, len(b.Successful)+len(b.Failures))
	for h := range b.Successful {
		seen[h] = struct{}{}
	}
	for h := range b.Failures {
		seen[h] = struct{}{}
	}
	hosts := make([]string, 0, len(seen))
	for h := range seen {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
