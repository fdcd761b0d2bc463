package sim

import "fmt"

// OpKind distinguishes the two operations LinearizabilityChecker tracks.
type OpKind int

const (
	OpSet OpKind = iota
	OpGet
)

// Operation is one client operation recorded against the simulated
// cluster, invoked at one virtual time and completed (or never
// completed) at another.
type Operation struct {
	Kind      OpKind
	Key       string
	Value     string
	InvokedAt int64
	OkAt      int64
	Failed    bool
	completed bool
}

// LinearizabilityChecker records a single client's call/return history
// and checks it against a naive single-register model: since pkg/fsm
// only exposes last-writer-wins keys (no read-modify-write), a history
// is linearizable here exactly when every successful Get at or after a
// Set's completion observes that Set's value or a later one, and never
// a value older than the last Set known complete before the Get began.
type LinearizabilityChecker struct {
	ops []*Operation
}

// NewLinearizabilityChecker returns an empty checker.
func NewLinearizabilityChecker() *LinearizabilityChecker {
	return &LinearizabilityChecker{}
}

// Invoke records the start of an operation and returns a handle to
// complete it.
func (lc *LinearizabilityChecker) Invoke(kind OpKind, key string, at int64) *Operation {
	op := &Operation{Kind: kind, Key: key, InvokedAt: at}
	lc.ops = append(lc.ops, op)
	return op
}

// Ok completes op successfully with the observed value, at virtual
// time at.
func (op *Operation) Ok(value string, at int64) {
	op.Value = value
	op.OkAt = at
	op.completed = true
}

// Fail marks op as never having completed (submitted to a node that
// was never leader, or lost its leadership before committing).
func (op *Operation) Fail() {
	op.Failed = true
}

// Check reports every read that observed a value inconsistent with
// last-writer-wins ordering over real (non-overlapping) completions.
func (lc *LinearizabilityChecker) Check() []string {
	var violations []string
	byKey := make(map[string][]*Operation)
	for _, op := range lc.ops {
		if op.Failed || !op.completed {
			continue
		}
		byKey[op.Key] = append(byKey[op.Key], op)
	}
	for key, ops := range byKey {
		for _, read := range ops {
			if read.Kind != OpGet {
				continue
			}
			var bestValue string
			var bestAt int64 = -1
			found := false
			for _, write := range ops {
				if write.Kind != OpSet || write.OkAt > read.InvokedAt {
					continue
				}
				if write.OkAt > bestAt {
					bestAt = write.OkAt
					bestValue = write.Value
					found = true
				}
			}
			if found && read.Value != bestValue {
				// The read may still legitimately observe a Set that
				// overlapped it in time (completed after the read began).
				concurrent := false
				for _, write := range ops {
					if write.Kind == OpSet && write.Value == read.Value && write.OkAt > read.InvokedAt && write.InvokedAt <= read.OkAt {
						concurrent = true
						break
					}
				}
				if !concurrent {
					violations = append(violations, fmt.Sprintf(
						"key %q: read %q at t=%d is inconsistent with last known write %q completed at t=%d",
						key, read.Value, read.OkAt, bestValue, bestAt))
				}
			}
		}
	}
	return violations
}
