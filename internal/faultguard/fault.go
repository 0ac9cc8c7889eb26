// Package faultguard is the central fault-response handler spec.md §4.1
// requires: every security-sensitive check in this module — HMAC/PVC/tag
// mismatches, loop-completion mismatches, malformed PIN-log shapes,
// anomalous iteration — routes through here rather than returning an
// ordinary error.
//
// Grounded on the teacher's hsm-integration.go DetectTamper/LogAudit
// shape: one detector, one narrow response, one audit trail. Generalized
// from "one HSM" to "every caller in the module," and the response
// itself is spec-mandated rather than invented: first trip increments the
// PIN failure counter and halts; a trip that occurs while handling an
// earlier trip (fault during fault handling) wipes storage and halts.
// Both effects are carried out through the Collaborators the caller
// passes to Trip: a caller that passes an empty Collaborators gets the
// halt alone, with no counter increment and no wipe. Most call sites in
// this module (authenticator, pinlog, storage.Core.Get, HasPIN) pass an
// empty Collaborators; pin.Lifecycle's EDEK_PVC and VERSION checks supply
// IncrementFails, and its retry-counter advance check supplies WipeAll.
package faultguard

import (
	"crypto/subtle"
	"fmt"
	"math/rand"
	"time"
)

// Halted is the panic value Guard.Trip raises once a response has run.
// The storage core's public API boundary recovers it and turns it into
// the appropriate bool (see storage.Core, which always returns false
// after a fault regardless of which case of Halted it observes) — the
// caller is never meant to keep running past a fault, but a test harness
// needs something to recover rather than exiting the test binary.
type Halted struct {
	Reason  string
	Wiped   bool
	Reentry bool
}

func (h *Halted) Error() string {
	if h.Reentry {
		return fmt.Sprintf("fault guard: reentrant fault (%s), storage wiped, halted", h.Reason)
	}
	if h.Wiped {
		return fmt.Sprintf("fault guard: %s, storage wiped, halted", h.Reason)
	}
	return fmt.Sprintf("fault guard: %s, halted", h.Reason)
}

// Collaborators are the two effects a fault response can have. Both are
// optional for tests that only want to observe the Halted panic.
type Collaborators struct {
	// IncrementFails advances the PIN failure counter by one. Invoked
	// exactly once, on the first (non-reentrant) trip.
	IncrementFails func() error
	// WipeAll erases all flash storage. Invoked exactly once, on a
	// reentrant trip.
	WipeAll func() error
}

// Guard tracks whether a fault response is currently being handled, so a
// second fault detected during the first one's response is recognized as
// a reentrant attack rather than handled the same way twice.
//
// Guard is part of storage.Core's single-owner state and must not be
// shared across goroutines — see spec.md §5.
type Guard struct {
	inProgress bool
	audit      []string
}

// New returns a Guard with no fault currently in progress.
func New() *Guard {
	return &Guard{}
}

// Trip is the single entry point every detector in this module calls on
// an anomaly. It always panics with *Halted — there is no return path,
// matching spec.md's "increment counter, wipe, halt" response, which the
// original firmware realizes as an unconditional device halt.
func (g *Guard) Trip(reason string, c Collaborators) {
	g.audit = append(g.audit, reason)

	if g.inProgress {
		if c.WipeAll != nil {
			_ = c.WipeAll()
		}
		panic(&Halted{Reason: reason, Wiped: true, Reentry: true})
	}

	g.inProgress = true
	if c.IncrementFails != nil {
		_ = c.IncrementFails()
	}
	panic(&Halted{Reason: reason})
}

// AuditLog returns the reasons every trip recorded, oldest first.
func (g *Guard) AuditLog() []string {
	out := make([]string, len(g.audit))
	copy(out, g.audit)
	return out
}

// CheckLoopCount is the loop-completion check spec.md §4.1 requires after
// every security-sensitive loop: the loop's own tally of iterations must
// equal what the caller expected going in, or a fault-injection attack may
// have short-circuited the loop body.
func (g *Guard) CheckLoopCount(actual, expected int, reason string, c Collaborators) {
	if actual != expected {
		g.Trip(fmt.Sprintf("loop count mismatch (%s): got %d want %d", reason, actual, expected), c)
	}
}

// ConstantTimeEqual compares a and b without branching on where they
// first differ: it ORs together the XOR of every byte position (padding
// the shorter operand conceptually by failing the length check up front,
// itself a constant first comparison) and returns a single boolean,
// per spec.md §4.1 and §9. It deliberately does not delegate to
// crypto/subtle.ConstantTimeCompare, because spec.md requires the loop to
// run to completion and be checked afterward, which a single library call
// would hide from the fault-guard discipline above it.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	n := 0
	for i := range a {
		diff |= a[i] ^ b[i]
		n++
	}
	if n != len(a) {
		// Unreachable in a correct Go range loop; kept as the explicit
		// loop-completion check spec.md asks every sensitive loop to
		// carry, so a future refactor that breaks early trips it.
		return false
	}
	return subtle.ConstantTimeByteEq(diff, 0) == 1
}

// randSource is seeded once from a non-deterministic point at package
// init so WaitRandom's jitter isn't predictable across process restarts;
// it is not used for anything security-critical, only timing
// desynchronization, so math/rand is adequate here.
var randSource = rand.New(rand.NewSource(time.Now().UnixNano()))

// WaitRandom desyncs glitch timing around an early-exit predicate, per
// spec.md §4.1 ("every early-exit predicate is paired with a
// wait_random()"). The jitter window is deliberately small: this runs on
// every benign early return, not just faults, so it must not make normal
// operation noticeably slower.
func WaitRandom() {
	n := randSource.Intn(200)
	time.Sleep(time.Duration(n) * time.Microsecond)
}
