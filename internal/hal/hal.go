// Package hal wraps the two external hardware collaborators spec.md names
// but leaves out of scope: the delay/UI callback used while the PIN-retry
// backoff sleeps, and the secure RNG. It also carries the zeroization
// helper every package in this module uses to scrub key material.
//
// The shape is carried over from the teacher's hsm-integration.go: a single
// narrow interface standing in for an external security collaborator, with
// a small audit trail attached. There is no real HSM here — a wallet's
// storage core talks to the device it's embedded in, not a network HSM —
// so ImportKey/ExportKey/tamper-sensor polling are dropped; what's kept is
// the "one interface, one audit trail" shape, repointed at delay+RNG.
package hal

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"
)

// ProgressFunc is the UI callback storage.Core drives while it sleeps out
// the PIN-retry backoff (spec.md §4.5 storage_unlock step 2).
type ProgressFunc func(secondsRemaining, progressPermille uint32)

// Clock is the subset of Hardware the PIN lifecycle depends on: the
// secure RNG and the retry-backoff delay. storage.Core and pin.Lifecycle
// take this interface rather than *Hardware concretely, so a test
// exercising the sixteen-attempt retry budget can substitute a fake with
// an instant Sleep instead of waiting out a real exponential backoff.
type Clock interface {
	RandomBytes(buf []byte) error
	Sleep(total time.Duration, progress ProgressFunc)
}

var _ Clock = (*Hardware)(nil)

// AuditEntry records one hardware-adjacent security event (a fault-guard
// trip, a wipe, a PIN-retry backoff), mirroring the teacher's AuditEntry
// shape in hsm-integration.go.
type AuditEntry struct {
	When        time.Time
	EventType   string
	Description string
}

// Hardware is the narrow set of collaborators storage.Core requires from
// its environment, matching spec.md §1's "out of scope, consumed only
// through contracts" list for the HAL delay and UI callback.
type Hardware struct {
	logger   *slog.Logger
	auditLog []AuditEntry
}

// New creates a Hardware collaborator. A nil logger falls back to slog's
// default handler, the way this module's other ambient-logging call sites
// do.
func New(logger *slog.Logger) *Hardware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hardware{logger: logger}
}

// RandomBytes fills buf with cryptographically secure random bytes. It is
// the one point in the module that talks to crypto/rand directly so every
// caller goes through the same, easily audited call site.
func (h *Hardware) RandomBytes(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// Sleep blocks for the given duration in one-second time.Sleep steps, invoking progress once per
// second with the remaining whole seconds and a permille completion
// figure, and a final call at (0, 1000). It is not interruptible: spec.md
// §5 requires the PIN-retry sleep to complete before verification
// proceeds, so there is no context.Context here by design.
func (h *Hardware) Sleep(total time.Duration, progress ProgressFunc) {
	if total <= 0 {
		if progress != nil {
			progress(0, 1000)
		}
		return
	}

	const tick = time.Second
	deadline := time.Now().Add(total)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if progress != nil {
			secs := uint32((remaining + tick - 1) / tick)
			done := total - remaining
			permille := uint32(1000 * done / total)
			progress(secs, permille)
		}
		step := tick
		if remaining < step {
			step = remaining
		}
		time.Sleep(step)
	}
	if progress != nil {
		progress(0, 1000)
	}
}

// LogAudit appends a hardware-adjacent security event to the in-memory
// trail and emits it through the structured logger.
func (h *Hardware) LogAudit(eventType, description string) {
	h.auditLog = append(h.auditLog, AuditEntry{
		When:        time.Now(),
		EventType:   eventType,
		Description: description,
	})
	h.logger.Warn("hardware audit event", "type", eventType, "description", description)
}

// AuditLog returns a copy of the recorded audit trail.
func (h *Hardware) AuditLog() []AuditEntry {
	out := make([]AuditEntry, len(h.auditLog))
	copy(out, h.auditLog)
	return out
}

// Zeroize overwrites buf with zeros byte by byte so the compiler cannot
// elide the write as a dead store the way it could with a single `clear`
// or slice-to-zero-value assignment. Every function in this module that
// holds a PIN, a derived key, or a decrypted value in a local buffer must
// call this on every exit path, per spec.md §9.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	// A compiler barrier: touch the slice through a volatile-looking
	// indirection so -gcflags=-l-style inlining can't prove the loop
	// above is dead once the caller stops using buf.
	runtimeKeepAlive(buf)
}

//go:noinline
func runtimeKeepAlive(buf []byte) {
	if len(buf) > 0 {
		_ = buf[0]
	}
}

// String renders an audit entry for debugging/-summary output.
func (e AuditEntry) String() string {
	return fmt.Sprintf("%s [%s] %s", e.When.Format(time.RFC3339), e.EventType, e.Description)
}
