package tracker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrUnknownCorrelation is returned when a C-STORE references a correlation
// id that is no longer pending, typically a retrieve that already timed out.
var ErrUnknownCorrelation = errors.New("no pending retrieve for correlation id")

const (
	// DefaultTimeout bounds how long a pending retrieve may go without
	// progress before it is abandoned.
	DefaultTimeout = 30 * time.Second

	sweepInterval = 10 * time.Second
)

// Instance is one received C-STORE payload with the identifiers and transfer
// syntax it arrived under.
type Instance struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
}

// pending is one in-flight C-MOVE retrieve awaiting out-of-band C-STOREs.
// An inbound store matches when the scope UIDs that are set here equal the
// store's; unset series/instance UIDs widen the scope.
type pending struct {
	studyUID    string
	seriesUID   string
	instanceUID string

	deadline time.Time
	datasets []Instance
	expected int  // completed sub-operations, -1 until the terminal response
	terminal bool // final C-MOVE response received
	resolved bool
	done     chan struct{}
}

func (p *pending) matches(studyUID, seriesUID, instanceUID string) bool {
	if p.studyUID != studyUID {
		return false
	}
	if p.seriesUID != "" && p.seriesUID != seriesUID {
		return false
	}
	if p.instanceUID != "" && p.instanceUID != instanceUID {
		return false
	}
	return true
}

// Handle is the SCU-side view of a pending retrieve. Its accessors are safe
// to call once Done closes.
type Handle struct {
	ID string
	p  *pending
}

// Done closes when the retrieve resolves, times out, or is cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.p.done
}

// Resolved reports whether the retrieve completed with every expected store
// recorded.
func (h *Handle) Resolved() bool {
	return h.p.resolved
}

// Instances returns the collected C-STORE payloads.
func (h *Handle) Instances() []Instance {
	return h.p.datasets
}

// Tracker correlates outbound C-MOVE requests with the C-STORE
// sub-operations that arrive on separate inbound associations. The SCU
// registers a UID scope before issuing the C-MOVE; the SCP validates each
// inbound store against the pending scopes and records its dataset. A
// retrieve resolves only when the terminal C-MOVE response has been seen and
// the recorded store count matches its completed sub-operation count.
type Tracker struct {
	mu    sync.Mutex
	moves map[string]*pending

	stop chan struct{}
	wg   sync.WaitGroup

	// PendingGauge, when set, is called with the pending count after every
	// change. Used to feed the metrics layer without importing it.
	PendingGauge func(n int)
}

// New creates a tracker and starts its background sweep.
func New() *Tracker {
	t := &Tracker{
		moves: make(map[string]*pending),
		stop:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Register creates a pending retrieve for a UID scope. Series and instance
// UIDs may be empty to authorize every store within the study. A zero
// timeout means DefaultTimeout.
func (t *Tracker) Register(studyUID, seriesUID, instanceUID string, timeout time.Duration) *Handle {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	id := uuid.NewString()
	p := &pending{
		studyUID:    studyUID,
		seriesUID:   seriesUID,
		instanceUID: instanceUID,
		deadline:    time.Now().Add(timeout),
		expected:    -1,
		done:        make(chan struct{}),
	}

	t.mu.Lock()
	t.moves[id] = p
	n := len(t.moves)
	t.mu.Unlock()
	t.gauge(n)

	log.Debug().
		Str("correlation_id", id).
		Str("study_uid", studyUID).
		Str("series_uid", seriesUID).
		Str("instance_uid", instanceUID).
		Msg("Registered pending retrieve")
	return &Handle{ID: id, p: p}
}

// Validate matches an inbound store's UIDs against the pending scopes.
// First match wins; callers with overlapping scopes must serialize their
// moves. Returns the correlation id to record against.
func (t *Tracker) Validate(studyUID, seriesUID, instanceUID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.moves {
		if p.matches(studyUID, seriesUID, instanceUID) {
			return id, true
		}
	}
	return "", false
}

// Record appends one stored instance to the pending retrieve.
func (t *Tracker) Record(id string, inst Instance) error {
	t.mu.Lock()
	p, ok := t.moves[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownCorrelation
	}
	p.datasets = append(p.datasets, inst)
	t.maybeResolveLocked(id, p)
	t.mu.Unlock()
	return nil
}

// Complete records the terminal C-MOVE response: expected is the completed
// sub-operation count reported by the PACS. The retrieve resolves once that
// many stores have been recorded.
func (t *Tracker) Complete(id string, expected int) error {
	t.mu.Lock()
	p, ok := t.moves[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownCorrelation
	}
	p.terminal = true
	p.expected = expected
	t.maybeResolveLocked(id, p)
	t.mu.Unlock()
	return nil
}

// Cancel abandons a pending retrieve, e.g. when the HTTP client went away.
func (t *Tracker) Cancel(id string) {
	t.mu.Lock()
	p, ok := t.moves[id]
	if ok {
		delete(t.moves, id)
		close(p.done)
	}
	n := len(t.moves)
	t.mu.Unlock()
	if ok {
		t.gauge(n)
		log.Debug().Str("correlation_id", id).Msg("Cancelled pending retrieve")
	}
}

// Pending returns the number of in-flight retrieves.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.moves)
}

// Close stops the sweep loop and fails all pending retrieves.
func (t *Tracker) Close() {
	close(t.stop)
	t.wg.Wait()

	t.mu.Lock()
	for id, p := range t.moves {
		delete(t.moves, id)
		close(p.done)
		log.Debug().Str("correlation_id", id).Msg("Dropped pending retrieve on shutdown")
	}
	t.mu.Unlock()
	t.gauge(0)
}

// maybeResolveLocked closes the done channel when both the terminal response
// has arrived and every reported sub-operation has been stored. Caller holds
// the mutex.
func (t *Tracker) maybeResolveLocked(id string, p *pending) {
	if !p.terminal || len(p.datasets) < p.expected {
		return
	}
	p.resolved = true
	delete(t.moves, id)
	close(p.done)
	t.gauge(len(t.moves))
	log.Debug().
		Str("correlation_id", id).
		Int("stored", len(p.datasets)).
		Int("expected", p.expected).
		Msg("Retrieve resolved")
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	var expired []string
	for id, p := range t.moves {
		if now.After(p.deadline) {
			expired = append(expired, id)
			delete(t.moves, id)
			close(p.done)
		}
	}
	n := len(t.moves)
	t.mu.Unlock()

	if len(expired) > 0 {
		t.gauge(n)
		for _, id := range expired {
			log.Warn().Str("correlation_id", id).Msg("Pending retrieve timed out")
		}
	}
}

func (t *Tracker) gauge(n int) {
	if t.PendingGauge != nil {
		t.PendingGauge(n)
	}
}
