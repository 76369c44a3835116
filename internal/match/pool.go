// Package match holds waiting users and pairs them.
//
// The pool is the only holder of waiting-ticket state and serializes every
// mutating operation under one lock, which is what preserves the
// at-most-one-ticket invariant under concurrent arrivals and departures.
// Match callbacks fire outside the lock, after both tickets have already
// been removed, so no third party can pair with a half-removed ticket.
package match

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftchat/driftchat/internal/types"
)

// ErrAlreadyWaiting is returned when a connection that still holds a ticket
// asks to enqueue again.
var ErrAlreadyWaiting = errors.New("match: connection already has a waiting ticket")

const (
	// throughputWindow bounds how far back recent matches count toward the
	// wait-time estimate.
	throughputWindow = time.Minute

	// fallbackSecondsPerPair is the per-pair estimate used before the pool
	// has observed any matches.
	fallbackSecondsPerPair = 15

	// maxEstimateSeconds caps the advertised wait so a deep queue never
	// promises absurd numbers. The estimate is best effort either way.
	maxEstimateSeconds = 300
)

// Ticket is a connection's entry in the pool.
type Ticket struct {
	ConnID     int64
	ChatType   types.ChatType
	Interests  []string
	Gender     string
	Filter     string
	EnqueuedAt time.Time
}

// Pair is a successful match. Both tickets are already out of the pool when
// the handler sees it.
type Pair struct {
	A, B   *Ticket
	Shared []string // interests common to both, empty for FIFO-fallback pairs
}

// Status describes a waiter's place in the queue.
type Status struct {
	Position          int
	TotalWaiting      int
	EstimatedWaitSecs int
}

// Handler consumes pairs produced by the pool. It must not call back into
// the pool synchronously with work that can block.
type Handler func(Pair)

// Pool partitions waiting tickets by chat type and runs the pairing pass.
type Pool struct {
	mu         sync.Mutex
	waiting    map[types.ChatType][]*Ticket // enqueue order per type
	byConn     map[int64]*Ticket
	matchTimes []time.Time // recent match completions, pruned to throughputWindow

	onMatch Handler
	logger  zerolog.Logger
}

// New creates an empty pool. Pairs are delivered to handler.
func New(handler Handler, logger zerolog.Logger) *Pool {
	return &Pool{
		waiting: make(map[types.ChatType][]*Ticket),
		byConn:  make(map[int64]*Ticket),
		onMatch: handler,
		logger:  logger.With().Str("component", "match_pool").Logger(),
	}
}

// Enqueue files a ticket and immediately attempts pairing. A connection may
// hold at most one ticket; a second enqueue fails with ErrAlreadyWaiting and
// changes nothing.
func (p *Pool) Enqueue(t *Ticket) error {
	t.Interests = normalizeInterests(t.Interests)
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}

	p.mu.Lock()
	if _, exists := p.byConn[t.ConnID]; exists {
		p.mu.Unlock()
		return ErrAlreadyWaiting
	}
	p.byConn[t.ConnID] = t
	p.waiting[t.ChatType] = append(p.waiting[t.ChatType], t)
	pairs := p.collectLocked()
	depth := len(p.byConn)
	p.mu.Unlock()

	p.logger.Debug().
		Int64("conn_id", t.ConnID).
		Str("chat_type", string(t.ChatType)).
		Int("depth", depth).
		Msg("Ticket enqueued")

	p.fire(pairs)
	return nil
}

// Cancel removes a connection's ticket. Absent tickets are a silent no-op,
// which keeps disconnect racing against match benign. A pairing pass runs
// afterwards per contract; removal never invalidates other candidates.
func (p *Pool) Cancel(connID int64) {
	p.mu.Lock()
	t, exists := p.byConn[connID]
	if exists {
		delete(p.byConn, connID)
		p.removeFromOrderLocked(t)
	}
	var pairs []Pair
	if exists {
		pairs = p.collectLocked()
	}
	p.mu.Unlock()

	if exists {
		p.logger.Debug().Int64("conn_id", connID).Msg("Ticket canceled")
	}
	p.fire(pairs)
}

// TryMatch runs a pairing pass over the whole pool. The server calls this on
// a periodic timer to catch pairs enabled by anything the event-driven passes
// missed. Returns the number of pairs produced.
func (p *Pool) TryMatch() int {
	p.mu.Lock()
	pairs := p.collectLocked()
	p.mu.Unlock()

	p.fire(pairs)
	return len(pairs)
}

// Status reports queue position (1-based within the ticket's chat type) and
// a throughput-derived wait estimate. The boolean is false when the
// connection holds no ticket.
func (p *Pool) Status(connID int64) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, exists := p.byConn[connID]
	if !exists {
		return Status{}, false
	}

	list := p.waiting[t.ChatType]
	position := 0
	for i, other := range list {
		if other.ConnID == connID {
			position = i + 1
			break
		}
	}

	return Status{
		Position:          position,
		TotalWaiting:      len(list),
		EstimatedWaitSecs: p.estimateLocked(position),
	}, true
}

// Depth returns the total number of waiting tickets.
func (p *Pool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byConn)
}

// DepthByType returns waiting counts per chat type.
func (p *Pool) DepthByType() map[types.ChatType]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	counts := make(map[types.ChatType]int, len(p.waiting))
	for chatType, list := range p.waiting {
		counts[chatType] = len(list)
	}
	return counts
}

func (p *Pool) fire(pairs []Pair) {
	for _, pair := range pairs {
		p.logger.Info().
			Int64("conn_a", pair.A.ConnID).
			Int64("conn_b", pair.B.ConnID).
			Str("chat_type", string(pair.A.ChatType)).
			Int("shared_interests", len(pair.Shared)).
			Msg("Matched")
		if p.onMatch != nil {
			p.onMatch(pair)
		}
	}
}

// collectLocked runs the two-phase pairing algorithm over every chat type
// partition and removes matched tickets. Caller holds p.mu.
//
// Phase 1 scans waiters in enqueue order and pairs each with the remaining
// compatible waiter of highest interest overlap, earliest enqueue winning
// ties. Phase 2 pairs leftover compatible waiters oldest-two-first with no
// interest requirement. Preference filters are a hard constraint in both
// phases: excluded candidates are skipped, never penalized.
func (p *Pool) collectLocked() []Pair {
	var pairs []Pair
	now := time.Now()

	for chatType, list := range p.waiting {
		if len(list) < 2 {
			continue
		}

		matched := make(map[int64]bool)

		// Phase 1: greedy best-overlap.
		for i, a := range list {
			if matched[a.ConnID] {
				continue
			}
			bestIdx, bestScore := -1, 0
			for j := i + 1; j < len(list); j++ {
				b := list[j]
				if matched[b.ConnID] || !compatible(a, b) {
					continue
				}
				// Strict > keeps the earliest-enqueued candidate on ties.
				if score := overlapCount(a.Interests, b.Interests); score > bestScore {
					bestScore, bestIdx = score, j
				}
			}
			if bestIdx >= 0 {
				b := list[bestIdx]
				matched[a.ConnID], matched[b.ConnID] = true, true
				pairs = append(pairs, Pair{A: a, B: b, Shared: sharedInterests(a.Interests, b.Interests)})
			}
		}

		// Phase 2: FIFO fallback for waiters with no interest-based partner.
		for i, a := range list {
			if matched[a.ConnID] {
				continue
			}
			for j := i + 1; j < len(list); j++ {
				b := list[j]
				if matched[b.ConnID] || !compatible(a, b) {
					continue
				}
				matched[a.ConnID], matched[b.ConnID] = true, true
				pairs = append(pairs, Pair{A: a, B: b})
				break
			}
		}

		if len(matched) == 0 {
			continue
		}

		remaining := list[:0]
		for _, t := range list {
			if matched[t.ConnID] {
				delete(p.byConn, t.ConnID)
			} else {
				remaining = append(remaining, t)
			}
		}
		p.waiting[chatType] = remaining
	}

	for range pairs {
		p.matchTimes = append(p.matchTimes, now)
	}
	p.pruneMatchTimesLocked(now)
	return pairs
}

func (p *Pool) removeFromOrderLocked(t *Ticket) {
	list := p.waiting[t.ChatType]
	for i, other := range list {
		if other.ConnID == t.ConnID {
			p.waiting[t.ChatType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (p *Pool) pruneMatchTimesLocked(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	idx := 0
	for idx < len(p.matchTimes) && p.matchTimes[idx].Before(cutoff) {
		idx++
	}
	p.matchTimes = p.matchTimes[idx:]
}

// estimateLocked derives a wait estimate from queue position and recent
// match throughput. Best effort, never a guarantee.
func (p *Pool) estimateLocked(position int) int {
	pairsAhead := (position-1)/2 + 1

	recent := len(p.matchTimes)
	if recent == 0 {
		est := pairsAhead * fallbackSecondsPerPair
		if est > maxEstimateSeconds {
			return maxEstimateSeconds
		}
		return est
	}

	perPair := throughputWindow.Seconds() / float64(recent)
	est := int(perPair * float64(pairsAhead))
	if est < 1 {
		est = 1
	}
	if est > maxEstimateSeconds {
		est = maxEstimateSeconds
	}
	return est
}

// compatible applies the hard preference-filter constraint in both
// directions. A set filter excludes candidates whose declared attribute
// differs, including candidates who declared nothing.
func compatible(a, b *Ticket) bool {
	return a.ConnID != b.ConnID &&
		filterAccepts(a.Filter, b.Gender) &&
		filterAccepts(b.Filter, a.Gender)
}

func filterAccepts(filter, gender string) bool {
	return filter == "" || filter == gender
}

func overlapCount(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	count := 0
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			count++
		}
	}
	return count
}

func sharedInterests(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	var shared []string
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			shared = append(shared, tag)
		}
	}
	sort.Strings(shared)
	return shared
}

// normalizeInterests lowercases, trims, and deduplicates tags so "Music"
// and " music " match.
func normalizeInterests(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
