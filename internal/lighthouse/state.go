package lighthouse

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/lighthouse/internal/cluster"
)

type participant struct {
	req      cluster.JoinRequest
	joinedAt time.Time
}

// round is one quorum formation attempt. done is closed exactly once, when
// the round is finalized (result set) or abandoned (result nil). Waiters read
// result only after done is closed.
type round struct {
	id           uint64
	participants map[string]participant
	startedAt    time.Time
	done         chan struct{}
	result       *cluster.QuorumAssignment
}

func newRound(id uint64) *round {
	return &round{
		id:           id,
		participants: make(map[string]participant),
		done:         make(chan struct{}),
	}
}

func (r *round) resolve(q *cluster.QuorumAssignment) {
	r.result = q
	close(r.done)
}

// state is the authoritative membership view. Every field is guarded by mu;
// the failure detector, the quorum former and RPC handlers all mutate it
// through the methods in this package, one at a time.
type state struct {
	mu sync.Mutex

	heartbeats map[string]time.Time
	failures   map[string]time.Time
	round      *round
	lastQuorum *cluster.QuorumAssignment
	// prevQuorum is the last finalized assignment. Unlike lastQuorum it
	// survives invalidation and bounds shrink-only rounds.
	prevQuorum *cluster.QuorumAssignment

	roundSeq uint64
	quorumID int64
}

func newState() *state {
	return &state{
		heartbeats: make(map[string]time.Time),
		failures:   make(map[string]time.Time),
		round:      newRound(1),
		roundSeq:   1,
	}
}

// heartbeat records a liveness signal, inserting unknown replicas.
func (s *state) heartbeat(replicaID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[replicaID] = now
}

// join upserts req into the current round. If the last finalized quorum
// already covers this replica at the requested step, that assignment is
// returned instead and the round is left untouched.
func (s *state) join(req cluster.JoinRequest, now time.Time) (*cluster.QuorumAssignment, *round) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeats[req.ReplicaID] = now

	if m, ok := s.lastQuorum.Member(req.ReplicaID); ok && m.Step == req.CurrentStep {
		return s.lastQuorum, nil
	}

	if len(s.round.participants) == 0 {
		s.round.startedAt = now
	}
	s.round.participants[req.ReplicaID] = participant{req: req, joinedAt: now}
	return nil, s.round
}

func (s *state) removeParticipantLocked(replicaID string) {
	delete(s.round.participants, replicaID)
	if len(s.round.participants) == 0 {
		s.round.startedAt = time.Time{}
	}
}

// resetRoundLocked abandons the current round, waking its waiters with no
// result, and invalidates the cached assignment.
func (s *state) resetRoundLocked() int {
	abandoned := s.round
	s.roundSeq++
	s.round = newRound(s.roundSeq)
	s.lastQuorum = nil
	abandoned.resolve(nil)
	return len(abandoned.participants)
}

func (s *state) finalizeRoundLocked(q *cluster.QuorumAssignment) {
	finished := s.round
	s.roundSeq++
	s.round = newRound(s.roundSeq)
	s.lastQuorum = q
	s.prevQuorum = q
	finished.resolve(q)
}

func (s *state) snapshot() cluster.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := cluster.StatusResponse{
		Heartbeats:   make(map[string]time.Time, len(s.heartbeats)),
		Failures:     make(map[string]time.Time, len(s.failures)),
		Participants: sortedKeys(s.round.participants),
		LastQuorum:   s.lastQuorum,
	}
	for id, t := range s.heartbeats {
		status.Heartbeats[id] = t
	}
	for id, t := range s.failures {
		status.Failures[id] = t
	}
	return status
}

func (s *state) counts() (heartbeats, participants, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heartbeats), len(s.round.participants), len(s.failures)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
