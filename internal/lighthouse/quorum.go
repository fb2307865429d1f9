package lighthouse

import (
	"time"

	"github.com/dreamware/lighthouse/internal/cluster"
)

// quorumReady decides whether the candidates of a round started at
// startedAt may finalize. The reason is for logs.
//
// A round needs at least max(minReplicas, every declared target minimum)
// candidates. Past that floor it finalizes as soon as every candidate
// agrees on a positive target world size and that many have joined, or once
// joinTimeout has elapsed since the round's first join.
func quorumReady(candidates map[string]participant, startedAt, now time.Time, minReplicas int, joinTimeout time.Duration) (bool, string) {
	n := len(candidates)
	if n == 0 {
		return false, "no participants"
	}

	floor := max(minReplicas, 1)
	target := -1
	agree := true
	for _, p := range candidates {
		floor = max(floor, p.req.TargetMinWorldSize)
		switch {
		case target == -1:
			target = p.req.TargetWorldSize
		case target != p.req.TargetWorldSize:
			agree = false
		}
	}

	if n < floor {
		return false, "below minimum"
	}
	if agree && target > 0 && n >= target {
		return true, "target world size reached"
	}
	if now.Sub(startedAt) >= joinTimeout {
		return true, "join timeout elapsed"
	}
	return false, "waiting for joiners"
}

// formQuorum runs one quorum former pass at now. On success the assignment
// is cached, the round's waiters are woken and an empty round begins.
func (s *state) formQuorum(now time.Time, minReplicas int, joinTimeout time.Duration) *cluster.QuorumAssignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.candidatesLocked()
	ready, reason := quorumReady(candidates, s.round.startedAt, now, minReplicas, joinTimeout)
	if !ready {
		return nil
	}

	ids := sortedKeys(candidates)
	members := make([]cluster.QuorumMember, 0, len(ids))
	var step int64
	for rank, id := range ids {
		p := candidates[id]
		members = append(members, cluster.QuorumMember{
			ReplicaID: id,
			Address:   p.req.Address,
			Rank:      rank,
			Step:      p.req.CurrentStep,
			Data:      p.req.Data,
		})
		step = max(step, p.req.CurrentStep)
	}

	s.quorumID++
	q := &cluster.QuorumAssignment{
		QuorumID:  s.quorumID,
		Step:      step,
		CreatedAt: now,
		Members:   members,
	}
	roundID := s.round.id
	excluded := len(s.round.participants) - len(candidates)
	s.finalizeRoundLocked(q)

	logger.Info("Quorum formed",
		"quorum_id", q.QuorumID, "round", roundID, "step", q.Step,
		"members", ids, "excluded", excluded, "reason", reason)
	return q
}

// candidatesLocked returns the participants eligible for the current round.
// When any participant asks for a shrink-only round, only members of the
// previous quorum qualify; the others are left out and answered Pending.
func (s *state) candidatesLocked() map[string]participant {
	if s.prevQuorum == nil {
		return s.round.participants
	}
	shrink := false
	for _, p := range s.round.participants {
		if p.req.ShrinkOnly {
			shrink = true
			break
		}
	}
	if !shrink {
		return s.round.participants
	}
	out := make(map[string]participant, len(s.round.participants))
	for id, p := range s.round.participants {
		if _, ok := s.prevQuorum.Member(id); ok {
			out[id] = p
		}
	}
	return out
}
