package lighthouse

import (
	"time"

	"github.com/dreamware/lighthouse/internal/cluster"
)

// publishFunc hands a notification to the fan-out bus. It must not block and
// must not touch membership state.
type publishFunc func(cluster.FailureNotification) error

// detectResult summarizes one failure detector pass.
type detectResult struct {
	// Failed lists replicas newly declared failed this pass, in id order.
	Failed []string
	// Undelivered is the subset of Failed whose notification reached nobody.
	Undelivered []string
	// Recovered lists replicas removed from the failure set because they
	// heartbeat again.
	Recovered []string
	// Reset reports whether the participant set was cleared this pass.
	Reset bool
	// Abandoned is the number of participants dropped by the reset.
	Abandoned int
}

// detectFailures runs one failure detector pass at now.
//
// Every newly expired replica is published, recorded in the failure set and
// removed from heartbeats and participants, whether or not the publish
// reached a subscriber. A cached assignment listing the replica is dropped
// as well. Only a delivered notification counts as a detected
// failure for the purpose of resetting the round, and the reset happens at
// most once per pass no matter how many replicas failed.
func (s *state) detectFailures(now time.Time, timeout time.Duration, publish publishFunc) detectResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res detectResult
	detected := false

	for _, id := range sortedKeys(s.heartbeats) {
		lastSeen := s.heartbeats[id]
		_, alreadyFailed := s.failures[id]

		if now.Sub(lastSeen) <= timeout {
			if alreadyFailed {
				delete(s.failures, id)
				res.Recovered = append(res.Recovered, id)
				logger.Info("Replica recovered, failure detection re-armed", "replica_id", id)
			}
			continue
		}

		if alreadyFailed {
			continue
		}

		note := cluster.FailureNotification{ReplicaID: id, DetectedAt: now}
		err := publish(note)

		s.failures[id] = now
		delete(s.heartbeats, id)
		s.removeParticipantLocked(id)
		if _, ok := s.lastQuorum.Member(id); ok {
			s.lastQuorum = nil
		}
		res.Failed = append(res.Failed, id)

		if err != nil {
			res.Undelivered = append(res.Undelivered, id)
			logger.Error(err, "Failure notification not delivered",
				"replica_id", id, "last_seen", lastSeen, "age", now.Sub(lastSeen))
			continue
		}
		detected = true
		logger.Info("Replica failed heartbeat timeout",
			"replica_id", id, "last_seen", lastSeen, "timeout", timeout)
	}

	if detected {
		res.Reset = true
		res.Abandoned = s.resetRoundLocked()
		logger.Info("Reset quorum participants after failure",
			"failed", res.Failed, "abandoned_participants", res.Abandoned)
	}
	return res
}
