package dispatch

import "sync"

// dailyQuota serializes daily-limit checks across the workers of this
// process. A reservation is held from the check until the send has been
// added to the daily stat, so workers of concurrent jobs sharing a channel
// cannot pass the check on the same stale count. Replicas do not share
// reservations and may still overshoot by one send each.
type dailyQuota struct {
	mu       sync.Mutex
	inflight map[string]int
}

func newDailyQuota() *dailyQuota {
	return &dailyQuota{inflight: make(map[string]int)}
}

// reserve reads the stored count through read and takes a slot when the
// count plus the outstanding reservations stays below limit.
func (q *dailyQuota) reserve(channelID string, limit int, read func() (int, error)) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sent, err := read()
	if err != nil {
		return false, err
	}
	if sent+q.inflight[channelID] >= limit {
		return false, nil
	}
	q.inflight[channelID]++
	return true, nil
}

func (q *dailyQuota) release(channelID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight[channelID] <= 1 {
		delete(q.inflight, channelID)
		return
	}
	q.inflight[channelID]--
}
