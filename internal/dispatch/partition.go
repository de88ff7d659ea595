package dispatch

import (
	"github.com/lalithlochan/herald/internal/db"
)

// Partition splits recipients across channels. Each recipient lands on
// exactly one channel and keeps its relative order within that channel.
//
// round_robin deals recipients in turn. affinity keeps a recipient on its
// AssignedChannel when that channel is part of the job and deals the rest
// round-robin.
func Partition(recipients []*db.Recipient, channelIDs []string, strategy string) map[string][]*db.Recipient {
	out := make(map[string][]*db.Recipient, len(channelIDs))
	if len(channelIDs) == 0 {
		return out
	}

	member := make(map[string]bool, len(channelIDs))
	for _, id := range channelIDs {
		member[id] = true
	}

	next := 0
	for _, r := range recipients {
		if strategy == db.PartitionAffinity && member[r.AssignedChannel] {
			out[r.AssignedChannel] = append(out[r.AssignedChannel], r)
			continue
		}
		id := channelIDs[next%len(channelIDs)]
		next++
		out[id] = append(out[id], r)
	}
	return out
}
