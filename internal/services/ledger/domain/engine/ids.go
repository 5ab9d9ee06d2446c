package engine

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/louisbranch/ledger/internal/services/ledger/domain/event"
)

// eventNamespace seeds deterministic event ids.
var eventNamespace = uuid.MustParse("6f1f4c7e-3a0b-5d4e-9c2a-8b7d1e0f2a31")

// EventID derives the id of the index-th event produced by a command. The
// same command always yields the same ids, so a resubmitted command that
// already committed is recognized as a duplicate instead of appended twice.
func EventID(stream event.StreamID, commandID string, index int) string {
	name := stream.String() + "\x00" + commandID + "\x00" + strconv.Itoa(index)
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}
