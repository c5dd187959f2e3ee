package client

import (
	"time"

	"github.com/unimarket/chat-server/internal/types"
)

// DeliveryStatus is the display status derived for a sent message.
type DeliveryStatus int

const (
	StatusNone DeliveryStatus = iota
	StatusDelivered
	StatusSeen
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusDelivered:
		return "Delivered"
	case StatusSeen:
		return "Seen"
	default:
		return ""
	}
}

// dateSeparatorGap is the silence after which consecutive messages get a
// date separator between them.
const dateSeparatorGap = 5 * time.Minute

// StatusFor derives the per-message display status over an ordered message
// list for the given sender. Only the most recent own message is annotated
// Delivered or Seen; older ones show nothing. This is a pure derivation and
// is recomputed whenever the list changes.
func StatusFor(msgs []types.Message, selfId int) []DeliveryStatus {
	statuses := make([]DeliveryStatus, len(msgs))

	last := -1
	for i := range msgs {
		if msgs[i].SenderId == selfId {
			last = i
		}
	}

	if last == -1 {
		return statuses
	}

	if msgs[last].SeenAt != nil {
		statuses[last] = StatusSeen
	} else {
		statuses[last] = StatusDelivered
	}

	return statuses
}

// NeedsDateSeparator reports whether a separator should be rendered between
// two consecutive messages: more than five minutes apart or on different
// calendar days. Computed over stored order, never over a re-sort.
func NeedsDateSeparator(prev, cur types.Message) bool {
	if cur.CreatedAt.Sub(prev.CreatedAt) > dateSeparatorGap {
		return true
	}

	py, pm, pd := prev.CreatedAt.Date()
	cy, cm, cd := cur.CreatedAt.Date()

	return py != cy || pm != cm || pd != cd
}
