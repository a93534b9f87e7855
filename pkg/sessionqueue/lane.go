// Package sessionqueue serializes per-session work into at-most-one active
// Run Dispatch at a time, debouncing bursts of rapidly arriving messages
// into a single coalesced run (§4.B). It generalizes the teacher's
// hard-coded single-chain idle→running loop into a registry of per-queue-key
// lane state machines, mirrored to the queue_lanes/queue_messages tables the
// way pkg/queue/orphan.go mirrors AlertSession state for crash recovery.
package sessionqueue

import (
	"strconv"
	"sync"
	"time"

	"github.com/relaykit/orchestra/pkg/models"
)

// Message is one inbound unit of text to fold into a lane's next run.
type Message struct {
	WorkItemID      string
	Text            string
	SenderName      string
	ArrivedAt       time.Time
	ResponseContext []byte
}

// EnqueueReceipt reports what happened to an enqueue call (§4.B contract:
// enqueue never blocks and never rejects — it always returns a receipt).
type EnqueueReceipt string

const (
	ReceiptDebouncing EnqueueReceipt = "debouncing"
	ReceiptQueued     EnqueueReceipt = "queued" // appended to pendingQueue while running
	ReceiptDropped    EnqueueReceipt = "dropped" // maxQueued exceeded
	ReceiptPaused     EnqueueReceipt = "paused"  // lane is operator-paused; buffered but inert
)

// lane is the in-memory half of one queue_lanes row. All mutation happens
// with mu held. mu is released before the debounce flush writes its
// dispatch, but Enqueue holds it across the queue_lanes write of the
// idle-to-debouncing transition.
type lane struct {
	mu sync.Mutex

	queueKey   string
	sessionKey string
	agentID    string

	state  models.QueueLaneState
	mode   models.QueueLaneMode
	paused bool

	debounceMS int
	maxQueued  int

	buffer       []Message // debounce buffer, cleared on flush
	pendingQueue []Message // messages arriving while running, mode=collect

	activeDispatchID string
	timer            *time.Timer
}

func newLane(queueKey, sessionKey, agentID string, debounceMS, maxQueued int) *lane {
	return &lane{
		queueKey:   queueKey,
		sessionKey: sessionKey,
		agentID:    agentID,
		state:      models.LaneIdle,
		mode:       models.ModeCollect,
		debounceMS: debounceMS,
		maxQueued:  maxQueued,
	}
}

// coalesce implements §4.B's text-joining rule: a single message passes
// through unchanged; multiple messages get a header line and one
// "[HH:MM:SS - sender] text" line each, in arrival order. The returned
// responseContext is that of the last included message.
func coalesce(msgs []Message) (text string, responseContext []byte) {
	if len(msgs) == 0 {
		return "", nil
	}
	if len(msgs) == 1 {
		return msgs[0].Text, msgs[0].ResponseContext
	}

	out := "[" + strconv.Itoa(len(msgs)) + " messages arrived while you were working]\n"
	for i, m := range msgs {
		if i > 0 {
			out += "\n"
		}
		sender := m.SenderName
		if sender == "" {
			sender = "unknown"
		}
		out += "[" + m.ArrivedAt.Format("15:04:05") + " - " + sender + "] " + m.Text
	}
	return out, msgs[len(msgs)-1].ResponseContext
}
