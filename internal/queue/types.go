package queue

import "time"

// Message is the Outbound Message: one text payload destined for one
// recipient on one instance. It is immutable once enqueued except for
// Attempts, which is bumped on every requeue.
type Message struct {
	MessageID string            `json:"message_id"`
	Instance  string            `json:"instance"`
	To        string            `json:"to"`
	Text      string            `json:"text"`
	QueuedAt  int64             `json:"queued_at"`
	Attempts  int               `json:"attempts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Entry pairs a decoded Message with the stream-assigned entry ID it
// arrived on, so a worker can ack/delete the exact delivery it processed.
// ParseErr is set when the raw payload could not be decoded into a
// Message; Raw then still carries the undecoded bytes for the
// dead-letter record.
type Entry struct {
	ID       string
	Message  Message
	Raw      []byte
	ParseErr error
}

// GroupName is the sole consumer group used on every instance stream.
const GroupName = "wa_workers"

func streamKey(instance string) string { return "wa:" + instance + ":stream" }
func dlqKey(instance string) string    { return "wa:" + instance + ":dlq" }

// DeadLetterEntry carries the same payload shape as Entry with the reason
// it was retired from the live stream.
type DeadLetterEntry struct {
	Message    Message   `json:"message"`
	FinalError string    `json:"final_error"`
	MovedAt    time.Time `json:"moved_at"`
}
