package models

// Status is the delivery state of a message from the sender's point of
// view. Transitions only move forward (sending→sent→delivered→read);
// the single backward edge is failed→sending on retry.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the forward progression. Failed sits outside the
// chain: it is only reachable from sending and may re-enter sending.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanTransition reports whether moving from cur to next respects the
// monotonic status machine. delivered/read never regress.
func CanTransition(cur, next Status) bool {
	if cur == next {
		return false
	}
	if next == StatusFailed {
		return cur == StatusSending
	}
	if cur == StatusFailed {
		return next == StatusSending
	}
	return statusRank[next] > statusRank[cur]
}

type Message struct {
	// CorrelationID is client-generated, assigned exactly once and
	// never reused. It is the sole dedup key across retries and
	// replayed listener events.
	CorrelationID string `json:"correlation_id"`
	// CanonicalID is server-assigned; empty until confirmed.
	CanonicalID    string `json:"canonical_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	// ClientTS is the local wall clock at send time (ns).
	ClientTS int64 `json:"client_ts"`
	// ServerTS is the authoritative timestamp; zero until confirmed.
	ServerTS int64  `json:"server_ts,omitempty"`
	Status   Status `json:"status"`
	// DeliveredTo and ReadBy are append-only: entries are added by each
	// recipient's own client, never removed.
	DeliveredTo map[string]int64 `json:"delivered_to,omitempty"`
	ReadBy      map[string]int64 `json:"read_by,omitempty"`

	// Retry bookkeeping, persisted so redrive state survives restarts.
	Attempts      int   `json:"attempts,omitempty"`
	LastAttemptTS int64 `json:"last_attempt_ts,omitempty"`
}

// Confirmed reports whether the message has been acknowledged by the
// remote store.
func (m *Message) Confirmed() bool { return m.CanonicalID != "" && m.ServerTS != 0 }

// MarkDelivered appends a delivered entry for user. Returns false if an
// entry already exists (append-only; first timestamp wins).
func (m *Message) MarkDelivered(userID string, ts int64) bool {
	if m.DeliveredTo == nil {
		m.DeliveredTo = map[string]int64{}
	}
	if _, ok := m.DeliveredTo[userID]; ok {
		return false
	}
	m.DeliveredTo[userID] = ts
	return true
}

// MarkRead appends a read entry for user. Returns false if an entry
// already exists.
func (m *Message) MarkRead(userID string, ts int64) bool {
	if m.ReadBy == nil {
		m.ReadBy = map[string]int64{}
	}
	if _, ok := m.ReadBy[userID]; ok {
		return false
	}
	m.ReadBy[userID] = ts
	return true
}

// AggregateStatus computes the sender-visible status over the
// per-recipient maps: delivered once any recipient has a delivered
// entry, read once every intended recipient has a read entry. It never
// lowers the stored status.
func (m *Message) AggregateStatus(participants []string) Status {
	st := m.Status
	if st == StatusSending || st == StatusFailed {
		return st
	}
	recipients := 0
	allRead := true
	for _, p := range participants {
		if p == m.SenderID {
			continue
		}
		recipients++
		if _, ok := m.ReadBy[p]; !ok {
			allRead = false
		}
	}
	if recipients > 0 && allRead {
		return StatusRead
	}
	if len(m.DeliveredTo) > 0 && statusRank[st] < statusRank[StatusDelivered] {
		return StatusDelivered
	}
	return st
}
