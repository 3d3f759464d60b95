package remote

import "context"

// Offline is a Store with no transport behind it. Every operation
// reports a transient network failure, so sends stay queued locally and
// drain whenever a real remote replaces it (or never, for tooling that
// runs purely local).
type Offline struct{}

func (Offline) Put(context.Context, string, string, string, string) (Ack, error) {
	return Ack{}, ErrNetwork
}

func (Offline) Subscribe(context.Context, string, int64) (Subscription, error) {
	return nil, ErrNetwork
}

func (Offline) Acknowledge(context.Context, string, string, string, ReceiptKind, int64) error {
	return ErrNetwork
}
