package state

import "context"

// Storage is a string-keyed, string-valued slot store. Get reports ok=false
// for an absent key; that is not an error.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
}
