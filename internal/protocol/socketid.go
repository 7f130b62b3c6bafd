package protocol

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// socketIDBound is the upper bound (inclusive) for each half of
// a socket_id: "<int>.<int>", each in [1, 10^9].
var socketIDBound = big.NewInt(1_000_000_000)

// NewSocketID generates a fresh "<int>.<int>" socket id.
// It uses crypto/rand rather than math/rand so that socket ids are not
// predictable from process start time or otherwise leak internal
// counters to clients.
func NewSocketID() (string, error) {
	a, err := randPositiveInt()
	if err != nil {
		return "", err
	}
	b, err := randPositiveInt()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%d", a, b), nil
}

func randPositiveInt() (int64, error) {
	n, err := rand.Int(rand.Reader, socketIDBound)
	if err != nil {
		return 0, err
	}
	return n.Int64() + 1, nil
}
