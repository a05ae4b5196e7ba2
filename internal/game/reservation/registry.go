// Package reservation issues single-use tokens that let an externally
// matched pair of clients claim the two seats of a prepared room.
package reservation

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cory-johannsen/arena/internal/game/rules"
)

// TokenBytes is the entropy of one token; tokens are hex encoded.
const TokenBytes = 16

// ErrUnknownReservation is returned for a token that was never issued or
// has already been redeemed or revoked.
var ErrUnknownReservation = errors.New("unknown reservation")

// Claim is what a redeemed token grants.
type Claim struct {
	RoomID string
	Seat   rules.Seat
	Name   string
}

// Registry maps outstanding tokens to seats.
//
// Invariant: a token appears at most once and is removed when redeemed.
type Registry struct {
	mu      sync.Mutex
	pending map[string]Claim
	rand    io.Reader
}

// NewRegistry returns an empty Registry drawing tokens from crypto/rand.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]Claim), rand: rand.Reader}
}

// Declare issues one token per seat of roomID.
//
// Precondition: roomID must be non-empty.
// Postcondition: tokens[i] claims rules.Seat(i) with display name names[i];
// neither collides with any outstanding token.
func (r *Registry) Declare(roomID string, names [rules.Seats]string) ([rules.Seats]string, error) {
	var tokens [rules.Seats]string
	if roomID == "" {
		return tokens, fmt.Errorf("declaring reservations: empty room id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range tokens {
		tok, err := r.freshToken()
		if err != nil {
			for _, issued := range tokens[:i] {
				delete(r.pending, issued)
			}
			return [rules.Seats]string{}, err
		}
		tokens[i] = tok
		r.pending[tok] = Claim{RoomID: roomID, Seat: rules.Seat(i), Name: names[i]}
	}
	return tokens, nil
}

// freshToken must be called with r.mu held.
func (r *Registry) freshToken() (string, error) {
	buf := make([]byte, TokenBytes)
	for {
		if _, err := io.ReadFull(r.rand, buf); err != nil {
			return "", fmt.Errorf("generating reservation token: %w", err)
		}
		tok := hex.EncodeToString(buf)
		if _, taken := r.pending[tok]; !taken {
			return tok, nil
		}
	}
}

// Redeem consumes token.
//
// Postcondition: on success the token is gone; a second Redeem of the same
// token returns ErrUnknownReservation.
func (r *Registry) Redeem(token string) (Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.pending[token]
	if !ok {
		return Claim{}, ErrUnknownReservation
	}
	delete(r.pending, token)
	return c, nil
}

// Revoke drops every outstanding token for roomID and returns how many.
func (r *Registry) Revoke(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for tok, c := range r.pending {
		if c.RoomID == roomID {
			delete(r.pending, tok)
			n++
		}
	}
	return n
}

// Pending returns the number of outstanding tokens.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
