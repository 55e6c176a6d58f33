package lottery

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var ErrEmptySnapshot = errors.New("snapshot has no weight")

// Entry is one participant's weight at snapshot time.
type Entry struct {
	Address common.Address `json:"address"`
	Weight  *uint256.Int   `json:"weight"`
}

// Selection is the outcome of SelectWinner.
type Selection struct {
	Winner        common.Address
	WinningNumber *uint256.Int
	TotalWeight   *uint256.Int
	// Fallback is set when no participant was selected by the cumulative
	// walk and the first entry was used instead. It indicates a bug in
	// weight accounting.
	Fallback bool
}

// SelectWinner computes winningNumber = seed mod totalWeight and walks the
// snapshot in order, returning the first participant whose cumulative weight
// exceeds it. The result depends on entry order.
func SelectWinner(seed *uint256.Int, snapshot []Entry) (Selection, error) {
	total := new(uint256.Int)
	for _, e := range snapshot {
		if e.Weight != nil {
			total.Add(total, e.Weight)
		}
	}
	if total.IsZero() {
		return Selection{}, ErrEmptySnapshot
	}
	if seed == nil {
		seed = new(uint256.Int)
	}
	winning := new(uint256.Int).Mod(seed, total)

	running := new(uint256.Int)
	for _, e := range snapshot {
		if e.Weight == nil {
			continue
		}
		running.Add(running, e.Weight)
		if running.Gt(winning) {
			return Selection{Winner: e.Address, WinningNumber: winning, TotalWeight: total}, nil
		}
	}
	return Selection{Winner: snapshot[0].Address, WinningNumber: winning, TotalWeight: total, Fallback: true}, nil
}

// Digest commits to the ordered snapshot.
func Digest(snapshot []Entry) common.Hash {
	buf := make([]byte, 0, len(snapshot)*(common.AddressLength+32))
	for _, e := range snapshot {
		buf = append(buf, e.Address.Bytes()...)
		w := e.Weight
		if w == nil {
			w = new(uint256.Int)
		}
		word := w.Bytes32()
		buf = append(buf, word[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

// DrawRecord is the immutable history entry for a completed draw.
type DrawRecord struct {
	ID               uint64
	RequestID        string
	RequestedAt      time.Time
	CompletedAt      time.Time
	Winner           common.Address
	Prize            *uint256.Int
	Gross            *uint256.Int
	DevFee           *uint256.Int
	CarryFee         *uint256.Int
	BurnFee          *uint256.Int
	ParticipantCount int
	TotalWeight      *uint256.Int
	Seed             *uint256.Int
	WinningNumber    *uint256.Int
	SnapshotDigest   common.Hash
	Snapshot         []Entry
	Fallback         bool
	Completed        bool
}

// Verify recomputes the winner from the stored seed and snapshot.
func (d DrawRecord) Verify() (Selection, bool, error) {
	if Digest(d.Snapshot) != d.SnapshotDigest {
		return Selection{}, false, errors.New("snapshot digest mismatch")
	}
	sel, err := SelectWinner(d.Seed, d.Snapshot)
	if err != nil {
		return Selection{}, false, err
	}
	return sel, sel.Winner == d.Winner && sel.WinningNumber.Eq(d.WinningNumber), nil
}
