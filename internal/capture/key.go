package capture

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Key correlates the request and response snapshots of one exchange. Epoch is
// the Unix time in seconds at request start; Seq disambiguates exchanges that
// started within the same second.
type Key struct {
	Epoch int64
	Seq   int
}

// String renders the key as used in file names: "1718000000" for the first
// exchange of a second and "1718000000_1", "1718000000_2", ... afterwards.
func (k Key) String() string {
	if k.Seq == 0 {
		return strconv.FormatInt(k.Epoch, 10)
	}
	return fmt.Sprintf("%d_%d", k.Epoch, k.Seq)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	epochPart, seqPart, hasSeq := strings.Cut(s, "_")
	epoch, err := strconv.ParseInt(epochPart, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("parse key %q: %w", s, err)
	}
	k := Key{Epoch: epoch}
	if hasSeq {
		seq, err := strconv.Atoi(seqPart)
		if err != nil || seq <= 0 {
			return Key{}, fmt.Errorf("parse key %q: bad sequence", s)
		}
		k.Seq = seq
	}
	return k, nil
}

// Less orders keys chronologically.
func (k Key) Less(o Key) bool {
	if k.Epoch != o.Epoch {
		return k.Epoch < o.Epoch
	}
	return k.Seq < o.Seq
}

// Keyer hands out correlation keys, unique within the process. Keys never go
// backwards: a clock reading older than the last issued epoch is folded into
// that epoch.
type Keyer struct {
	mu    sync.Mutex
	now   func() time.Time
	epoch int64
	next  int
}

// NewKeyer returns a Keyer reading the wall clock.
func NewKeyer() *Keyer {
	return &Keyer{now: time.Now}
}

// Next returns the key for an exchange starting now.
func (k *Keyer) Next() Key {
	k.mu.Lock()
	defer k.mu.Unlock()

	if epoch := k.now().Unix(); epoch > k.epoch {
		k.epoch = epoch
		k.next = 0
	}
	key := Key{Epoch: k.epoch, Seq: k.next}
	k.next++
	return key
}

// Resume makes every later key sort after last.
func (k *Keyer) Resume(last Key) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if last.Epoch > k.epoch || (last.Epoch == k.epoch && last.Seq >= k.next) {
		k.epoch = last.Epoch
		k.next = last.Seq + 1
	}
}
