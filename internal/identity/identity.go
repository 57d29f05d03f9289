// Package identity provides the fixed-length addresses shared by clients,
// vault nodes, and chunks, together with the XOR distance metric used to
// decide which node is closest to (and therefore responsible for) an address.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Size is the length of an identity in bytes.
const Size = sha256.Size

// ID is a 256-bit address in the vault network.
type ID [Size]byte

// Zero is the empty identity. It never names a real entity and is used as the
// "no previous version" marker for first writes.
var Zero ID

// FromContent returns the content address of data.
func FromContent(data []byte) ID {
	return sha256.Sum256(data)
}

// FromPublicKey derives a node or client identity from an ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) ID {
	return sha256.Sum256(pub)
}

// FromName derives the address of a named mutable entity.
func FromName(name string) ID {
	return sha256.Sum256([]byte("name:" + name))
}

// Random returns a uniformly random identity.
func Random() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("identity: read random: %v", err))
	}
	return id
}

// Parse decodes a hex-encoded identity.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse identity: %w", err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("parse identity: want %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for logs.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether id is the zero identity.
func (id ID) IsZero() bool {
	return id == Zero
}

// Verify reports whether data hashes to id.
func (id ID) Verify(data []byte) bool {
	return FromContent(data) == id
}

// MarshalText implements encoding.TextMarshaler so identities are hex in JSON
// and YAML.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = Zero
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Distance returns the XOR distance between id and other.
func (id ID) Distance(other ID) ID {
	var d ID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// CloserTo reports whether a is strictly closer to target than b.
func CloserTo(target, a, b ID) bool {
	da := target.Distance(a)
	db := target.Distance(b)
	return bytes.Compare(da[:], db[:]) < 0
}

// SortByDistance orders ids in place from closest to farthest from target.
func SortByDistance(target ID, ids []ID) {
	sort.SliceStable(ids, func(i, j int) bool {
		return CloserTo(target, ids[i], ids[j])
	})
}

// Closest returns up to n ids from candidates nearest to target, in order.
// The input slice is not modified.
func Closest(target ID, candidates []ID, n int) []ID {
	out := make([]ID, len(candidates))
	copy(out, candidates)
	SortByDistance(target, out)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Contains reports whether ids includes id.
func Contains(ids []ID, id ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// Remove returns ids without any occurrence of id. The input is not modified.
func Remove(ids []ID, id ID) []ID {
	out := make([]ID, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
