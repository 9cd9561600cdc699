package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"valyra/storage"
)

// Manager persists engine records and account balances in a key-value
// database using RLP encoding. Keys are keccak digests of a readable
// namespace so backends never see unbounded key shapes.
type Manager struct {
	db storage.Database

	// mu serialises read-modify-write sequences (counters, transfers).
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	escrowPrefix      = []byte("escrow/record/")
	disputePrefix     = []byte("escrow/dispute/")
	holdPrefix        = []byte("escrow/hold/")
	offerPrefix       = []byte("escrow/offer/")
	reservationPrefix = []byte("escrow/listing/")
	counterPrefix     = []byte("escrow/counter/")
	accountPrefix     = []byte("account/")
	governanceKey     = ethcrypto.Keccak256([]byte("escrow/governance"))
)

func idKey(prefix []byte, id uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], id)
	return ethcrypto.Keccak256(buf)
}

func bytesKey(prefix, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

// KVPut RLP-encodes value under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	return m.db.Put(key, encoded)
}

// KVGet decodes the value stored under key into out. It reports false when
// the key is absent.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode: %w", err)
	}
	return true, nil
}

// NextID increments and returns the named counter. The first value is 1.
func (m *Manager) NextID(counter string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := bytesKey(counterPrefix, []byte(counter))
	var current uint64
	if _, err := m.KVGet(key, &current); err != nil {
		return 0, err
	}
	current++
	if err := m.KVPut(key, current); err != nil {
		return 0, err
	}
	return current, nil
}
