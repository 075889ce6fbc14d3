package keys

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

const walletKeyPrefix = "wallet/keys/"

// MemoryWallet keeps seeds in process memory.
type MemoryWallet struct {
	mu    sync.RWMutex
	seeds map[string][]byte
}

func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{seeds: make(map[string][]byte)}
}

func (w *MemoryWallet) Put(publicKey string, seed []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seeds[publicKey] = append([]byte(nil), seed...)
	return nil
}

func (w *MemoryWallet) Get(publicKey string) ([]byte, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	seed, ok := w.seeds[publicKey]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), seed...), nil
}

func (w *MemoryWallet) Close() error {
	return nil
}

// BadgerWallet persists seeds in a badger database.
type BadgerWallet struct {
	db *badger.DB
}

// OpenBadgerWallet opens (or creates) the wallet database in dir.
func OpenBadgerWallet(dir string) (*BadgerWallet, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet at %s: %w", dir, err)
	}
	slog.Debug("BadgerWallet opened", "dir", dir)
	return &BadgerWallet{db: db}, nil
}

// OpenMemoryBadgerWallet opens a badger wallet that is never written to disk.
func OpenMemoryBadgerWallet() (*BadgerWallet, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = badgerLogger{}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory wallet: %w", err)
	}
	return &BadgerWallet{db: db}, nil
}

func (w *BadgerWallet) Put(publicKey string, seed []byte) error {
	err := w.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(walletKeyPrefix+publicKey), seed)
	})
	if err != nil {
		slog.Error("BadgerWallet Put failed", "public_key", publicKey, "error", err)
		return fmt.Errorf("failed to store key %s: %w", publicKey, err)
	}
	return nil
}

func (w *BadgerWallet) Get(publicKey string) ([]byte, error) {
	var seed []byte
	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(walletKeyPrefix + publicKey))
		if err != nil {
			return err
		}
		seed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", publicKey, err)
	}
	return seed, nil
}

func (w *BadgerWallet) Close() error {
	return w.db.Close()
}

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
