// Package store persists the share chain in an embedded LevelDB database.
//
// The chain is an append-only sequence of share entries anchored at a
// per-network genesis entry. Exactly one component (the node actor) writes
// to the store; readers may query it concurrently.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/hydrapool/hydrad/internal/bitcoin"
	"github.com/hydrapool/hydrad/pkg/errors"
)

const (
	metaTipKey     = "meta:tip"
	metaGenesisKey = "meta:genesis"
	sharePrefix    = "share:"
)

// syncWrites forces an fsync on every chain mutation. Losing accepted
// shares on crash would silently shortchange miners, so durability wins
// over write throughput here.
var syncWrites = &opt.WriteOptions{Sync: true}

// shareKey encodes a chain height as a fixed-width key so lexicographic
// iteration order matches chain order.
func shareKey(height uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", sharePrefix, height))
}

// ShareEntry is one link in the share chain. The genesis entry has height
// zero, an empty previous hash, and carries the network's genesis block
// hash so independent deployments agree on the chain origin.
type ShareEntry struct {
	Hash       string    `json:"hash"`
	PrevHash   string    `json:"prev_hash"`
	Height     uint64    `json:"height"`
	Timestamp  time.Time `json:"timestamp"`
	Miner      string    `json:"miner"`
	Worker     string    `json:"worker"`
	Difficulty float64   `json:"difficulty"`
	JobVersion uint64    `json:"job_version"`
}

// Store is the persistent share chain.
type Store struct {
	db *leveldb.DB
}

// Open opens the share chain database at path, creating and initializing it
// with the network's genesis entry on first use. Reopening a store that was
// initialized for a different network fails rather than mixing chains.
func Open(path, network string) (*Store, error) {
	genesisHash, err := bitcoin.GenesisHash(network)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "init_chain",
			"cannot resolve genesis for share chain")
	}

	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "init_chain",
			"failed to open share chain database").
			WithContext("path", path)
	}

	s := &Store{db: db}
	if err := s.ensureGenesis(genesisHash); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// ensureGenesis initializes an empty database with the genesis entry, or
// verifies that an existing database belongs to the expected network.
func (s *Store) ensureGenesis(genesisHash string) error {
	stored, err := s.db.Get([]byte(metaGenesisKey), nil)
	switch {
	case err == leveldb.ErrNotFound:
		return s.writeGenesis(genesisHash)
	case err != nil:
		return errors.Wrap(err, errors.ErrorTypeStorage, "init_chain",
			"failed to read chain metadata")
	}

	if string(stored) != genesisHash {
		return errors.New(errors.ErrorTypeStorage, "init_chain",
			"share chain belongs to a different network").
			WithContext("stored_genesis", string(stored)).
			WithContext("expected_genesis", genesisHash)
	}
	return nil
}

func (s *Store) writeGenesis(genesisHash string) error {
	genesis := &ShareEntry{
		Hash:      genesisHash,
		Height:    0,
		Timestamp: time.Unix(0, 0).UTC(),
	}

	data, err := json.Marshal(genesis)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "init_chain",
			"failed to encode genesis entry")
	}

	batch := new(leveldb.Batch)
	batch.Put(shareKey(0), data)
	batch.Put([]byte(metaTipKey), data)
	batch.Put([]byte(metaGenesisKey), []byte(genesisHash))

	if err := s.db.Write(batch, syncWrites); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "init_chain",
			"failed to write genesis entry")
	}
	return nil
}

// Tip returns the most recently appended share entry.
func (s *Store) Tip() (*ShareEntry, error) {
	data, err := s.db.Get([]byte(metaTipKey), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read_chain",
			"failed to read chain tip")
	}

	tip := &ShareEntry{}
	if err := json.Unmarshal(data, tip); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read_chain",
			"failed to decode chain tip")
	}
	return tip, nil
}

// Height returns the height of the chain tip.
func (s *Store) Height() (uint64, error) {
	tip, err := s.Tip()
	if err != nil {
		return 0, err
	}
	return tip.Height, nil
}

// AppendShare extends the chain with a new entry. The entry must link to
// the current tip and carry the next height; violations indicate a bug in
// the caller and are rejected without touching the database.
func (s *Store) AppendShare(entry *ShareEntry) error {
	tip, err := s.Tip()
	if err != nil {
		return err
	}

	if entry.Hash == "" {
		return errors.New(errors.ErrorTypeValidation, "append_share",
			"share entry has no hash")
	}
	if entry.PrevHash != tip.Hash {
		return errors.New(errors.ErrorTypeValidation, "append_share",
			"share does not extend the chain tip").
			WithContext("entry_prev_hash", entry.PrevHash).
			WithContext("tip_hash", tip.Hash)
	}
	if entry.Height != tip.Height+1 {
		return errors.New(errors.ErrorTypeValidation, "append_share",
			"share height is not the successor of the tip").
			WithContext("entry_height", entry.Height).
			WithContext("tip_height", tip.Height)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "append_share",
			"failed to encode share entry")
	}

	batch := new(leveldb.Batch)
	batch.Put(shareKey(entry.Height), data)
	batch.Put([]byte(metaTipKey), data)

	if err := s.db.Write(batch, syncWrites); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "append_share",
			"failed to write share entry").
			WithContext("height", entry.Height)
	}
	return nil
}

// SharesSince returns all entries with a timestamp at or after cutoff, in
// chain order. The genesis entry is excluded.
func (s *Store) SharesSince(cutoff time.Time) ([]ShareEntry, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(sharePrefix)), nil)
	defer iter.Release()

	var entries []ShareEntry
	for iter.Next() {
		var entry ShareEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read_chain",
				"failed to decode share entry").
				WithContext("key", string(iter.Key()))
		}
		if entry.Height == 0 || entry.Timestamp.Before(cutoff) {
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read_chain",
			"share chain iteration failed")
	}
	return entries, nil
}

// RecentShares returns up to limit entries ending at the tip, newest first.
// The genesis entry is excluded.
func (s *Store) RecentShares(limit int) ([]ShareEntry, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(sharePrefix)), nil)
	defer iter.Release()

	var entries []ShareEntry
	for ok := iter.Last(); ok && len(entries) < limit; ok = iter.Prev() {
		var entry ShareEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read_chain",
				"failed to decode share entry").
				WithContext("key", string(iter.Key()))
		}
		if entry.Height == 0 {
			break
		}
		entries = append(entries, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "read_chain",
			"share chain iteration failed")
	}
	return entries, nil
}

// PruneOlderThan removes entries older than cutoff and returns how many
// were deleted. The genesis entry and the tip are always retained so the
// chain keeps its anchor and its linkage point for the next append.
func (s *Store) PruneOlderThan(cutoff time.Time) (int, error) {
	tip, err := s.Tip()
	if err != nil {
		return 0, err
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(sharePrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	pruned := 0
	for iter.Next() {
		var entry ShareEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeStorage, "prune_chain",
				"failed to decode share entry").
				WithContext("key", string(iter.Key()))
		}
		if entry.Height == 0 || entry.Height == tip.Height {
			continue
		}
		if entry.Timestamp.Before(cutoff) {
			batch.Delete(append([]byte{}, iter.Key()...))
			pruned++
		}
	}
	if err := iter.Error(); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "prune_chain",
			"share chain iteration failed")
	}

	if pruned == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, syncWrites); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "prune_chain",
			"failed to delete pruned entries")
	}
	return pruned, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
