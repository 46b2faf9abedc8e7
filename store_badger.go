package hotswap

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore is the durable backend for the checkpoint chain and the
// audit log, layered on an embedded BadgerDB. Key layout:
//
//	cp/<module>/<seq>  checkpoint record (JSON), seq big-endian uint64
//	cur/<module>       key of the module's current checkpoint
//	audit/<seq>        audit entry (JSON)
//
// Entries are written once and never rewritten; pruning deletes whole
// checkpoint records but never the one the current pointer designates.
type BadgerStore struct {
	db       *badger.DB
	logger   Logger
	seqCp    *badger.Sequence
	seqAudit *badger.Sequence
}

var (
	_ CheckpointStore = (*BadgerStore)(nil)
	_ AuditLog        = (*BadgerStore)(nil)
)

// OpenBadgerStore opens (or creates) the store at path. An empty path
// opens an in-memory database, used by tests.
func OpenBadgerStore(path string, logger Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = NoopLogger{}
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger store at %q: %w", path, err)
	}
	seqCp, err := db.GetSequence([]byte("seq/cp"), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint sequence: %w", err)
	}
	seqAudit, err := db.GetSequence([]byte("seq/audit"), 256)
	if err != nil {
		_ = seqCp.Release()
		_ = db.Close()
		return nil, fmt.Errorf("audit sequence: %w", err)
	}
	return &BadgerStore{db: db, logger: logger, seqCp: seqCp, seqAudit: seqAudit}, nil
}

// Close releases sequences and the database.
func (s *BadgerStore) Close() error {
	_ = s.seqCp.Release()
	_ = s.seqAudit.Release()
	return s.db.Close()
}

func checkpointKey(module string, seq uint64) []byte {
	key := make([]byte, 0, len("cp/")+len(module)+1+8)
	key = append(key, "cp/"...)
	key = append(key, module...)
	key = append(key, '/')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func checkpointPrefix(module string) []byte {
	return []byte("cp/" + module + "/")
}

func currentKey(module string) []byte {
	return []byte("cur/" + module)
}

func auditKey(seq uint64) []byte {
	key := make([]byte, 0, len("audit/")+8)
	key = append(key, "audit/"...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

// Record implements CheckpointStore.
func (s *BadgerStore) Record(ctx context.Context, desc *ModuleDescriptor, snap *StateSnapshot) (*Checkpoint, error) {
	if desc == nil {
		return nil, ErrDescriptorNil
	}
	// A nil snapshot records a descriptor-only checkpoint.
	if snap != nil {
		if err := snap.Verify(); err != nil {
			return nil, err
		}
	}
	seq, err := s.seqCp.Next()
	if err != nil {
		return nil, fmt.Errorf("allocating checkpoint sequence: %w", err)
	}

	cp := &Checkpoint{
		ID:         CheckpointID(uuid.NewString()),
		Module:     desc.Name,
		RecordedAt: time.Now(),
		Descriptor: desc,
		Snapshot:   snap,
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if item, err := txn.Get(currentKey(desc.Name)); err == nil {
			if err := item.Value(func(val []byte) error {
				var prev Checkpoint
				if err := json.Unmarshal(val, &prev); err != nil {
					return fmt.Errorf("%w: %w", ErrCheckpointCorrupt, err)
				}
				cp.Parent = prev.ID
				return nil
			}); err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		raw, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("encoding checkpoint: %w", err)
		}
		if err := txn.Set(checkpointKey(desc.Name, seq), raw); err != nil {
			return err
		}
		return txn.Set(currentKey(desc.Name), raw)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("checkpoint recorded", "module", desc.Name, "checkpoint", cp.ID, "parent", cp.Parent)
	return cp, nil
}

// Get implements CheckpointStore.
func (s *BadgerStore) Get(ctx context.Context, module string, id CheckpointID) (*Checkpoint, error) {
	var found *Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOpts(checkpointPrefix(module), false))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var cp Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return fmt.Errorf("%w: %w", ErrCheckpointCorrupt, err)
			}
			if cp.ID == id {
				found = &cp
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCheckpointNotFound, module, id)
	}
	return found, nil
}

// Latest implements CheckpointStore.
func (s *BadgerStore) Latest(ctx context.Context, module string) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(currentKey(module))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrCheckpointNotFound, module)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &cp); err != nil {
				return fmt.Errorf("%w: %w", ErrCheckpointCorrupt, err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Chain implements CheckpointStore.
func (s *BadgerStore) Chain(ctx context.Context, module string, limit int) ([]*Checkpoint, error) {
	var chain []*Checkpoint
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOpts(checkpointPrefix(module), false))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var cp Checkpoint
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &cp)
			}); err != nil {
				return fmt.Errorf("%w: %w", ErrCheckpointCorrupt, err)
			}
			chain = append(chain, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(chain) {
		chain = chain[len(chain)-limit:]
	}
	return chain, nil
}

// Prune implements CheckpointStore.
func (s *BadgerStore) Prune(ctx context.Context, module string, retainLastN int) (int, error) {
	if retainLastN < 1 {
		retainLastN = 1
	}
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOpts(checkpointPrefix(module), false))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(keys) <= retainLastN {
		return 0, nil
	}
	drop := keys[:len(keys)-retainLastN]
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range drop {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(drop), nil
}

// Modules implements CheckpointStore.
func (s *BadgerStore) Modules(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOpts([]byte("cur/"), false))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, string(it.Item().Key()[len("cur/"):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// Append implements AuditLog.
func (s *BadgerStore) Append(ctx context.Context, entry AuditEntry) error {
	seq, err := s.seqAudit.Next()
	if err != nil {
		return fmt.Errorf("allocating audit sequence: %w", err)
	}
	entry.Sequence = seq + 1
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(auditKey(seq), raw)
	})
}

// Tail implements AuditLog.
func (s *BadgerStore) Tail(ctx context.Context, n int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOpts([]byte("audit/"), true))
		defer it.Close()
		seek := append([]byte("audit/"), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			if n > 0 && len(entries) >= n {
				break
			}
			var entry AuditEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse iteration collected newest first; callers expect oldest
	// first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func iterOpts(prefix []byte, reverse bool) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	return opts
}
