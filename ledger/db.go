package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/spacemeshos/certchain/logging"
)

//go:generate mockgen -package mocks -destination mocks/store.go . Store

// Store is the durable backend of the ledger.
type Store interface {
	// LoadBlocks returns every persisted block in ascending index order.
	LoadBlocks(ctx context.Context) ([]*Block, error)
	LoadAuthorities(ctx context.Context) ([]*Authority, error)
	PutAuthority(ctx context.Context, a *Authority) error
	// CommitBlock atomically writes a block together with the index entries
	// it produces. Writing an existing index overwrites it.
	CommitBlock(ctx context.Context, b *Block, entries []*IndexEntry) error
	IndexEntry(ctx context.Context, contentHash string) (*IndexEntry, error)
	// ReplaceIndex atomically drops the whole certificate index and writes entries.
	ReplaceIndex(ctx context.Context, entries []*IndexEntry) error
	Close() error
}

var (
	blockPrefix     = []byte("b/")
	authorityPrefix = []byte("a/")
	indexPrefix     = []byte("i/")
)

func blockKey(index uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], index)
	return key
}

func authorityKey(id string) []byte {
	return append(append([]byte{}, authorityPrefix...), id...)
}

func indexKey(contentHash string) []byte {
	return append(append([]byte{}, indexPrefix...), contentHash...)
}

type storedBlock struct {
	Index        uint64
	CreatedAt    int64
	Payload      []byte // JSON encoded Payload
	PreviousHash string
	SealedBy     string
	Digest       string
}

type storedAuthority struct {
	ID              string
	InstitutionName string
	PublicKey       string
	Status          string
	RegisteredAt    int64
}

type storedIndexEntry struct {
	ContentHash string
	StudentName string
	StudentID   string
	Degree      string
	Institution string
	IssueDate   string
	BlockIndex  uint64
	Status      string
}

// LevelDBStore keeps blocks, authorities and the certificate index in a
// single leveldb database under distinct key prefixes.
type LevelDBStore struct {
	db *leveldb.DB
	wo *opt.WriteOptions
}

func NewLevelDBStore(dbPath string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database @ %s: %w", dbPath, err)
	}
	return &LevelDBStore{db: db, wo: &opt.WriteOptions{Sync: true}}, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBStore) LoadBlocks(ctx context.Context) ([]*Block, error) {
	iter := s.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer iter.Release()

	var blocks []*Block
	for iter.Next() {
		b, err := decodeBlock(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decoding block %X: %w", iter.Key(), err)
		}
		blocks = append(blocks, b)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating blocks: %w", err)
	}
	logging.FromContext(ctx).Debug("loaded blocks", zap.Int("count", len(blocks)))
	return blocks, nil
}

func (s *LevelDBStore) LoadAuthorities(ctx context.Context) ([]*Authority, error) {
	iter := s.db.NewIterator(util.BytesPrefix(authorityPrefix), nil)
	defer iter.Release()

	var authorities []*Authority
	for iter.Next() {
		var stored storedAuthority
		if _, err := xdr.Unmarshal(bytes.NewReader(iter.Value()), &stored); err != nil {
			return nil, fmt.Errorf("failed to deserialize authority %q: %v", iter.Key(), err)
		}
		authorities = append(authorities, &Authority{
			ID:              stored.ID,
			InstitutionName: stored.InstitutionName,
			PublicKey:       stored.PublicKey,
			Status:          AuthorityStatus(stored.Status),
			RegisteredAt:    time.Unix(0, stored.RegisteredAt).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating authorities: %w", err)
	}
	return authorities, nil
}

func (s *LevelDBStore) PutAuthority(ctx context.Context, a *Authority) error {
	serialized, err := serialize(storedAuthority{
		ID:              a.ID,
		InstitutionName: a.InstitutionName,
		PublicKey:       a.PublicKey,
		Status:          string(a.Status),
		RegisteredAt:    a.RegisteredAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	if err := s.db.Put(authorityKey(a.ID), serialized, s.wo); err != nil {
		return fmt.Errorf("storing authority %s in DB: %w", a.ID, err)
	}
	return nil
}

func (s *LevelDBStore) CommitBlock(ctx context.Context, b *Block, entries []*IndexEntry) error {
	batch := new(leveldb.Batch)
	serialized, err := encodeBlock(b)
	if err != nil {
		return err
	}
	batch.Put(blockKey(b.Index), serialized)
	for _, e := range entries {
		serialized, err := encodeIndexEntry(e)
		if err != nil {
			return err
		}
		batch.Put(indexKey(e.ContentHash), serialized)
	}
	if err := s.db.Write(batch, s.wo); err != nil {
		return fmt.Errorf("storing block %d in DB: %w", b.Index, err)
	}
	return nil
}

func (s *LevelDBStore) IndexEntry(ctx context.Context, contentHash string) (*IndexEntry, error) {
	data, err := s.db.Get(indexKey(contentHash), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, contentHash)
	case err != nil:
		return nil, fmt.Errorf("get certificate %s from DB: %w", contentHash, err)
	}

	var stored storedIndexEntry
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %v", err)
	}
	return &IndexEntry{
		ContentHash: stored.ContentHash,
		Content: Content{
			StudentName: stored.StudentName,
			StudentID:   stored.StudentID,
			Degree:      stored.Degree,
			Institution: stored.Institution,
			IssueDate:   stored.IssueDate,
		},
		BlockIndex: stored.BlockIndex,
		Status:     CertificateStatus(stored.Status),
	}, nil
}

func (s *LevelDBStore) ReplaceIndex(ctx context.Context, entries []*IndexEntry) error {
	trans, err := s.db.OpenTransaction()
	if err != nil {
		return err
	}

	iter := trans.NewIterator(util.BytesPrefix(indexPrefix), nil)
	var dropped int
	for iter.Next() {
		if err := trans.Delete(iter.Key(), nil); err != nil {
			iter.Release()
			trans.Discard()
			return fmt.Errorf("dropping index key %X: %w", iter.Key(), err)
		}
		dropped++
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		trans.Discard()
		return fmt.Errorf("iterating index: %w", err)
	}

	for _, e := range entries {
		serialized, err := encodeIndexEntry(e)
		if err != nil {
			trans.Discard()
			return err
		}
		if err := trans.Put(indexKey(e.ContentHash), serialized, nil); err != nil {
			trans.Discard()
			return fmt.Errorf("storing index entry %s: %w", e.ContentHash, err)
		}
	}
	if err := trans.Commit(); err != nil {
		return fmt.Errorf("committing index: %w", err)
	}
	logging.FromContext(ctx).Info("replaced certificate index", zap.Int("dropped", dropped), zap.Int("written", len(entries)))
	return nil
}

func encodeBlock(b *Block) ([]byte, error) {
	payload, err := json.Marshal(b.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload of block %d: %w", b.Index, err)
	}
	return serialize(storedBlock{
		Index:        b.Index,
		CreatedAt:    b.CreatedAt.UnixNano(),
		Payload:      payload,
		PreviousHash: b.PreviousHash,
		SealedBy:     b.SealedBy,
		Digest:       b.Digest,
	})
}

func decodeBlock(data []byte) (*Block, error) {
	var stored storedBlock
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %v", err)
	}
	var payload Payload
	if err := json.Unmarshal(stored.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return &Block{
		Index:        stored.Index,
		CreatedAt:    time.Unix(0, stored.CreatedAt).UTC(),
		Payload:      payload,
		PreviousHash: stored.PreviousHash,
		SealedBy:     stored.SealedBy,
		Digest:       stored.Digest,
	}, nil
}

func encodeIndexEntry(e *IndexEntry) ([]byte, error) {
	return serialize(storedIndexEntry{
		ContentHash: e.ContentHash,
		StudentName: e.StudentName,
		StudentID:   e.StudentID,
		Degree:      e.Degree,
		Institution: e.Institution,
		IssueDate:   e.IssueDate,
		BlockIndex:  e.BlockIndex,
		Status:      string(e.Status),
	})
}

func serialize(v any) ([]byte, error) {
	var dataBuf bytes.Buffer
	if _, err := xdr.Marshal(&dataBuf, v); err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return dataBuf.Bytes(), nil
}
