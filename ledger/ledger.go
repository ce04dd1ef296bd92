package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/spacemeshos/certchain/logging"
)

const DefaultGenesisMessage = "Academic Certificate Verification System Genesis Block"

var (
	ErrAuthorityExists    = errors.New("authority already registered")
	ErrAuthorityNotActive = errors.New("authority is not active")
	ErrNotFound           = errors.New("not found")

	blocksSealedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "certchain",
		Subsystem: "ledger",
		Name:      "blocks_sealed_total",
		Help:      "Number of blocks sealed",
	})

	recordsSealedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certchain",
		Subsystem: "ledger",
		Name:      "records_sealed_total",
		Help:      "Number of records sealed into blocks",
	}, []string{"kind"})

	commitLatencyMetric = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "certchain",
		Subsystem: "ledger",
		Name:      "commit_latency_seconds",
		Help:      "Latency of block commit operations",
		Buckets:   prometheus.ExponentialBuckets(0.001, 1.5, 20),
	})

	heightMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "certchain",
		Subsystem: "ledger",
		Name:      "height",
		Help:      "Index of the latest block",
	})
)

// Ledger is the append-only chain of sealed blocks together with the
// authority registry, the pool of records waiting to be sealed and the
// certificate index.
//
// A single lock guards all of it. Mutations write to the store first and
// update memory only after the write succeeded.
type Ledger struct {
	mu          sync.RWMutex
	db          Store
	clock       clock.Clock
	chain       []*Block
	authorities map[string]*Authority
	pending     []Record
}

type newLedgerOptionFunc func(*newLedgerOptions)

type newLedgerOptions struct {
	clock          clock.Clock
	genesisMessage string
}

func WithClock(c clock.Clock) newLedgerOptionFunc {
	return func(opts *newLedgerOptions) {
		opts.clock = c
	}
}

func WithGenesisMessage(msg string) newLedgerOptionFunc {
	return func(opts *newLedgerOptions) {
		opts.genesisMessage = msg
	}
}

// New loads the chain and the registry from db. An empty store gets a
// freshly committed genesis block.
func New(ctx context.Context, db Store, opts ...newLedgerOptionFunc) (*Ledger, error) {
	options := newLedgerOptions{
		clock:          clock.New(),
		genesisMessage: DefaultGenesisMessage,
	}
	for _, opt := range opts {
		opt(&options)
	}

	l := &Ledger{
		db:          db,
		clock:       options.clock,
		authorities: make(map[string]*Authority),
	}

	authorities, err := db.LoadAuthorities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading authorities: %w", err)
	}
	for _, a := range authorities {
		l.authorities[a.ID] = a
	}

	blocks, err := db.LoadBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading blocks: %w", err)
	}
	for i, b := range blocks {
		if b.Index != uint64(i) {
			return nil, fmt.Errorf("gap in stored chain: expected block %d, got %d", i, b.Index)
		}
	}
	l.chain = blocks

	logger := logging.FromContext(ctx)
	if len(l.chain) == 0 {
		genesis, err := l.newGenesis(options.genesisMessage)
		if err != nil {
			return nil, err
		}
		if err := db.CommitBlock(ctx, genesis, nil); err != nil {
			return nil, fmt.Errorf("committing genesis block: %w", err)
		}
		l.chain = []*Block{genesis}
		logger.Info("created genesis block", zap.String("digest", genesis.Digest))
	}
	heightMetric.Set(float64(l.tail().Index))
	logger.Info("ledger loaded",
		zap.Int("blocks", len(l.chain)),
		zap.Int("authorities", len(l.authorities)),
		zap.String("latest", l.tail().Digest),
	)
	return l, nil
}

func (l *Ledger) newGenesis(msg string) (*Block, error) {
	now := l.now()
	b := &Block{
		Index:     0,
		CreatedAt: now,
		Payload: Payload{
			Genesis: &GenesisMarker{
				Type:      "genesis",
				Message:   msg,
				CreatedBy: SystemAuthority,
				Timestamp: now,
			},
		},
		PreviousHash: GenesisPreviousHash,
		SealedBy:     SystemAuthority,
	}
	digest, err := b.ComputeDigest()
	if err != nil {
		return nil, fmt.Errorf("hashing genesis block: %w", err)
	}
	b.Digest = digest
	return b, nil
}

func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC()
}

func (l *Ledger) tail() *Block {
	return l.chain[len(l.chain)-1]
}

func (l *Ledger) isActive(id string) bool {
	a, ok := l.authorities[id]
	return ok && a.Status == AuthorityActive
}

// RegisterAuthority adds a new active authority. Registered authorities are
// never replaced and the system sealer id is reserved.
func (l *Ledger) RegisterAuthority(ctx context.Context, id, institutionName, publicKey string) error {
	if id == "" {
		return &MissingFieldError{Field: "authority_id"}
	}
	if id == SystemAuthority {
		return fmt.Errorf("%w: %s is reserved", ErrAuthorityExists, id)
	}
	if !utf8.ValidString(id) {
		return &MalformedFieldError{Field: "authority_id"}
	}
	if !utf8.ValidString(institutionName) {
		return &MalformedFieldError{Field: "institution_name"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.authorities[id]; ok {
		return fmt.Errorf("%w: %s", ErrAuthorityExists, id)
	}
	a := &Authority{
		ID:              id,
		InstitutionName: institutionName,
		PublicKey:       publicKey,
		Status:          AuthorityActive,
		RegisteredAt:    l.now(),
	}
	if err := l.db.PutAuthority(ctx, a); err != nil {
		return fmt.Errorf("persisting authority %s: %w", id, err)
	}
	l.authorities[id] = a
	logging.FromContext(ctx).Info("registered authority", zap.String("id", id), zap.String("institution", institutionName))
	return nil
}

func (l *Ledger) IsActiveAuthority(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isActive(id)
}

func (l *Ledger) Authority(id string) (Authority, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.authorities[id]
	if !ok {
		return Authority{}, fmt.Errorf("%w: authority %s", ErrNotFound, id)
	}
	return *a, nil
}

// Authorities lists the registry ordered by id.
func (l *Ledger) Authorities() []Authority {
	l.mu.RLock()
	defer l.mu.RUnlock()
	res := make([]Authority, 0, len(l.authorities))
	for _, a := range l.authorities {
		res = append(res, *a)
	}
	slices.SortFunc(res, func(a, b Authority) bool { return a.ID < b.ID })
	return res
}

// SubmitCertificate validates cert and appends it to the pending pool. It
// returns the derived content hash.
func (l *Ledger) SubmitCertificate(ctx context.Context, cert Certificate, authority string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isActive(authority) {
		return "", fmt.Errorf("%w: %s", ErrAuthorityNotActive, authority)
	}
	record, err := newCertificateRecord(cert, authority, l.now())
	if err != nil {
		return "", err
	}
	l.pending = append(l.pending, record)
	logging.FromContext(ctx).Debug("certificate submitted",
		zap.String("content_hash", record.Certificate.ContentHash),
		zap.String("authority", authority),
		zap.Int("pending", len(l.pending)),
	)
	return record.Certificate.ContentHash, nil
}

// SealPending seals the whole pending pool into a new block.
// It is a no-op returning a nil block when the authority is not active or
// there is nothing to seal.
func (l *Ledger) SealPending(ctx context.Context, authority string) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isActive(authority) || len(l.pending) == 0 {
		return nil, nil
	}
	return l.seal(ctx, authority, append([]Record(nil), l.pending...))
}

// SealCertificate submits cert and seals it, along with anything already
// pending, in one step.
func (l *Ledger) SealCertificate(ctx context.Context, cert Certificate, authority string) (*Block, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isActive(authority) {
		return nil, "", fmt.Errorf("%w: %s", ErrAuthorityNotActive, authority)
	}
	record, err := newCertificateRecord(cert, authority, l.now())
	if err != nil {
		return nil, "", err
	}
	records := append(append([]Record(nil), l.pending...), record)
	b, err := l.seal(ctx, authority, records)
	if err != nil {
		return nil, "", err
	}
	return b, record.Certificate.ContentHash, nil
}

// SubmitRevocation records the revocation of targetHash and seals it
// immediately. The index entry of the target, if any, is marked revoked in
// the same write.
func (l *Ledger) SubmitRevocation(ctx context.Context, targetHash, authority, reason string) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isActive(authority) {
		return nil, fmt.Errorf("%w: %s", ErrAuthorityNotActive, authority)
	}
	record, err := newRevocationRecord(targetHash, reason, authority, l.now())
	if err != nil {
		return nil, err
	}
	records := append(append([]Record(nil), l.pending...), record)
	return l.seal(ctx, authority, records)
}

// seal must be called with the write lock held. records always covers the
// whole pending pool, which is cleared once the block is committed.
func (l *Ledger) seal(ctx context.Context, authority string, records []Record) (*Block, error) {
	payload, err := newPayload(records, authority)
	if err != nil {
		return nil, err
	}
	prev := l.tail()
	b := &Block{
		Index:        prev.Index + 1,
		CreatedAt:    l.now(),
		Payload:      payload,
		PreviousHash: prev.Digest,
		SealedBy:     authority,
	}
	if b.Digest, err = b.ComputeDigest(); err != nil {
		return nil, fmt.Errorf("hashing block %d: %w", b.Index, err)
	}

	batch := newIndexBatch()
	if err := batch.apply(ctx, b, l.db.IndexEntry); err != nil {
		return nil, err
	}

	started := time.Now()
	if err := l.db.CommitBlock(ctx, b, batch.list()); err != nil {
		return nil, fmt.Errorf("committing block %d: %w", b.Index, err)
	}
	commitLatencyMetric.Observe(time.Since(started).Seconds())

	l.chain = append(l.chain, b)
	l.pending = nil

	blocksSealedMetric.Inc()
	for _, r := range records {
		recordsSealedMetric.WithLabelValues(string(r.Kind)).Inc()
	}
	heightMetric.Set(float64(b.Index))
	logging.FromContext(ctx).Info("sealed block",
		zap.Uint64("index", b.Index),
		zap.String("digest", b.Digest),
		zap.String("sealed_by", authority),
		zap.Int("records", len(records)),
	)
	return b.clone(), nil
}

// Summary aggregates counts over the whole chain.
func (l *Ledger) Summary(ctx context.Context) Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		BlockCount:     len(l.chain),
		AuthorityCount: len(l.authorities),
		LatestDigest:   l.tail().Digest,
	}
	for _, b := range l.chain[1:] {
		for _, r := range b.Payload.Records {
			switch r.Kind {
			case KindCertificate:
				s.CertificateCount++
			case KindRevocation:
				s.RevocationCount++
			}
		}
	}
	s.Valid = len(l.violations(true)) == 0
	return s
}

// Lookup returns the index entry of a sealed certificate.
func (l *Ledger) Lookup(ctx context.Context, contentHash string) (IndexEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, err := l.db.IndexEntry(ctx, contentHash)
	if err != nil {
		return IndexEntry{}, err
	}
	return *e, nil
}

// Reindex rebuilds the certificate index from the chain and returns the
// number of entries written.
func (l *Ledger) Reindex(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := newIndexBatch()
	for _, b := range l.chain[1:] {
		if err := batch.apply(ctx, b, nil); err != nil {
			return 0, err
		}
	}
	entries := batch.list()
	if err := l.db.ReplaceIndex(ctx, entries); err != nil {
		return 0, fmt.Errorf("replacing index: %w", err)
	}
	return len(entries), nil
}

// Blocks returns a copy of the chain.
func (l *Ledger) Blocks() []*Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	blocks := make([]*Block, 0, len(l.chain))
	for _, b := range l.chain {
		blocks = append(blocks, b.clone())
	}
	return blocks
}

func (l *Ledger) Block(index uint64) (*Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.chain)) {
		return nil, fmt.Errorf("%w: block %d", ErrNotFound, index)
	}
	return l.chain[index].clone(), nil
}

// Height is the index of the latest block.
func (l *Ledger) Height() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain) - 1
}

func (l *Ledger) Pending() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Record(nil), l.pending...)
}

type indexLookupFunc func(ctx context.Context, contentHash string) (*IndexEntry, error)

// indexBatch accumulates the index updates produced by a sequence of blocks.
type indexBatch struct {
	entries map[string]*IndexEntry
	order   []string
}

func newIndexBatch() *indexBatch {
	return &indexBatch{entries: make(map[string]*IndexEntry)}
}

func (ib *indexBatch) put(e *IndexEntry) {
	if _, ok := ib.entries[e.ContentHash]; !ok {
		ib.order = append(ib.order, e.ContentHash)
	}
	ib.entries[e.ContentHash] = e
}

// apply folds the records of b into the batch. Revocations of certificates
// unknown to the batch are resolved with lookup, when given. Revocations of
// certificates that were never sealed leave the index untouched.
func (ib *indexBatch) apply(ctx context.Context, b *Block, lookup indexLookupFunc) error {
	for _, r := range b.Payload.Records {
		switch {
		case r.Kind == KindCertificate && r.Certificate != nil:
			ib.put(&IndexEntry{
				ContentHash: r.Certificate.ContentHash,
				Content:     r.Certificate.Content,
				BlockIndex:  b.Index,
				Status:      StatusValid,
			})
		case r.Kind == KindRevocation && r.Revocation != nil:
			target := r.Revocation.TargetHash
			e, ok := ib.entries[target]
			if !ok && lookup != nil {
				stored, err := lookup(ctx, target)
				switch {
				case errors.Is(err, ErrNotFound):
				case err != nil:
					return fmt.Errorf("looking up revoked certificate %s: %w", target, err)
				default:
					e, ok = stored, true
				}
			}
			if !ok {
				logging.FromContext(ctx).Debug("revocation of unindexed certificate", zap.String("content_hash", target))
				continue
			}
			revoked := *e
			revoked.Status = StatusRevoked
			ib.put(&revoked)
		}
	}
	return nil
}

func (ib *indexBatch) list() []*IndexEntry {
	res := make([]*IndexEntry, 0, len(ib.order))
	for _, h := range ib.order {
		res = append(res, ib.entries[h])
	}
	return res
}
