// Package issuer orchestrates institution registration, certificate issuance,
// verification and revocation on top of the ledger.
package issuer

import (
	"context"
	"crypto/md5" //#nosec G501
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/spacemeshos/certchain/keystore"
	"github.com/spacemeshos/certchain/ledger"
	"github.com/spacemeshos/certchain/logging"
	"github.com/spacemeshos/certchain/signing"
)

const (
	DefaultGrade = "Pass"
	recentLimit  = 10
)

var (
	ErrValidation     = ledger.ErrInvalidRecord
	ErrNotFound       = ledger.ErrNotFound
	ErrKeyNotFound    = keystore.ErrKeyNotFound
	ErrDuplicate      = errors.New("institution already registered")
	ErrUnauthorized   = errors.New("institution not registered or inactive")
	ErrAlreadyRevoked = errors.New("certificate already revoked")

	registrationsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "certchain",
		Subsystem: "issuer",
		Name:      "registrations_total",
		Help:      "Number of registered institutions",
	})

	issuedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certchain",
		Subsystem: "issuer",
		Name:      "certificates_issued_total",
		Help:      "Number of issued certificates",
	}, []string{"authority"})

	revokedMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "certchain",
		Subsystem: "issuer",
		Name:      "certificates_revoked_total",
		Help:      "Number of revoked certificates",
	}, []string{"authority"})
)

// MissingFieldError is returned for a certificate request lacking a required field.
type MissingFieldError = ledger.MissingFieldError

// MalformedFieldError is returned for a field that is not valid UTF-8.
type MalformedFieldError = ledger.MalformedFieldError

// AlreadyRevokedError names the block that revoked the certificate.
type AlreadyRevokedError struct {
	ContentHash string
	BlockIndex  uint64
}

func (e *AlreadyRevokedError) Error() string {
	return fmt.Sprintf("certificate %s already revoked in block %d", e.ContentHash, e.BlockIndex)
}

func (e *AlreadyRevokedError) Unwrap() error {
	return ErrAlreadyRevoked
}

// Keystore holds the private keys of registered institutions.
type Keystore interface {
	Has(id string) bool
	Save(id string, key *rsa.PrivateKey) error
	Load(id string) (*rsa.PrivateKey, error)
	Delete(id string) error
}

type Issuer struct {
	// serializes the register and revoke flows
	mu sync.Mutex

	ledger  *ledger.Ledger
	keys    Keystore
	cfg     Config
	clock   clock.Clock
	random  io.Reader
	pubkeys *lru.Cache
}

type newIssuerOptionFunc func(*newIssuerOptions)

type newIssuerOptions struct {
	cfg    Config
	clock  clock.Clock
	random io.Reader
}

func WithConfig(cfg Config) newIssuerOptionFunc {
	return func(opts *newIssuerOptions) {
		opts.cfg = cfg
	}
}

func WithClock(c clock.Clock) newIssuerOptionFunc {
	return func(opts *newIssuerOptions) {
		opts.clock = c
	}
}

// WithRandom sets the source of randomness for key generation and signing.
func WithRandom(r io.Reader) newIssuerOptionFunc {
	return func(opts *newIssuerOptions) {
		opts.random = r
	}
}

func New(l *ledger.Ledger, keys Keystore, opts ...newIssuerOptionFunc) (*Issuer, error) {
	options := newIssuerOptions{
		cfg:    DefaultConfig(),
		clock:  clock.New(),
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.cfg.KeyBits < signing.MinKeyBits {
		return nil, fmt.Errorf("%w: %d bits", signing.ErrKeyTooSmall, options.cfg.KeyBits)
	}
	cache, err := lru.New(options.cfg.PubKeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating public key cache: %w", err)
	}
	return &Issuer{
		ledger:  l,
		keys:    keys,
		cfg:     options.cfg,
		clock:   options.clock,
		random:  options.random,
		pubkeys: cache,
	}, nil
}

func (i *Issuer) now() time.Time {
	return i.clock.Now().UTC()
}

// Registration is the outcome of RegisterInstitution.
type Registration struct {
	AuthorityID     string `json:"authority_id"`
	InstitutionName string `json:"institution_name"`
	PublicKey       string `json:"public_key"`
}

// AuthorityID derives the default authority id of an institution name.
func AuthorityID(institutionName string) string {
	id := strings.ToLower(institutionName)
	id = strings.ReplaceAll(id, " ", "_")
	return strings.ReplaceAll(id, ".", "")
}

// RegisterInstitution creates a key pair for the institution, stores the
// private key and registers the public key as a new authority.
func (i *Issuer) RegisterInstitution(ctx context.Context, name, authorityID string) (Registration, error) {
	if name == "" {
		return Registration{}, &MissingFieldError{Field: "institution_name"}
	}
	if authorityID == "" {
		authorityID = AuthorityID(name)
	}
	logger := logging.FromContext(ctx).With(zap.String("authority", authorityID))

	i.mu.Lock()
	defer i.mu.Unlock()

	_, err := i.ledger.Authority(authorityID)
	if err == nil || authorityID == ledger.SystemAuthority || i.keys.Has(authorityID) {
		return Registration{}, fmt.Errorf("%w: %s", ErrDuplicate, authorityID)
	}

	logger.Info("generating institution keys", zap.Int("bits", i.cfg.KeyBits))
	key, err := signing.GenerateKey(i.random, i.cfg.KeyBits)
	if err != nil {
		return Registration{}, err
	}
	pub, err := signing.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		return Registration{}, err
	}
	if err := i.keys.Save(authorityID, key); err != nil {
		if errors.Is(err, keystore.ErrKeyExists) {
			return Registration{}, fmt.Errorf("%w: %s", ErrDuplicate, authorityID)
		}
		return Registration{}, err
	}

	if err := i.ledger.RegisterAuthority(ctx, authorityID, name, pub); err != nil {
		if delErr := i.keys.Delete(authorityID); delErr != nil {
			logger.Error("failed to remove key of unregistered institution", zap.Error(delErr))
		}
		if errors.Is(err, ledger.ErrAuthorityExists) {
			return Registration{}, fmt.Errorf("%w: %s", ErrDuplicate, authorityID)
		}
		return Registration{}, fmt.Errorf("registering authority: %w", err)
	}

	registrationsMetric.Inc()
	logger.Info("registered institution", zap.String("name", name))
	return Registration{
		AuthorityID:     authorityID,
		InstitutionName: name,
		PublicKey:       pub,
	}, nil
}

// StudentRecord is the input of IssueCertificate.
type StudentRecord struct {
	ledger.Content
	Grade          string `json:"grade,omitempty"`
	GraduationDate string `json:"graduation_date,omitempty"`
}

// SignedContent is the part of a certificate covered by the issuer's signature.
type SignedContent struct {
	ledger.Content
	Issuer   string    `json:"issuer"`
	IssuedAt time.Time `json:"issued_at"`
}

func signedContent(cert *ledger.Certificate) SignedContent {
	return SignedContent{Content: cert.Content, Issuer: cert.Issuer, IssuedAt: cert.IssuedAt}
}

// CertificateID is the short display identifier of a certificate.
func CertificateID(c ledger.Content) string {
	sum := md5.Sum([]byte(c.StudentID + "_" + c.Degree + "_" + c.IssueDate)) //#nosec G401
	return strings.ToUpper(hex.EncodeToString(sum[:])[:12])
}

// Receipt is the outcome of IssueCertificate.
type Receipt struct {
	ContentHash string             `json:"content_hash"`
	BlockIndex  uint64             `json:"block_index"`
	BlockDigest string             `json:"block_digest"`
	Certificate ledger.Certificate `json:"certificate"`
}

// IssueCertificate signs the student record with the institution's key and
// seals it into a new block.
func (i *Issuer) IssueCertificate(ctx context.Context, authorityID string, rec StudentRecord) (Receipt, error) {
	if err := rec.Content.Validate(); err != nil {
		return Receipt{}, err
	}
	for field, value := range map[string]string{"grade": rec.Grade, "graduation_date": rec.GraduationDate} {
		if !utf8.ValidString(value) {
			return Receipt{}, &MalformedFieldError{Field: field}
		}
	}
	if !i.ledger.IsActiveAuthority(authorityID) {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnauthorized, authorityID)
	}
	key, err := i.keys.Load(authorityID)
	if err != nil {
		return Receipt{}, err
	}

	cert := ledger.Certificate{
		Content:        rec.Content,
		Grade:          rec.Grade,
		GraduationDate: rec.GraduationDate,
		CertificateID:  CertificateID(rec.Content),
		Issuer:         authorityID,
		IssuedAt:       i.now(),
	}
	if cert.Grade == "" {
		cert.Grade = DefaultGrade
	}
	if cert.GraduationDate == "" {
		cert.GraduationDate = rec.IssueDate
	}

	signed, err := signing.SignRecord(i.random, signedContent(&cert), key)
	if err != nil {
		return Receipt{}, err
	}
	cert.Signature = signed.Signature()
	cert.PublicKey = signed.PubKey()

	b, contentHash, err := i.ledger.SealCertificate(ctx, cert, authorityID)
	switch {
	case errors.Is(err, ledger.ErrAuthorityNotActive):
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnauthorized, authorityID)
	case err != nil:
		return Receipt{}, fmt.Errorf("sealing certificate: %w", err)
	}
	cert.ContentHash = contentHash

	issuedMetric.WithLabelValues(authorityID).Inc()
	logging.FromContext(ctx).Info("issued certificate",
		zap.String("authority", authorityID),
		zap.String("content_hash", contentHash),
		zap.String("certificate_id", cert.CertificateID),
		zap.Uint64("block", b.Index),
	)
	return Receipt{
		ContentHash: contentHash,
		BlockIndex:  b.Index,
		BlockDigest: b.Digest,
		Certificate: cert,
	}, nil
}

// CertificateView is a sealed certificate with its current status and the
// block that holds it.
type CertificateView struct {
	Certificate    ledger.Certificate       `json:"certificate"`
	Status         ledger.CertificateStatus `json:"status"`
	BlockIndex     uint64                   `json:"block_index"`
	BlockDigest    string                   `json:"block_digest"`
	SealedBy       string                   `json:"sealed_by"`
	BlockTimestamp time.Time                `json:"block_timestamp"`
	VerifiedAt     time.Time                `json:"verified_at"`
}

// Verify resolves a content hash to the certificate sealed under it.
func (i *Issuer) Verify(ctx context.Context, contentHash string) (CertificateView, error) {
	entry, err := i.ledger.Lookup(ctx, contentHash)
	if err != nil {
		return CertificateView{}, err
	}
	b, err := i.ledger.Block(entry.BlockIndex)
	if err != nil {
		return CertificateView{}, fmt.Errorf("certificate %s points to a missing block: %w", contentHash, err)
	}
	view := CertificateView{
		Status:         entry.Status,
		BlockIndex:     b.Index,
		BlockDigest:    b.Digest,
		SealedBy:       b.SealedBy,
		BlockTimestamp: b.CreatedAt,
		VerifiedAt:     i.now(),
	}
	found := false
	for _, r := range b.Payload.Records {
		if r.Kind == ledger.KindCertificate && r.Certificate != nil && r.Certificate.ContentHash == contentHash {
			view.Certificate = *r.Certificate
			found = true
		}
	}
	if !found {
		view.Certificate = ledger.Certificate{Content: entry.Content, ContentHash: entry.ContentHash}
	}
	return view, nil
}

var searchFields = map[string]func(*ledger.Certificate) string{
	"student_name":    func(c *ledger.Certificate) string { return c.StudentName },
	"student_id":      func(c *ledger.Certificate) string { return c.StudentID },
	"degree":          func(c *ledger.Certificate) string { return c.Degree },
	"institution":     func(c *ledger.Certificate) string { return c.Institution },
	"issue_date":      func(c *ledger.Certificate) string { return c.IssueDate },
	"grade":           func(c *ledger.Certificate) string { return c.Grade },
	"graduation_date": func(c *ledger.Certificate) string { return c.GraduationDate },
	"certificate_id":  func(c *ledger.Certificate) string { return c.CertificateID },
	"issuer":          func(c *ledger.Certificate) string { return c.Issuer },
	"content_hash":    func(c *ledger.Certificate) string { return c.ContentHash },
}

// Search lists sealed certificates whose fields match every criterion,
// ignoring case. Each certificate is reported once, in chain order.
func (i *Issuer) Search(ctx context.Context, criteria map[string]string) ([]CertificateView, error) {
	for key := range criteria {
		if _, ok := searchFields[key]; !ok {
			return nil, fmt.Errorf("%w: unknown search criterion %q", ErrValidation, key)
		}
	}

	seen := make(map[string]struct{})
	var results []CertificateView
	for _, b := range i.ledger.Blocks() {
		for _, r := range b.Payload.Records {
			if r.Kind != ledger.KindCertificate || r.Certificate == nil {
				continue
			}
			if _, ok := seen[r.Certificate.ContentHash]; ok || !matches(r.Certificate, criteria) {
				continue
			}
			seen[r.Certificate.ContentHash] = struct{}{}
			view, err := i.Verify(ctx, r.Certificate.ContentHash)
			switch {
			case errors.Is(err, ErrNotFound):
				continue
			case err != nil:
				return nil, err
			}
			results = append(results, view)
		}
	}
	return results, nil
}

func matches(c *ledger.Certificate, criteria map[string]string) bool {
	for key, value := range criteria {
		if !strings.EqualFold(searchFields[key](c), value) {
			return false
		}
	}
	return true
}

// Revocation is the outcome of Revoke.
type Revocation struct {
	ContentHash string    `json:"content_hash"`
	RevokedBy   string    `json:"revoked_by"`
	Reason      string    `json:"reason"`
	RevokedAt   time.Time `json:"revoked_at"`
	BlockIndex  uint64    `json:"block_index"`
	BlockDigest string    `json:"block_digest"`
}

// Revoke withdraws a sealed certificate. Any active institution may revoke
// any certificate.
func (i *Issuer) Revoke(ctx context.Context, authorityID, contentHash, reason string) (Revocation, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.ledger.IsActiveAuthority(authorityID) {
		return Revocation{}, fmt.Errorf("%w: %s", ErrUnauthorized, authorityID)
	}
	entry, err := i.ledger.Lookup(ctx, contentHash)
	if err != nil {
		return Revocation{}, err
	}
	if entry.Status == ledger.StatusRevoked {
		return Revocation{}, &AlreadyRevokedError{ContentHash: contentHash, BlockIndex: i.revokedIn(contentHash)}
	}

	b, err := i.ledger.SubmitRevocation(ctx, contentHash, authorityID, reason)
	switch {
	case errors.Is(err, ledger.ErrAuthorityNotActive):
		return Revocation{}, fmt.Errorf("%w: %s", ErrUnauthorized, authorityID)
	case err != nil:
		return Revocation{}, fmt.Errorf("revoking certificate: %w", err)
	}

	revokedMetric.WithLabelValues(authorityID).Inc()
	logging.FromContext(ctx).Info("revoked certificate",
		zap.String("authority", authorityID),
		zap.String("content_hash", contentHash),
		zap.String("reason", reason),
		zap.Uint64("block", b.Index),
	)
	return Revocation{
		ContentHash: contentHash,
		RevokedBy:   authorityID,
		Reason:      reason,
		RevokedAt:   b.CreatedAt,
		BlockIndex:  b.Index,
		BlockDigest: b.Digest,
	}, nil
}

// revokedIn finds the latest block revoking contentHash.
func (i *Issuer) revokedIn(contentHash string) uint64 {
	blocks := i.ledger.Blocks()
	for j := len(blocks) - 1; j > 0; j-- {
		for _, r := range blocks[j].Payload.Records {
			if r.Kind == ledger.KindRevocation && r.Revocation != nil && r.Revocation.TargetHash == contentHash {
				return blocks[j].Index
			}
		}
	}
	return 0
}

type CertificateSummary struct {
	StudentName string `json:"student_name"`
	Degree      string `json:"degree"`
	IssueDate   string `json:"issue_date"`
	ContentHash string `json:"content_hash"`
}

type Statistics struct {
	AuthorityID     string               `json:"authority_id"`
	InstitutionName string               `json:"institution_name"`
	Total           int                  `json:"total_certificates"`
	Active          int                  `json:"active_certificates"`
	Revoked         int                  `json:"revoked_certificates"`
	Recent          []CertificateSummary `json:"recent_certificates"`
}

// Statistics counts the certificates in blocks sealed by the institution.
// Recent lists the newest ones first.
func (i *Issuer) Statistics(ctx context.Context, authorityID string) (Statistics, error) {
	authority, err := i.ledger.Authority(authorityID)
	if err != nil || authority.Status != ledger.AuthorityActive {
		return Statistics{}, fmt.Errorf("%w: %s", ErrUnauthorized, authorityID)
	}
	stats := Statistics{
		AuthorityID:     authorityID,
		InstitutionName: authority.InstitutionName,
		Recent:          []CertificateSummary{},
	}

	blocks := i.ledger.Blocks()
	for j := len(blocks) - 1; j > 0; j-- {
		b := blocks[j]
		if b.SealedBy != authorityID {
			continue
		}
		for k := len(b.Payload.Records) - 1; k >= 0; k-- {
			r := b.Payload.Records[k]
			if r.Kind != ledger.KindCertificate || r.Certificate == nil {
				continue
			}
			stats.Total++
			entry, err := i.ledger.Lookup(ctx, r.Certificate.ContentHash)
			switch {
			case err == nil && entry.Status == ledger.StatusRevoked:
				stats.Revoked++
			case err == nil || errors.Is(err, ErrNotFound):
				stats.Active++
			default:
				return Statistics{}, err
			}
			if len(stats.Recent) < recentLimit {
				stats.Recent = append(stats.Recent, CertificateSummary{
					StudentName: r.Certificate.StudentName,
					Degree:      r.Certificate.Degree,
					IssueDate:   r.Certificate.IssueDate,
					ContentHash: r.Certificate.ContentHash,
				})
			}
		}
	}
	return stats, nil
}

// IntegrityReport tells whether a certificate presented by a third party is
// authentic and known to the ledger.
type IntegrityReport struct {
	SignatureValid bool   `json:"signature_valid"`
	LedgerIndexed  bool   `json:"ledger_indexed"`
	OverallValid   bool   `json:"overall_valid"`
	ContentHash    string `json:"content_hash"`
}

// ValidateIntegrity checks the embedded signature against the embedded
// public key and looks up the re-derived content hash.
func (i *Issuer) ValidateIntegrity(ctx context.Context, cert ledger.Certificate) IntegrityReport {
	var report IntegrityReport
	_, err := signing.NewFromCanonical(signedContent(&cert), cert.Signature, cert.PublicKey,
		signing.WithKeyParser(i.publicKey))
	switch {
	case err == nil:
		report.SignatureValid = true
	case errors.Is(err, signing.ErrInvalidPublicKey):
		logging.FromContext(ctx).Debug("invalid embedded public key", zap.Error(err))
	}
	if contentHash, err := cert.Content.Hash(); err == nil {
		report.ContentHash = contentHash
		_, err := i.ledger.Lookup(ctx, contentHash)
		report.LedgerIndexed = err == nil
	}
	report.OverallValid = report.SignatureValid && report.LedgerIndexed
	return report
}

func (i *Issuer) publicKey(pemKey string) (*rsa.PublicKey, error) {
	if cached, ok := i.pubkeys.Get(pemKey); ok {
		return cached.(*rsa.PublicKey), nil
	}
	pub, err := signing.ParsePublicKey(pemKey)
	if err != nil {
		return nil, err
	}
	i.pubkeys.Add(pemKey, pub)
	return pub, nil
}

func (i *Issuer) Summary(ctx context.Context) ledger.Summary {
	return i.ledger.Summary(ctx)
}
