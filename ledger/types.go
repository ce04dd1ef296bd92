package ledger

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/spacemeshos/certchain/hash"
)

const (
	// GenesisPreviousHash is the previous hash of the first block.
	GenesisPreviousHash = "0"
	// SystemAuthority seals the first block. It is never a registered authority.
	SystemAuthority = "system"
)

var ErrInvalidRecord = errors.New("invalid record")

// MissingFieldError names the first required field found empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

func (e *MissingFieldError) Unwrap() error {
	return ErrInvalidRecord
}

// MalformedFieldError names a field whose value cannot be hashed.
type MalformedFieldError struct {
	Field string
}

func (e *MalformedFieldError) Error() string {
	return fmt.Sprintf("field is not valid UTF-8: %s", e.Field)
}

func (e *MalformedFieldError) Unwrap() error {
	return ErrInvalidRecord
}

type AuthorityStatus string

const (
	AuthorityActive   AuthorityStatus = "active"
	AuthorityInactive AuthorityStatus = "inactive"
)

// Authority is an institution allowed to submit and seal records.
type Authority struct {
	ID              string
	InstitutionName string
	// PublicKey is the PEM encoded verification key.
	PublicKey    string
	Status       AuthorityStatus
	RegisteredAt time.Time
}

type RecordKind string

const (
	KindCertificate RecordKind = "certificate"
	KindRevocation  RecordKind = "revocation"
)

// Content is the set of fields that defines a certificate's identity.
type Content struct {
	StudentName string `json:"student_name"`
	StudentID   string `json:"student_id"`
	Degree      string `json:"degree"`
	Institution string `json:"institution"`
	IssueDate   string `json:"issue_date"`
}

// Validate checks the fields in their canonical order and reports the first
// one that is empty or not valid UTF-8.
func (c Content) Validate() error {
	fields := []struct{ name, value string }{
		{"student_name", c.StudentName},
		{"student_id", c.StudentID},
		{"degree", c.Degree},
		{"institution", c.Institution},
		{"issue_date", c.IssueDate},
	}
	for _, f := range fields {
		if f.value == "" {
			return &MissingFieldError{Field: f.name}
		}
		if !utf8.ValidString(f.value) {
			return &MalformedFieldError{Field: f.name}
		}
	}
	return nil
}

// Hash is the content hash of the certificate, a pure function of the five
// identity fields.
func (c Content) Hash() (string, error) {
	return hash.Digest(c)
}

// Certificate is the issued document sealed into a block.
type Certificate struct {
	Content
	ContentHash    string    `json:"content_hash"`
	CertificateID  string    `json:"certificate_id,omitempty"`
	Grade          string    `json:"grade,omitempty"`
	GraduationDate string    `json:"graduation_date,omitempty"`
	Issuer         string    `json:"issuer"`
	IssuedAt       time.Time `json:"issued_at"`
	Signature      []byte    `json:"signature,omitempty"`
	PublicKey      string    `json:"public_key,omitempty"`
}

// Revocation withdraws a previously sealed certificate.
type Revocation struct {
	TargetHash string    `json:"target_hash"`
	Reason     string    `json:"reason"`
	RevokedAt  time.Time `json:"revoked_at"`
}

// Record is an entry of the pending pool and of a sealed block payload.
// Exactly one of Certificate and Revocation is set, matching Kind.
type Record struct {
	Kind        RecordKind   `json:"kind"`
	SubmittedAt time.Time    `json:"submitted_at"`
	SubmittedBy string       `json:"submitted_by"`
	Certificate *Certificate `json:"certificate,omitempty"`
	Revocation  *Revocation  `json:"revocation,omitempty"`
}

func newCertificateRecord(cert Certificate, authority string, now time.Time) (Record, error) {
	if err := cert.Content.Validate(); err != nil {
		return Record{}, err
	}
	extras := []struct{ name, value string }{
		{"certificate_id", cert.CertificateID},
		{"grade", cert.Grade},
		{"graduation_date", cert.GraduationDate},
		{"issuer", cert.Issuer},
		{"public_key", cert.PublicKey},
	}
	for _, f := range extras {
		if !utf8.ValidString(f.value) {
			return Record{}, &MalformedFieldError{Field: f.name}
		}
	}
	contentHash, err := cert.Content.Hash()
	if err != nil {
		return Record{}, fmt.Errorf("hashing certificate content: %w", err)
	}
	// the content hash is always derived, whatever the caller put there
	cert.ContentHash = contentHash
	return Record{
		Kind:        KindCertificate,
		SubmittedAt: now,
		SubmittedBy: authority,
		Certificate: &cert,
	}, nil
}

func newRevocationRecord(targetHash, reason, authority string, now time.Time) (Record, error) {
	if len(targetHash) != hash.Size {
		return Record{}, fmt.Errorf("%w: malformed content hash %q", ErrInvalidRecord, targetHash)
	}
	if !utf8.ValidString(reason) {
		return Record{}, &MalformedFieldError{Field: "reason"}
	}
	return Record{
		Kind:        KindRevocation,
		SubmittedAt: now,
		SubmittedBy: authority,
		Revocation: &Revocation{
			TargetHash: targetHash,
			Reason:     reason,
			RevokedAt:  now,
		},
	}, nil
}

// GenesisMarker is the payload of the first block.
type GenesisMarker struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedBy string    `json:"created_by"`
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the structured content of a block: either the genesis marker or
// a batch of sealed records.
type Payload struct {
	Genesis       *GenesisMarker `json:"genesis,omitempty"`
	Records       []Record       `json:"records,omitempty"`
	SealedBy      string         `json:"sealed_by,omitempty"`
	RecordCount   int            `json:"record_count"`
	RecordsDigest string         `json:"records_digest,omitempty"`
}

func newPayload(records []Record, authority string) (Payload, error) {
	recordsDigest, err := digestRecords(records)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		Records:       records,
		SealedBy:      authority,
		RecordCount:   len(records),
		RecordsDigest: recordsDigest,
	}, nil
}

// digestRecords is the digest of the ordered list of record digests.
func digestRecords(records []Record) (string, error) {
	digests := make([]string, 0, len(records))
	for _, r := range records {
		d, err := hash.Digest(r)
		if err != nil {
			return "", fmt.Errorf("hashing record: %w", err)
		}
		digests = append(digests, d)
	}
	d, err := hash.Digest(digests)
	if err != nil {
		return "", fmt.Errorf("hashing records: %w", err)
	}
	return d, nil
}

func (p Payload) clone() Payload {
	if p.Genesis != nil {
		g := *p.Genesis
		p.Genesis = &g
	}
	if p.Records != nil {
		records := make([]Record, len(p.Records))
		for i, r := range p.Records {
			if r.Certificate != nil {
				c := *r.Certificate
				c.Signature = append([]byte(nil), c.Signature...)
				r.Certificate = &c
			}
			if r.Revocation != nil {
				rev := *r.Revocation
				r.Revocation = &rev
			}
			records[i] = r
		}
		p.Records = records
	}
	return p
}

// Block is a sealed, hash linked unit of the chain.
type Block struct {
	Index        uint64
	CreatedAt    time.Time
	Payload      Payload
	PreviousHash string
	SealedBy     string
	Digest       string
}

// blockHeader is the hashed form of a block: every field except the digest.
type blockHeader struct {
	Index        uint64  `json:"index"`
	CreatedAt    int64   `json:"created_at"`
	Payload      Payload `json:"payload"`
	PreviousHash string  `json:"previous_hash"`
	SealedBy     string  `json:"sealed_by"`
}

func (b *Block) clone() *Block {
	c := *b
	c.Payload = b.Payload.clone()
	return &c
}

// ComputeDigest derives the block digest from its stored fields.
func (b *Block) ComputeDigest() (string, error) {
	return hash.Digest(blockHeader{
		Index:        b.Index,
		CreatedAt:    b.CreatedAt.UnixNano(),
		Payload:      b.Payload,
		PreviousHash: b.PreviousHash,
		SealedBy:     b.SealedBy,
	})
}

type CertificateStatus string

const (
	StatusValid   CertificateStatus = "valid"
	StatusRevoked CertificateStatus = "revoked"
)

// IndexEntry is the lookup view of a sealed certificate. It is a projection
// of the chain and can be rebuilt from it at any time.
type IndexEntry struct {
	ContentHash string
	Content
	BlockIndex uint64
	Status     CertificateStatus
}

// Summary aggregates the state of the chain.
type Summary struct {
	BlockCount       int    `json:"block_count"`
	CertificateCount int    `json:"certificate_count"`
	RevocationCount  int    `json:"revocation_count"`
	AuthorityCount   int    `json:"authority_count"`
	Valid            bool   `json:"is_valid"`
	LatestDigest     string `json:"latest_digest"`
}
