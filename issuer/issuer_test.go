package issuer_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/spacemeshos/certchain/hash"
	"github.com/spacemeshos/certchain/issuer"
	"github.com/spacemeshos/certchain/keystore"
	"github.com/spacemeshos/certchain/ledger"
	"github.com/spacemeshos/certchain/ledger/mocks"
	"github.com/spacemeshos/certchain/logging"
	"github.com/spacemeshos/certchain/signing"
)

type fixture struct {
	issuer *issuer.Issuer
	ledger *ledger.Ledger
	store  *ledger.LevelDBStore
	keys   *keystore.Store
	clock  *clock.Mock
}

func setup(t *testing.T) (context.Context, *fixture) {
	t.Helper()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))
	dir := t.TempDir()

	store, err := ledger.NewLevelDBStore(filepath.Join(dir, "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	clk := clock.NewMock()
	l, err := ledger.New(ctx, store, ledger.WithClock(clk))
	require.NoError(t, err)
	keys, err := keystore.New(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	iss, err := issuer.New(l, keys, issuer.WithClock(clk))
	require.NoError(t, err)
	return ctx, &fixture{issuer: iss, ledger: l, store: store, keys: keys, clock: clk}
}

func alice() issuer.StudentRecord {
	return issuer.StudentRecord{Content: ledger.Content{
		StudentName: "Alice Johnson",
		StudentID:   "S1",
		Degree:      "BS CS",
		Institution: "MIT",
		IssueDate:   "2024-06-15",
	}}
}

func student(n int) issuer.StudentRecord {
	return issuer.StudentRecord{Content: ledger.Content{
		StudentName: fmt.Sprintf("Student %d", n),
		StudentID:   fmt.Sprintf("S%d", n),
		Degree:      "BA History",
		Institution: "MIT",
		IssueDate:   "2024-06-15",
	}}
}

func TestNewRejectsSmallKeys(t *testing.T) {
	t.Parallel()
	cfg := issuer.DefaultConfig()
	cfg.KeyBits = 1024
	_, err := issuer.New(nil, nil, issuer.WithConfig(cfg))
	require.ErrorIs(t, err, signing.ErrKeyTooSmall)
}

func TestAuthorityID(t *testing.T) {
	t.Parallel()
	require.Equal(t, "massachusetts_institute_of_technology", issuer.AuthorityID("Massachusetts Institute of Technology"))
	require.Equal(t, "st_john's_college", issuer.AuthorityID("St. John's College"))
}

func TestCertificateID(t *testing.T) {
	t.Parallel()
	require.Equal(t, "30A5E005ABFF", issuer.CertificateID(alice().Content))
}

func TestRegisterInstitution(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)

	reg, err := f.issuer.RegisterInstitution(ctx, "Massachusetts Institute of Technology", "")
	require.NoError(t, err)
	require.Equal(t, "massachusetts_institute_of_technology", reg.AuthorityID)
	require.True(t, f.ledger.IsActiveAuthority(reg.AuthorityID))

	key, err := f.keys.Load(reg.AuthorityID)
	require.NoError(t, err)
	pub, err := signing.ParsePublicKey(reg.PublicKey)
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(pub))

	authority, err := f.ledger.Authority(reg.AuthorityID)
	require.NoError(t, err)
	require.Equal(t, reg.PublicKey, authority.PublicKey)

	t.Run("duplicate", func(t *testing.T) {
		_, err := f.issuer.RegisterInstitution(ctx, "MIT again", reg.AuthorityID)
		require.ErrorIs(t, err, issuer.ErrDuplicate)

		// the original key is kept
		again, err := f.keys.Load(reg.AuthorityID)
		require.NoError(t, err)
		require.True(t, key.Equal(again))
	})

	t.Run("orphaned key", func(t *testing.T) {
		stray, err := f.keys.Load(reg.AuthorityID)
		require.NoError(t, err)
		require.NoError(t, f.keys.Save("stray", stray))
		_, err = f.issuer.RegisterInstitution(ctx, "Stray", "stray")
		require.ErrorIs(t, err, issuer.ErrDuplicate)
		require.False(t, f.ledger.IsActiveAuthority("stray"))
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := f.issuer.RegisterInstitution(ctx, "", "x")
		require.ErrorIs(t, err, issuer.ErrValidation)
	})

	t.Run("system id is reserved", func(t *testing.T) {
		_, err := f.issuer.RegisterInstitution(ctx, "System", "")
		require.ErrorIs(t, err, issuer.ErrDuplicate)
		require.False(t, f.ledger.IsActiveAuthority(ledger.SystemAuthority))
		require.False(t, f.keys.Has(ledger.SystemAuthority))

		_, err = f.issuer.IssueCertificate(ctx, ledger.SystemAuthority, alice())
		require.ErrorIs(t, err, issuer.ErrUnauthorized)
		require.Equal(t, 0, f.ledger.Height())
	})
}

func TestRegisterInstitutionRemovesKeyOnFailure(t *testing.T) {
	t.Parallel()
	ctx := logging.NewContext(context.Background(), zaptest.NewLogger(t))

	store := mocks.NewMockStore(gomock.NewController(t))
	store.EXPECT().LoadAuthorities(gomock.Any()).Return(nil, nil)
	store.EXPECT().LoadBlocks(gomock.Any()).Return(nil, nil)
	store.EXPECT().CommitBlock(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	store.EXPECT().PutAuthority(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	l, err := ledger.New(ctx, store)
	require.NoError(t, err)
	keys, err := keystore.New(t.TempDir())
	require.NoError(t, err)
	iss, err := issuer.New(l, keys)
	require.NoError(t, err)

	_, err = iss.RegisterInstitution(ctx, "MIT", "mit")
	require.Error(t, err)
	require.False(t, keys.Has("mit"))
	require.False(t, l.IsActiveAuthority("mit"))
}

// register authority, issue a certificate, verify it.
func TestIssueAndVerify(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)

	f.clock.Add(time.Hour)
	receipt, err := f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)
	require.Len(t, receipt.ContentHash, hash.Size)
	require.EqualValues(t, 1, receipt.BlockIndex)
	require.Len(t, f.ledger.Blocks(), 2)

	cert := receipt.Certificate
	require.Equal(t, receipt.ContentHash, cert.ContentHash)
	require.Equal(t, issuer.DefaultGrade, cert.Grade)
	require.Equal(t, "2024-06-15", cert.GraduationDate)
	require.Equal(t, "30A5E005ABFF", cert.CertificateID)
	require.Equal(t, "mit", cert.Issuer)
	require.Equal(t, f.clock.Now().UTC(), cert.IssuedAt)

	pub, err := signing.ParsePublicKey(cert.PublicKey)
	require.NoError(t, err)
	require.True(t, signing.Verify(pub, issuer.SignedContent{Content: cert.Content, Issuer: "mit", IssuedAt: cert.IssuedAt}, cert.Signature))

	view, err := f.issuer.Verify(ctx, receipt.ContentHash)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusValid, view.Status)
	require.EqualValues(t, 1, view.BlockIndex)
	require.Equal(t, receipt.BlockDigest, view.BlockDigest)
	require.Equal(t, "mit", view.SealedBy)
	require.Equal(t, cert, view.Certificate)

	_, err = f.issuer.Verify(ctx, hash.Sum([]byte("nothing")))
	require.ErrorIs(t, err, issuer.ErrNotFound)
}

func TestIssueKeepsExplicitExtras(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)

	rec := alice()
	rec.Grade = "Magna Cum Laude"
	rec.GraduationDate = "2024-05-30"
	receipt, err := f.issuer.IssueCertificate(ctx, "mit", rec)
	require.NoError(t, err)
	require.Equal(t, "Magna Cum Laude", receipt.Certificate.Grade)
	require.Equal(t, "2024-05-30", receipt.Certificate.GraduationDate)
}

func TestIssueErrors(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)

	t.Run("missing field is reported first", func(t *testing.T) {
		rec := alice()
		rec.IssueDate = ""
		_, err := f.issuer.IssueCertificate(ctx, "nobody", rec)
		var missing *issuer.MissingFieldError
		require.ErrorAs(t, err, &missing)
		require.Equal(t, "issue_date", missing.Field)
		require.ErrorIs(t, err, issuer.ErrValidation)
	})

	t.Run("unregistered", func(t *testing.T) {
		_, err := f.issuer.IssueCertificate(ctx, "nobody", alice())
		require.ErrorIs(t, err, issuer.ErrUnauthorized)
	})

	t.Run("invalid UTF-8", func(t *testing.T) {
		rec := alice()
		rec.StudentName = "Alice \xff"
		_, err := f.issuer.IssueCertificate(ctx, "nobody", rec)
		var malformed *issuer.MalformedFieldError
		require.ErrorAs(t, err, &malformed)
		require.Equal(t, "student_name", malformed.Field)
		require.ErrorIs(t, err, issuer.ErrValidation)

		rec = alice()
		rec.Grade = "A\xfe"
		_, err = f.issuer.IssueCertificate(ctx, "nobody", rec)
		require.ErrorAs(t, err, &malformed)
		require.Equal(t, "grade", malformed.Field)
	})

	t.Run("no key", func(t *testing.T) {
		require.NoError(t, f.ledger.RegisterAuthority(ctx, "keyless", "Keyless", "pem"))
		_, err := f.issuer.IssueCertificate(ctx, "keyless", alice())
		require.ErrorIs(t, err, issuer.ErrKeyNotFound)
	})

	require.Equal(t, 0, f.ledger.Height())
}

// revoke an issued certificate, its sealed block stays as it was.
func TestRevoke(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)
	receipt, err := f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)

	sealed, err := f.ledger.Block(1)
	require.NoError(t, err)
	before, err := hash.Canonical(sealed.Payload)
	require.NoError(t, err)

	rev, err := f.issuer.Revoke(ctx, "mit", receipt.ContentHash, "test")
	require.NoError(t, err)
	require.EqualValues(t, 2, rev.BlockIndex)
	require.Equal(t, "mit", rev.RevokedBy)
	require.Equal(t, "test", rev.Reason)
	require.Len(t, f.ledger.Blocks(), 3)

	view, err := f.issuer.Verify(ctx, receipt.ContentHash)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRevoked, view.Status)
	require.EqualValues(t, 1, view.BlockIndex)

	sealed, err = f.ledger.Block(1)
	require.NoError(t, err)
	after, err := hash.Canonical(sealed.Payload)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.True(t, f.ledger.Validate(ctx))

	t.Run("twice", func(t *testing.T) {
		_, err := f.issuer.Revoke(ctx, "mit", receipt.ContentHash, "again")
		require.ErrorIs(t, err, issuer.ErrAlreadyRevoked)
		var revoked *issuer.AlreadyRevokedError
		require.ErrorAs(t, err, &revoked)
		require.EqualValues(t, 2, revoked.BlockIndex)
		require.Equal(t, 2, f.ledger.Height())
	})

	t.Run("unknown certificate", func(t *testing.T) {
		unknown := hash.Sum([]byte("unknown"))
		_, err := f.issuer.Revoke(ctx, "mit", unknown, "test")
		require.ErrorIs(t, err, issuer.ErrNotFound)
		require.Equal(t, 2, f.ledger.Height())
		_, err = f.ledger.Lookup(ctx, unknown)
		require.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("unregistered", func(t *testing.T) {
		_, err := f.issuer.Revoke(ctx, "eve", receipt.ContentHash, "test")
		require.ErrorIs(t, err, issuer.ErrUnauthorized)
	})
}

func TestRevokeByAnotherInstitution(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)
	_, err = f.issuer.RegisterInstitution(ctx, "Harvard", "harvard")
	require.NoError(t, err)
	receipt, err := f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)

	rev, err := f.issuer.Revoke(ctx, "harvard", receipt.ContentHash, "misconduct")
	require.NoError(t, err)
	b, err := f.ledger.Block(rev.BlockIndex)
	require.NoError(t, err)
	require.Equal(t, "harvard", b.SealedBy)
}

// the same certificate issued twice shares its content hash, the index
// follows the latest seal.
func TestIssueTwice(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)

	first, err := f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	second, err := f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)

	require.Equal(t, first.ContentHash, second.ContentHash)
	require.NotEqual(t, first.BlockIndex, second.BlockIndex)
	require.NotEqual(t, first.Certificate.Signature, second.Certificate.Signature)

	view, err := f.issuer.Verify(ctx, first.ContentHash)
	require.NoError(t, err)
	require.Equal(t, second.BlockIndex, view.BlockIndex)
	require.Equal(t, second.Certificate.IssuedAt, view.Certificate.IssuedAt)
	require.Equal(t, 2, f.issuer.Summary(ctx).CertificateCount)
}

// a block modified after sealing invalidates the chain at that block.
func TestTamperedBlock(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)
	_, err = f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)
	_, err = f.issuer.IssueCertificate(ctx, "mit", student(2))
	require.NoError(t, err)
	require.True(t, f.issuer.Summary(ctx).Valid)

	b, err := f.ledger.Block(1)
	require.NoError(t, err)
	b.Payload.Records[0].Certificate.Grade = "Summa Cum Laude"
	// the returned block is a copy
	require.True(t, f.issuer.Summary(ctx).Valid)

	require.NoError(t, f.store.CommitBlock(ctx, b, nil))
	reloaded, err := ledger.New(ctx, f.store)
	require.NoError(t, err)
	iss, err := issuer.New(reloaded, f.keys)
	require.NoError(t, err)

	require.False(t, iss.Summary(ctx).Valid)
	err = reloaded.Verify(ctx)
	var integrityErr *ledger.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	require.EqualValues(t, 1, integrityErr.Index)
}

func TestSearch(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)

	a, err := f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)
	_, err = f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)
	_, err = f.issuer.IssueCertificate(ctx, "mit", student(2))
	require.NoError(t, err)

	tests := []struct {
		name     string
		criteria map[string]string
		count    int
	}{
		{"everything", nil, 2},
		{"case insensitive", map[string]string{"student_name": "alice JOHNSON"}, 1},
		{"every criterion must match", map[string]string{"student_name": "Alice Johnson", "degree": "BA History"}, 0},
		{"by institution", map[string]string{"institution": "mit"}, 2},
		{"by certificate id", map[string]string{"certificate_id": "30a5e005abff"}, 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			results, err := f.issuer.Search(ctx, tc.criteria)
			require.NoError(t, err)
			require.Len(t, results, tc.count)
		})
	}

	results, err := f.issuer.Search(ctx, map[string]string{"student_id": "s1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, a.ContentHash, results[0].Certificate.ContentHash)
	require.EqualValues(t, 2, results[0].BlockIndex)

	_, err = f.issuer.Search(ctx, map[string]string{"favourite_color": "blue"})
	require.ErrorIs(t, err, issuer.ErrValidation)
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)
	_, err = f.issuer.RegisterInstitution(ctx, "Harvard", "harvard")
	require.NoError(t, err)

	var hashes []string
	for n := 0; n < 12; n++ {
		r, err := f.issuer.IssueCertificate(ctx, "mit", student(n))
		require.NoError(t, err)
		hashes = append(hashes, r.ContentHash)
	}
	_, err = f.issuer.IssueCertificate(ctx, "harvard", student(100))
	require.NoError(t, err)
	// revoked by harvard, still an mit certificate
	_, err = f.issuer.Revoke(ctx, "harvard", hashes[0], "fraud")
	require.NoError(t, err)

	stats, err := f.issuer.Statistics(ctx, "mit")
	require.NoError(t, err)
	require.Equal(t, "MIT", stats.InstitutionName)
	require.Equal(t, 12, stats.Total)
	require.Equal(t, 11, stats.Active)
	require.Equal(t, 1, stats.Revoked)
	require.Len(t, stats.Recent, 10)
	require.Equal(t, hashes[11], stats.Recent[0].ContentHash)
	require.Equal(t, hashes[2], stats.Recent[9].ContentHash)

	stats, err = f.issuer.Statistics(ctx, "harvard")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)

	_, err = f.issuer.Statistics(ctx, "eve")
	require.ErrorIs(t, err, issuer.ErrUnauthorized)
}

func TestValidateIntegrity(t *testing.T) {
	t.Parallel()
	ctx, f := setup(t)
	_, err := f.issuer.RegisterInstitution(ctx, "MIT", "mit")
	require.NoError(t, err)
	receipt, err := f.issuer.IssueCertificate(ctx, "mit", alice())
	require.NoError(t, err)

	report := f.issuer.ValidateIntegrity(ctx, receipt.Certificate)
	require.Equal(t, issuer.IntegrityReport{
		SignatureValid: true,
		LedgerIndexed:  true,
		OverallValid:   true,
		ContentHash:    receipt.ContentHash,
	}, report)

	t.Run("tampered", func(t *testing.T) {
		cert := receipt.Certificate
		cert.Degree = "PhD Physics"
		report := f.issuer.ValidateIntegrity(ctx, cert)
		require.False(t, report.SignatureValid)
		require.False(t, report.LedgerIndexed)
		require.False(t, report.OverallValid)
	})

	t.Run("invalid UTF-8 never matches", func(t *testing.T) {
		cert := receipt.Certificate
		cert.StudentName = "Alice Johnson\xff"
		report := f.issuer.ValidateIntegrity(ctx, cert)
		require.False(t, report.SignatureValid)
		require.False(t, report.LedgerIndexed)
		require.False(t, report.OverallValid)
		require.Empty(t, report.ContentHash)
	})

	t.Run("unparseable key", func(t *testing.T) {
		cert := receipt.Certificate
		cert.PublicKey = "garbage"
		report := f.issuer.ValidateIntegrity(ctx, cert)
		require.False(t, report.SignatureValid)
		require.True(t, report.LedgerIndexed)
		require.False(t, report.OverallValid)
	})
}
