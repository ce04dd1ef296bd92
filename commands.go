package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"

	"github.com/spacemeshos/certchain/issuer"
	"github.com/spacemeshos/certchain/ledger"
	"github.com/spacemeshos/certchain/logging"
	"github.com/spacemeshos/certchain/server"
)

func addCommands(parser *flags.Parser, a *app) error {
	commands := []struct {
		name, short, long string
		data              any
	}{
		{"register", "Register an institution", "Generates a key pair for the institution and registers it as an authority.", &registerCommand{app: a}},
		{"issue", "Issue a certificate", "Signs a certificate with the institution key and seals it into a new block.", &issueCommand{app: a}},
		{"verify", "Verify a certificate", "Looks up a certificate by its content hash.", &verifyCommand{app: a}},
		{"search", "Search certificates", "Lists certificates matching every given criterion, ignoring case.", &searchCommand{app: a}},
		{"revoke", "Revoke a certificate", "Seals the revocation of a certificate into a new block.", &revokeCommand{app: a}},
		{"stats", "Institution statistics", "Counts the certificates sealed by an institution.", &statsCommand{app: a}},
		{"summary", "Ledger summary", "Aggregates the state of the whole chain.", &summaryCommand{app: a}},
		{"validate", "Validate the chain or a certificate", "Audits the whole chain, or checks the integrity of a certificate document.", &validateCommand{app: a}},
		{"reindex", "Rebuild the certificate index", "Rebuilds the certificate index from the sealed blocks.", &reindexCommand{app: a}},
		{"serve", "Run the ledger service", "Audits the chain periodically and serves metrics until interrupted.", &serveCommand{app: a}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			return fmt.Errorf("adding command %s: %w", c.name, err)
		}
	}
	return nil
}

//nolint:lll
type registerCommand struct {
	app *app

	Name        string `long:"name" description:"The institution name"                                     required:"yes"`
	AuthorityID string `long:"id"   description:"The authority id, derived from the name when not set"`
}

func (c *registerCommand) Execute([]string) error {
	return c.app.run("register", func(ctx context.Context, srv *server.Server) (any, error) {
		return srv.Issuer().RegisterInstitution(ctx, c.Name, c.AuthorityID)
	})
}

//nolint:lll
type issueCommand struct {
	app *app

	Authority      string `long:"authority"       description:"The issuing institution"                  required:"yes"`
	StudentName    string `long:"student-name"    description:"Full name of the student"`
	StudentID      string `long:"student-id"      description:"Institution specific student id"`
	Degree         string `long:"degree"          description:"The awarded degree"`
	Institution    string `long:"institution"     description:"The awarding institution, as printed"`
	IssueDate      string `long:"issue-date"      description:"Issue date, e.g. 2024-06-15"`
	Grade          string `long:"grade"           description:"The grade, Pass when not set"`
	GraduationDate string `long:"graduation-date" description:"Graduation date, the issue date when not set"`
}

func (c *issueCommand) Execute([]string) error {
	return c.app.run("issue", func(ctx context.Context, srv *server.Server) (any, error) {
		return srv.Issuer().IssueCertificate(ctx, c.Authority, issuer.StudentRecord{
			Content: ledger.Content{
				StudentName: c.StudentName,
				StudentID:   c.StudentID,
				Degree:      c.Degree,
				Institution: c.Institution,
				IssueDate:   c.IssueDate,
			},
			Grade:          c.Grade,
			GraduationDate: c.GraduationDate,
		})
	})
}

type contentHashArg struct {
	ContentHash string `positional-arg-name:"content-hash" required:"yes"`
}

type verifyCommand struct {
	app *app

	Args contentHashArg `positional-args:"yes"`
}

func (c *verifyCommand) Execute([]string) error {
	return c.app.run("verify", func(ctx context.Context, srv *server.Server) (any, error) {
		return srv.Issuer().Verify(ctx, c.Args.ContentHash)
	})
}

type searchCommand struct {
	app *app

	Criteria map[string]string `long:"by" description:"A search criterion as field=value, e.g. student_name=alice" key-value-delimiter:"="`
}

func (c *searchCommand) Execute([]string) error {
	return c.app.run("search", func(ctx context.Context, srv *server.Server) (any, error) {
		results, err := srv.Issuer().Search(ctx, c.Criteria)
		if err != nil {
			return nil, err
		}
		if results == nil {
			results = []issuer.CertificateView{}
		}
		return results, nil
	})
}

type revokeCommand struct {
	app *app

	Authority string `long:"authority" description:"The revoking institution" required:"yes"`
	Reason    string `long:"reason"    description:"Why the certificate is revoked" required:"yes"`

	Args contentHashArg `positional-args:"yes"`
}

func (c *revokeCommand) Execute([]string) error {
	return c.app.run("revoke", func(ctx context.Context, srv *server.Server) (any, error) {
		return srv.Issuer().Revoke(ctx, c.Authority, c.Args.ContentHash, c.Reason)
	})
}

type statsCommand struct {
	app *app

	Authority string `long:"authority" description:"The institution" required:"yes"`
}

func (c *statsCommand) Execute([]string) error {
	return c.app.run("stats", func(ctx context.Context, srv *server.Server) (any, error) {
		return srv.Issuer().Statistics(ctx, c.Authority)
	})
}

type summaryCommand struct {
	app *app
}

func (c *summaryCommand) Execute([]string) error {
	return c.app.run("summary", func(ctx context.Context, srv *server.Server) (any, error) {
		return srv.Issuer().Summary(ctx), nil
	})
}

type validateCommand struct {
	app *app

	Certificate flags.Filename `long:"certificate" description:"A certificate document (JSON) to check instead of the chain"`
}

type chainReport struct {
	Valid      bool     `json:"is_valid"`
	Height     int      `json:"height"`
	Violations []string `json:"violations"`
}

func (c *validateCommand) Execute([]string) error {
	return c.app.run("validate", func(ctx context.Context, srv *server.Server) (any, error) {
		if c.Certificate != "" {
			data, err := os.ReadFile(string(c.Certificate))
			if err != nil {
				return nil, err
			}
			var cert ledger.Certificate
			if err := json.Unmarshal(data, &cert); err != nil {
				return nil, fmt.Errorf("%w: decoding certificate: %v", issuer.ErrValidation, err)
			}
			return srv.Issuer().ValidateIntegrity(ctx, cert), nil
		}

		report := chainReport{Height: srv.Ledger().Height(), Violations: []string{}}
		if err := srv.Ledger().Audit(ctx); err != nil {
			violations := []error{err}
			var merr *multierror.Error
			if errors.As(err, &merr) {
				violations = merr.Errors
			}
			for _, v := range violations {
				report.Violations = append(report.Violations, v.Error())
			}
		}
		report.Valid = len(report.Violations) == 0
		return report, nil
	})
}

type reindexCommand struct {
	app *app
}

func (c *reindexCommand) Execute([]string) error {
	return c.app.run("reindex", func(ctx context.Context, srv *server.Server) (any, error) {
		n, err := srv.Ledger().Reindex(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int{"entries": n}, nil
	})
}

type serveCommand struct {
	app *app
}

func (c *serveCommand) Execute([]string) error {
	cfg := c.app.cfg
	logger := c.app.logger(true).With(zap.Stringer("session_id", uuid.New()))
	defer logger.Sync() //nolint:errcheck
	ctx := logging.NewContext(context.Background(), logger)

	logger.Sugar().Infof("version: %s, dir: %v, datadir: %v, dbdir: %v", version, cfg.BaseDir, cfg.DataDir, cfg.DbDir)
	defer func() {
		logger.Info("shutdown complete")
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	srv, err := server.New(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer srv.Close()
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failure in server: %w", err)
	}
	return nil
}
