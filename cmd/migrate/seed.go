package main

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/ksdme/mta/internal/dkim"
	"github.com/ksdme/mta/internal/models"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"gopkg.in/yaml.v3"
)

// Domains and aliases to load into a fresh database.
type seedFile struct {
	Domains []seedDomain `yaml:"domains"`
}

type seedDomain struct {
	Name     string `yaml:"name"`
	Selector string `yaml:"selector"`

	// Keys are generated when they are left out.
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyFile string `yaml:"private_key_file"`
	PublicKey      string `yaml:"public_key"`
	PublicKeyFile  string `yaml:"public_key_file"`

	Aliases []seedAlias `yaml:"aliases"`
}

type seedAlias struct {
	Local     string `yaml:"local"`
	ForwardTo string `yaml:"forward_to"`
	Active    *bool  `yaml:"active"`
}

func parseSeed(r io.Reader) (*seedFile, error) {
	var seed seedFile
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "could not parse seed file")
	}
	return &seed, nil
}

// Creates the domains and aliases of the seed. Rows that already
// exist are left alone.
func applySeed(ctx context.Context, db *bun.DB, seed *seedFile) error {
	for _, entry := range seed.Domains {
		domain, err := seedDomainRow(ctx, db, entry)
		if err != nil {
			return err
		}

		for _, entryAlias := range entry.Aliases {
			active := true
			if entryAlias.Active != nil {
				active = *entryAlias.Active
			}

			alias := &models.EmailAlias{
				DomainID:  domain.ID,
				LocalPart: entryAlias.Local,
				ForwardTo: entryAlias.ForwardTo,
				Active:    active,
			}
			err := models.CreateAlias(ctx, db, alias)
			if errors.Is(err, models.ErrAlreadyExists) {
				slog.Info("alias already exists, skipping", "domain", domain.Name, "local", entryAlias.Local)
				continue
			}
			if err != nil {
				return err
			}
			slog.Info("created alias", "domain", domain.Name, "local", alias.LocalPart, "to", alias.ForwardTo)
		}
	}

	return nil
}

func seedDomainRow(ctx context.Context, db *bun.DB, entry seedDomain) (*models.Domain, error) {
	existing, err := models.FindDomain(ctx, db, entry.Name)
	if err == nil {
		slog.Info("domain already exists, skipping", "domain", existing.Name)
		return existing, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	private, err := valueOrFile(entry.PrivateKey, entry.PrivateKeyFile)
	if err != nil {
		return nil, err
	}
	public, err := valueOrFile(entry.PublicKey, entry.PublicKeyFile)
	if err != nil {
		return nil, err
	}

	var record string
	if private == "" {
		pair, err := dkim.GenerateKeyPair(dkim.DefaultKeyBits)
		if err != nil {
			return nil, err
		}
		private, public, record = pair.PrivateKeyPEM, pair.PublicKeyPEM, pair.Record
	}

	// Keys are always stored as PKCS#1 PEM, whatever form they came in.
	private, err = dkim.NormalizePrivateKey(private)
	if err != nil {
		return nil, errors.Wrapf(err, "bad private key for %s", entry.Name)
	}

	domain := &models.Domain{
		Name:           entry.Name,
		DKIMSelector:   entry.Selector,
		DKIMPrivateKey: private,
		DKIMPublicKey:  public,
	}
	if err := models.CreateDomain(ctx, db, domain); err != nil {
		return nil, err
	}

	slog.Info("created domain", "domain", domain.Name, "selector", domain.DKIMSelector)
	if record != "" {
		slog.Info(
			"generated dkim key, publish this record",
			"name", domain.DKIMSelector+"._domainkey."+domain.Name,
			"value", record,
		)
	}
	return domain, nil
}

func valueOrFile(value string, path string) (string, error) {
	if value != "" || path == "" {
		return value, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "could not read %s", path)
	}
	return string(contents), nil
}
