// Package cli implements ledgerctl, the administration tool for a
// receipt-ledger database.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/zombor/receipt-ledger/internal/classify"
	"github.com/zombor/receipt-ledger/internal/logging"
	"github.com/zombor/receipt-ledger/internal/receipt"
)

// EnvPrefix is shared with the server so both read the same settings
const EnvPrefix = "RECEIPT_LEDGER_"

// envFlags are the persistent flags that may come from the environment
var envFlags = []string{"db-driver", "db", "categories-file", "catch-all", "log-level"}

type options struct {
	dbDriver       string
	dbDSN          string
	categoriesFile string
	catchAll       string
	logLevel       string
}

// NewRootCommand builds the ledgerctl command tree
func NewRootCommand(version string) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Manage a receipt-ledger database",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyEnv(cmd.Root()); err != nil {
				return err
			}
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			logging.Setup(logging.Config{Level: level, Output: cmd.ErrOrStderr()})
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.dbDriver, "db-driver", receipt.DriverSQLite, "Database driver: sqlite, postgres or bolt")
	pf.StringVar(&opts.dbDSN, "db", "receipt-ledger.db", "Database file path, or connection string for postgres")
	pf.StringVar(&opts.categoriesFile, "categories-file", "", "JSON categories file used for seeding")
	pf.StringVar(&opts.catchAll, "catch-all", classify.DefaultCatchAll, "Category used when no keyword matches")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")

	root.AddCommand(
		newInitCmd(opts),
		newInfoCmd(opts),
		newSeedCmd(opts),
		newListCmd(opts),
		newCategoriesCmd(opts),
		newExtractCmd(opts),
		newExportCmd(opts),
	)
	return root
}

// applyEnv fills flags not given on the command line from
// RECEIPT_LEDGER_* variables, e.g. RECEIPT_LEDGER_DB_DRIVER.
func applyEnv(root *cobra.Command) error {
	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", "-")
	}), nil)
	if err != nil {
		return fmt.Errorf("loading config from environment: %w", err)
	}

	flags := root.PersistentFlags()
	for _, name := range envFlags {
		f := flags.Lookup(name)
		if f == nil || f.Changed || !k.Exists(name) {
			continue
		}
		if err := flags.Set(name, k.String(name)); err != nil {
			return fmt.Errorf("applying %s%s: %w", EnvPrefix, strings.ToUpper(strings.ReplaceAll(name, "-", "_")), err)
		}
	}
	return nil
}

func (o *options) openDB(ctx context.Context) (receipt.DB, error) {
	db, err := receipt.OpenDB(ctx, o.dbDriver, o.dbDSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	slog.Debug("Opened database", "driver", o.dbDriver)
	return db, nil
}

// seed returns the categories to seed and the catch-all name
func (o *options) seed() ([]classify.Category, string, error) {
	if o.categoriesFile == "" {
		return classify.DefaultCategories(), o.catchAll, nil
	}
	categories, catchAll, err := classify.LoadFile(o.categoriesFile)
	if err != nil {
		return nil, "", err
	}
	if catchAll == "" {
		catchAll = o.catchAll
	}
	return categories, catchAll, nil
}

// service opens the database and builds a receipt service around it
func (o *options) service(ctx context.Context) (*receipt.Service, receipt.DB, error) {
	db, err := o.openDB(ctx)
	if err != nil {
		return nil, nil, err
	}
	seed, catchAll, err := o.seed()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	classifier, err := receipt.LoadClassifier(ctx, db, seed, catchAll)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return receipt.NewService(db, nil, nil, classifier), db, nil
}
