package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/orchestratord", "orchestratord data directory")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migrating (default: <data-dir>/orchestrator.db.backup)")
)

// defaultTaskKillGracePeriod is applied by migration step 1 to any
// run-spec stored before TaskKillGracePeriod existed.
const defaultTaskKillGracePeriod = 5 * time.Second

func main() {
	flag.Parse()

	log.Init(log.Config{Level: log.InfoLevel})
	lg := log.WithComponent("migrate")
	lg.Info().Msg("orchestratord database migration tool")

	dbPath := filepath.Join(*dataDir, "orchestrator.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		lg.Fatal().Str("path", dbPath).Msg("database not found")
	}

	lg.Info().Str("path", dbPath).Bool("dry_run", *dryRun).Msg("opening database")

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		if err := copyFile(dbPath, backupFile); err != nil {
			lg.Fatal().Err(err).Msg("failed to create backup")
		}
		lg.Info().Str("path", backupFile).Msg("backup created")
	}

	if *dryRun {
		reportDryRun(dbPath)
		return
	}

	repo, err := storage.NewBoltRepository(*dataDir)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to open repository")
	}
	defer repo.Close()

	registry := storage.NewRegistry(migrationSteps()...)
	if err := registry.Migrate(repo); err != nil {
		lg.Fatal().Err(err).Msg("migration failed")
	}

	lg.Info().Int("version", registry.CurrentVersion()).Msg("migration completed successfully")
}

// migrationSteps lists every schema change this binary knows how to
// apply, in ascending version order.
func migrationSteps() []storage.Step {
	return []storage.Step{
		{
			Version: 1,
			Name:    "backfill task kill grace period and fetch URIs",
			Apply:   backfillRunSpecDefaults,
		},
	}
}

// backfillRunSpecDefaults fills in TaskKillGracePeriod and FetchURIs on
// any run-spec written by a binary that predates those fields.
func backfillRunSpecDefaults(repo storage.Repository) error {
	specs, err := repo.ListRunSpecs()
	if err != nil {
		return fmt.Errorf("list run specs: %w", err)
	}

	for _, spec := range specs {
		changed := false
		if spec.TaskKillGracePeriod <= 0 {
			spec.TaskKillGracePeriod = defaultTaskKillGracePeriod
			changed = true
		}
		if spec.FetchURIs == nil {
			spec.FetchURIs = []string{}
			changed = true
		}
		if !changed {
			continue
		}
		if err := repo.PutRunSpec(spec); err != nil {
			return fmt.Errorf("put run spec %s: %w", spec.ID, err)
		}
	}
	return nil
}

// reportDryRun opens the database read-only just to report what step 1
// would touch, without constructing a full Repository (which creates
// buckets on open).
func reportDryRun(dbPath string) {
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	count := 0
	_ = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("run_specs"))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			count++
			return nil
		})
	})
	fmt.Printf("[DRY RUN] Would inspect %d stored run specs for default backfill\n", count)
	fmt.Println("No changes made. Run without --dry-run to perform the migration.")
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0o600)
}
