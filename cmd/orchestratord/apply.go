package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flywheel-sh/orchestratord/internal/domain"
	"github.com/flywheel-sh/orchestratord/internal/log"
	"github.com/flywheel-sh/orchestratord/internal/storage"
)

// groupTreeFile is the declarative shape the apply command reads: one
// group of run-specs, each a minimal description of a container
// workload. It mirrors the teacher's WarrenResource/apply.go YAML
// surface, trimmed to this module's RunSpec/Group vocabulary instead of
// Warren's Service/Secret/Volume resource kinds.
type groupTreeFile struct {
	Group string        `yaml:"group"`
	Apps  []appSpecFile `yaml:"apps"`
}

type appSpecFile struct {
	ID        string            `yaml:"id"`
	Image     string            `yaml:"image"`
	Instances int               `yaml:"instances"`
	Cpus      float64           `yaml:"cpus"`
	MemMB     float64           `yaml:"memMB"`
	Command   []string          `yaml:"command,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML group-tree file to apply (required)")
	applyCmd.Flags().String("data-dir", "/var/lib/orchestratord", "Directory holding durable storage")
	_ = applyCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(applyCmd)
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a declarative group-tree file directly into durable storage",
	Long: `apply reads a YAML group-tree file and writes its run-specs into
the orchestrator's storage directly. It is a demo-grade offline loader,
not a client of a running node's admin API: run it against the same
--data-dir a node will use while that node is stopped (the storage file
stays locked while a node has it open), and the node loads the run-specs
into its registry and offer matchers when it next starts.`,
	RunE: runApply,
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	lg := log.WithComponent("apply")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var tree groupTreeFile
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if tree.Group == "" {
		return fmt.Errorf("group-tree file must set a top-level \"group\" name")
	}

	repo, err := storage.NewBoltRepository(dataDir)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	now := time.Now()
	appIDs := make([]string, 0, len(tree.Apps))
	for _, app := range tree.Apps {
		if app.Image == "" {
			return fmt.Errorf("app %q: image is required", app.ID)
		}
		runSpecID := fmt.Sprintf("/%s/%s", tree.Group, app.ID)
		instances := app.Instances
		if instances <= 0 {
			instances = 1
		}

		spec := &domain.RunSpec{
			ID:        runSpecID,
			Kind:      domain.RunSpecApp,
			Version:   now,
			Instances: instances,
			Containers: []domain.ContainerSpec{{
				Name:    app.ID,
				Image:   app.Image,
				Command: app.Command,
				Resources: domain.ResourceSpec{
					Cpus:  app.Cpus,
					MemMB: app.MemMB,
				},
			}},
			Backoff: domain.DefaultBackoffPolicy(),
			Labels:  app.Labels,
			Env:     app.Env,
		}

		if err := repo.PutRunSpec(spec); err != nil {
			return fmt.Errorf("failed to persist run-spec %s: %w", runSpecID, err)
		}
		appIDs = append(appIDs, runSpecID)
		lg.Info().Str("run_spec_id", runSpecID).Int("instances", instances).Msg("run-spec applied")
	}

	group := &domain.Group{
		ID:      "/" + tree.Group,
		AppIDs:  appIDs,
		Version: now,
	}
	if err := repo.PutGroup(group); err != nil {
		return fmt.Errorf("failed to persist group %s: %w", group.ID, err)
	}

	fmt.Printf("✓ Applied group %s with %d app(s)\n", group.ID, len(appIDs))
	return nil
}
