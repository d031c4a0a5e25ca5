package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"

	"studiocrm/internal/config"
	"studiocrm/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default("studio-1")
	gt.NoError(t, cfg.Validate()).Required()
	gt.Value(t, cfg.Studio.ID).Equal("studio-1")
	gt.Bool(t, cfg.Workflow.StrictSubflows).False()
	gt.Value(t, cfg.Storage.Backend).Equal(config.StorageLocal)

	parsed, err := config.FromYAML([]byte(config.GenerateDefault("studio-1")))
	gt.NoError(t, err).Required()
	gt.Array(t, parsed.Tariffs).Length(len(cfg.Tariffs))
}

func TestTariffFor(t *testing.T) {
	cfg := config.Default("studio-1")

	// stage specific, per m2
	gt.Value(t, cfg.TariffFor(domain.ProjectIndividual, domain.RoleDesigner, domain.ColumnDesignConcept, 40)).Equal(10000.0)
	// role wide fixed amount
	gt.Value(t, cfg.TariffFor(domain.ProjectIndividual, domain.RoleSurveyor, "", 40)).Equal(3000.0)
	gt.Value(t, cfg.TariffFor(domain.ProjectTemplate, domain.RoleDraftsman, domain.ColumnTemplateDrawings, 80)).Equal(7500.0)
	// nothing configured
	gt.Value(t, cfg.TariffFor(domain.ProjectTemplate, domain.RoleDraftsman, domain.ColumnPlanning, 80)).Equal(0.0)
	gt.Value(t, cfg.TariffFor(domain.ProjectTemplate, domain.RoleDesignLead, "", 80)).Equal(0.0)

	var nilCfg *config.Config
	gt.Value(t, nilCfg.TariffFor(domain.ProjectIndividual, domain.RoleDesigner, domain.ColumnDesignConcept, 40)).Equal(0.0)
}

func TestTariffFor_StageWinsOverRoleWide(t *testing.T) {
	cfg := config.Default("studio-1")
	cfg.Tariffs = []config.Tariff{
		{ProjectType: domain.ProjectIndividual, Role: domain.RoleDraftsman, Amount: 1000},
		{ProjectType: domain.ProjectIndividual, Role: domain.RoleDraftsman, Stage: domain.ColumnWorkingDrawings, Amount: 2500},
	}
	gt.Value(t, cfg.TariffFor(domain.ProjectIndividual, domain.RoleDraftsman, domain.ColumnWorkingDrawings, 10)).Equal(2500.0)
	gt.Value(t, cfg.TariffFor(domain.ProjectIndividual, domain.RoleDraftsman, domain.ColumnPlanning, 10)).Equal(1000.0)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing studio id", yaml: "studio:\n  name: x\n"},
		{name: "bad role", yaml: "studio:\n  id: s\ntariffs:\n  - project_type: Individual\n    role: Painter\n    amount: 1\n"},
		{name: "stage of other pipeline", yaml: "studio:\n  id: s\ntariffs:\n  - project_type: Template\n    role: Designer\n    stage: \"Stage 2: design concept\"\n    amount: 1\n"},
		{name: "negative amount", yaml: "studio:\n  id: s\ntariffs:\n  - project_type: Template\n    role: Surveyor\n    amount: -5\n"},
		{name: "minio without bucket", yaml: "studio:\n  id: s\nstorage:\n  backend: minio\n  endpoint: storage.yandexcloud.net\n"},
		{name: "unknown backend", yaml: "studio:\n  id: s\nstorage:\n  backend: ftp\n"},
		{name: "webhook without url", yaml: "studio:\n  id: s\nwebhooks:\n  - events: [card.moved]\n"},
		{name: "bad log format", yaml: "studio:\n  id: s\nlog:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tt.yaml))
			gt.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	gt.NoError(t, err).Required()
	gt.Value(t, cfg).Nil()

	_, err = config.Load(dir)
	gt.Error(t, err)

	gt.NoError(t, os.WriteFile(filepath.Join(dir, "studiocrm.yml"), []byte(config.GenerateDefault("s1")), 0o644)).Required()
	cfg, err = config.Load(dir)
	gt.NoError(t, err).Required()
	gt.Value(t, cfg.Studio.ID).Equal("s1")
}
