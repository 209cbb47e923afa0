package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

func TestCatalogueShape(t *testing.T) {
	if Count() != 11 {
		t.Fatalf("Expected 11 modules in the catalogue, got %d", Count())
	}

	layerCounts := map[int]int{}
	for _, d := range All() {
		layerCounts[d.Layer]++
	}
	if layerCounts[0] != 3 || layerCounts[1] != 4 || layerCounts[2] != 4 {
		t.Errorf("Expected layer split 3/4/4, got %v", layerCounts)
	}

	t.Run("stable ordering", func(t *testing.T) {
		all := All()
		for i := 1; i < len(all); i++ {
			prev, cur := all[i-1], all[i]
			if cur.Layer < prev.Layer || (cur.Layer == prev.Layer && cur.ID < prev.ID) {
				t.Errorf("Catalogue not in layer-then-id order at %s -> %s", prev.ID, cur.ID)
			}
		}
	})

	t.Run("manifest is always the first required file", func(t *testing.T) {
		for _, d := range All() {
			if len(d.RequiredFiles) == 0 || d.RequiredFiles[0].Path != ManifestPath {
				t.Errorf("Module %s: expected %s first in required files", d.ID, ManifestPath)
			}
		}
	})

	t.Run("weights stay in the 2-8 band", func(t *testing.T) {
		for _, d := range All() {
			for _, rf := range d.RequiredFiles {
				if rf.Weight < 2 || rf.Weight > 8 {
					t.Errorf("Module %s file %s: weight %d out of range", d.ID, rf.Path, rf.Weight)
				}
			}
		}
	})
}

func TestGet(t *testing.T) {
	t.Run("known module", func(t *testing.T) {
		d, err := Get("core")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if d.Layer != 0 {
			t.Errorf("Expected core in layer 0, got %d", d.Layer)
		}
	})

	t.Run("unknown module", func(t *testing.T) {
		_, err := Get("billing")
		if err == nil {
			t.Fatal("Expected error for unknown module")
		}
		var engineErr *models.Error
		if !errors.As(err, &engineErr) || engineErr.Code != models.CodeModuleNotFound {
			t.Errorf("Expected module_not_found, got %v", err)
		}
	})
}

func TestDependencyEdgesPointDownward(t *testing.T) {
	for _, d := range All() {
		for _, dep := range d.DependsOn {
			target, err := Get(dep)
			if err != nil {
				t.Errorf("Module %s depends on unknown module %s", d.ID, dep)
				continue
			}
			if target.Layer >= d.Layer {
				t.Errorf("Module %s (layer %d) depends on %s (layer %d); edges must point to lower layers",
					d.ID, d.Layer, dep, target.Layer)
			}
		}
	}
}

func TestAuthDescriptor(t *testing.T) {
	d, err := Get("auth")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(d.ServiceConfigs) != 0 {
		t.Errorf("Expected auth to have no service configs, got %v", d.ServiceConfigs)
	}
	if len(d.TestCommand) != 0 {
		t.Errorf("Expected auth to have no test command, got %v", d.TestCommand)
	}
}

func TestByLayer(t *testing.T) {
	for _, d := range ByLayer(1) {
		if d.Layer != 1 {
			t.Errorf("ByLayer(1) returned %s from layer %d", d.ID, d.Layer)
		}
	}
	if len(ByLayer(1)) != 4 {
		t.Errorf("Expected 4 modules in layer 1, got %d", len(ByLayer(1)))
	}
}

func TestDefaultContent(t *testing.T) {
	d, _ := Get("templates")

	if got := d.DefaultContent("tsconfig.json"); !strings.Contains(got, "tsconfig.base.json") {
		t.Errorf("Unexpected tsconfig default: %q", got)
	}
	if got := d.DefaultContent("README.md"); !strings.Contains(got, "CV Templates") {
		t.Errorf("Expected README default to carry the module name, got %q", got)
	}
	if got := d.DefaultContent("src/index.ts"); !strings.Contains(got, "templates") {
		t.Errorf("Expected source stub to name the module, got %q", got)
	}
	if got := d.DefaultServiceConfig("config/render.json"); !strings.Contains(got, `"managed": true`) {
		t.Errorf("Unexpected service config default: %q", got)
	}
}
