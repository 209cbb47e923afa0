// Package registry holds the static catalogue of workspace modules.
//
// Each module descriptor carries the data the engine needs to assess and
// recover that module: its dependency layer, required files with centrality
// weights, required manifest dependencies, service configuration files, and
// the toolchain commands used for install, compile, build, and test. The
// catalogue is the only per-module-specific data in the engine; all control
// flow is shared.
package registry

import (
	"fmt"
	"sort"

	"github.com/bigdegenenergy/open-cloud-ops/medic/pkg/models"
)

// RequiredFile is a file a module must contain, weighted by centrality.
// Weights are the health penalty applied when the file is missing (2-8).
type RequiredFile struct {
	Path   string
	Weight int
}

// Descriptor describes one workspace module.
type Descriptor struct {
	ID   models.ModuleID
	Name string

	// Layer is the dependency layer: 0 = core, 1 depends on layer 0,
	// 2 depends on layers 0 and 1.
	Layer int

	// DependsOn lists the module ids this module declares edges to.
	DependsOn []models.ModuleID

	// RequiredFiles are the files checked during structural validation.
	// The module manifest is always first with the highest weight.
	RequiredFiles []RequiredFile

	// RequiredDeps are the package names that must appear in the module
	// manifest's dependency list.
	RequiredDeps []string

	// ServiceConfigs are auxiliary service configuration files restored by
	// the repair and rebuild strategies. May be empty.
	ServiceConfigs []string

	// Toolchain commands, argv form. An empty TestCommand means the module
	// has no test suite configured; that is not a defect.
	InstallCommand []string
	CompileCommand []string
	BuildCommand   []string
	TestCommand    []string
}

// ManifestPath is the module manifest file, relative to the module dir.
const ManifestPath = "module.json"

var npmInstall = []string{"npm", "install"}
var npmCompile = []string{"npx", "tsc", "--noEmit"}
var npmBuild = []string{"npm", "run", "build"}
var npmTest = []string{"npm", "test"}

// descriptors is the fixed catalogue of the eleven workspace modules.
var descriptors = map[models.ModuleID]*Descriptor{
	"core": {
		ID: "core", Name: "Core Library", Layer: 0,
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/types.ts", Weight: 5},
			{Path: "tsconfig.json", Weight: 4},
			{Path: "README.md", Weight: 2},
		},
		RequiredDeps:   []string{"zod", "date-fns"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild, TestCommand: npmTest,
	},
	"database": {
		ID: "database", Name: "Database Access", Layer: 0,
		DependsOn: []models.ModuleID{"core"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/schema.ts", Weight: 6},
			{Path: "src/migrations.ts", Weight: 4},
			{Path: "tsconfig.json", Weight: 4},
		},
		RequiredDeps:   []string{"pg", "zod"},
		ServiceConfigs: []string{"config/database.json"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild, TestCommand: npmTest,
	},
	"auth": {
		ID: "auth", Name: "Authentication", Layer: 0,
		DependsOn: []models.ModuleID{"core"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/session.ts", Weight: 5},
			{Path: "src/tokens.ts", Weight: 5},
			{Path: "tsconfig.json", Weight: 4},
		},
		RequiredDeps:   []string{"jsonwebtoken", "bcrypt"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild,
		// No test suite configured for auth.
	},
	"api": {
		ID: "api", Name: "API Gateway", Layer: 1,
		DependsOn: []models.ModuleID{"core", "database", "auth"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/routes.ts", Weight: 6},
			{Path: "src/middleware.ts", Weight: 4},
			{Path: "tsconfig.json", Weight: 4},
		},
		RequiredDeps:   []string{"express", "cors", "zod"},
		ServiceConfigs: []string{"config/services.json"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild, TestCommand: npmTest,
	},
	"templates": {
		ID: "templates", Name: "CV Templates", Layer: 1,
		DependsOn: []models.ModuleID{"core"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/registry.ts", Weight: 5},
			{Path: "tsconfig.json", Weight: 4},
			{Path: "assets/defaults.json", Weight: 3},
		},
		RequiredDeps:   []string{"handlebars"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild, TestCommand: npmTest,
	},
	"storage": {
		ID: "storage", Name: "File Storage", Layer: 1,
		DependsOn: []models.ModuleID{"core", "database"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/buckets.ts", Weight: 4},
			{Path: "tsconfig.json", Weight: 4},
		},
		RequiredDeps:   []string{"mime-types"},
		ServiceConfigs: []string{"config/storage.json"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild, TestCommand: npmTest,
	},
	"notifications": {
		ID: "notifications", Name: "Notifications", Layer: 1,
		DependsOn: []models.ModuleID{"core", "auth"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/mailer.ts", Weight: 4},
			{Path: "tsconfig.json", Weight: 4},
		},
		RequiredDeps:   []string{"nodemailer"},
		ServiceConfigs: []string{"config/smtp.json"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild,
	},
	"frontend": {
		ID: "frontend", Name: "Web Frontend", Layer: 2,
		DependsOn: []models.ModuleID{"api", "templates"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/main.tsx", Weight: 6},
			{Path: "src/app.tsx", Weight: 5},
			{Path: "index.html", Weight: 4},
			{Path: "tsconfig.json", Weight: 4},
			{Path: "vite.config.ts", Weight: 3},
		},
		RequiredDeps:   []string{"react", "react-dom"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild, TestCommand: npmTest,
	},
	"export": {
		ID: "export", Name: "Document Export", Layer: 2,
		DependsOn: []models.ModuleID{"api", "storage", "templates"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/pdf.ts", Weight: 5},
			{Path: "tsconfig.json", Weight: 4},
		},
		RequiredDeps:   []string{"puppeteer"},
		ServiceConfigs: []string{"config/render.json"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild, TestCommand: npmTest,
	},
	"analytics": {
		ID: "analytics", Name: "Usage Analytics", Layer: 2,
		DependsOn: []models.ModuleID{"api", "database"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/index.ts", Weight: 6},
			{Path: "src/events.ts", Weight: 4},
			{Path: "tsconfig.json", Weight: 4},
		},
		RequiredDeps:   []string{"zod"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild, TestCommand: npmTest,
	},
	"admin": {
		ID: "admin", Name: "Admin Console", Layer: 2,
		DependsOn: []models.ModuleID{"api", "auth"},
		RequiredFiles: []RequiredFile{
			{Path: ManifestPath, Weight: 8},
			{Path: "src/main.tsx", Weight: 6},
			{Path: "src/users.tsx", Weight: 4},
			{Path: "tsconfig.json", Weight: 4},
		},
		RequiredDeps:   []string{"react", "react-dom"},
		InstallCommand: npmInstall, CompileCommand: npmCompile,
		BuildCommand: npmBuild,
	},
}

// Get returns the descriptor for a module id.
func Get(id models.ModuleID) (*Descriptor, error) {
	d, ok := descriptors[id]
	if !ok {
		return nil, models.ErrModuleNotFound(id)
	}
	return d, nil
}

// All returns every descriptor in stable layer-then-id order.
func All() []*Descriptor {
	out := make([]*Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns every module id in stable order.
func IDs() []models.ModuleID {
	all := All()
	ids := make([]models.ModuleID, len(all))
	for i, d := range all {
		ids[i] = d.ID
	}
	return ids
}

// ByLayer returns the descriptors for one dependency layer, in stable order.
func ByLayer(layer int) []*Descriptor {
	var out []*Descriptor
	for _, d := range All() {
		if d.Layer == layer {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of registered modules.
func Count() int {
	return len(descriptors)
}

// DefaultContent returns the canonical default body for a module file.
// The bodies are mechanical stubs; real content generation lives outside
// the engine.
func (d *Descriptor) DefaultContent(path string) string {
	switch path {
	case "tsconfig.json":
		return "{\n  \"extends\": \"../tsconfig.base.json\",\n  \"include\": [\"src\"]\n}\n"
	case "README.md":
		return fmt.Sprintf("# %s\n\nWorkspace module `%s` (layer %d).\n", d.Name, d.ID, d.Layer)
	default:
		return fmt.Sprintf("// %s: generated default for module %q\n// Restored by the workspace recovery engine.\n", path, d.ID)
	}
}

// DefaultServiceConfig returns the canonical default body for a service
// configuration file.
func (d *Descriptor) DefaultServiceConfig(path string) string {
	return fmt.Sprintf("{\n  \"module\": %q,\n  \"config\": %q,\n  \"managed\": true\n}\n", d.ID, path)
}
