// Package modules turns the modules section of the configuration into
// ingest module templates.
package modules

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/CZERTAINLY/Ingestor/internal/ingest"
	"github.com/CZERTAINLY/Ingestor/internal/model"
	"github.com/CZERTAINLY/Ingestor/internal/modules/certs"
	"github.com/CZERTAINLY/Ingestor/internal/modules/command"
	"github.com/CZERTAINLY/Ingestor/internal/modules/filetype"
	"github.com/CZERTAINLY/Ingestor/internal/modules/hash"
	"github.com/CZERTAINLY/Ingestor/internal/modules/inventory"
	"github.com/CZERTAINLY/Ingestor/internal/modules/secrets"
)

// FromConfig returns the enabled module templates in the order they run:
// hash, filetype, secrets, certs, command and inventory. A missing section
// disables the module, a present one without enabled: false enables it.
func FromConfig(cfg model.Modules) ([]ingest.ModuleTemplate, error) {
	var ret []ingest.ModuleTemplate

	if cfg.Hash != nil && model.Enabled(cfg.Hash.Enabled) {
		t, err := hash.New(cfg.Hash.Algorithms...)
		if err != nil {
			return nil, fmt.Errorf("modules.hash: %w", err)
		}
		ret = append(ret, t)
	}
	if cfg.FileType != nil && model.Enabled(cfg.FileType.Enabled) {
		ret = append(ret, filetype.Template{})
	}
	if cfg.Secrets != nil && model.Enabled(cfg.Secrets.Enabled) {
		scanner, err := secrets.NewScanner()
		if err != nil {
			return nil, fmt.Errorf("modules.secrets: %w", err)
		}
		ret = append(ret, secrets.New(scanner, model.Or(cfg.Secrets.MaxSize, 0)))
	}
	if cfg.Certs != nil && model.Enabled(cfg.Certs.Enabled) {
		ret = append(ret, certs.Template{})
	}
	if cfg.Command != nil && model.Enabled(cfg.Command.Enabled) {
		timeout, err := model.ISODurationOr(cfg.Command.Timeout, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("modules.command.timeout: %w", err)
		}
		t, err := command.New(command.Command{
			Path:    cfg.Command.Path,
			Args:    cfg.Command.Args,
			Env:     environ(cfg.Command.Env),
			Timeout: timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("modules.command: %w", err)
		}
		ret = append(ret, t)
	}
	if cfg.Inventory != nil && model.Enabled(cfg.Inventory.Enabled) {
		ret = append(ret, inventory.Template{})
	}
	return ret, nil
}

// environ keeps PATH of the current process, the rest comes from env.
func environ(env map[string]string) []string {
	ret := make([]string, 0, len(env)+1)
	if _, ok := env["PATH"]; !ok {
		ret = append(ret, "PATH="+os.Getenv("PATH"))
	}
	for _, k := range slices.Sorted(maps.Keys(env)) {
		ret = append(ret, k+"="+os.ExpandEnv(env[k]))
	}
	return ret
}

// Filter returns the file filter of the ingest section, nil for none.
func Filter(cfg *model.Filter) (ingest.FileFilter, error) {
	if cfg == nil {
		return nil, nil
	}
	f, err := ingest.NewGlobFilter(cfg.Include, cfg.Exclude, model.Or(cfg.MaxSize, 0))
	if err != nil {
		return nil, fmt.Errorf("ingest.filter: %w", err)
	}
	return f, nil
}
