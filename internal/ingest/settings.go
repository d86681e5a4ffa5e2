package ingest

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileFilter selects the files of a data source that get file tasks.
type FileFilter interface {
	Match(f File) bool
}

type FileFilterFunc func(f File) bool

func (fn FileFilterFunc) Match(f File) bool { return fn(f) }

// Settings is the read only configuration of an ingest job.
type Settings struct {
	Templates []ModuleTemplate
	Filter    FileFilter
}

// HasModules reports whether the settings enable any module at all.
func (s Settings) HasModules() bool {
	return len(s.Templates) > 0
}

func (s Settings) accepts(f File) bool {
	return s.Filter == nil || s.Filter.Match(f)
}

type resolvedTemplates struct {
	dataSource []DataSourceModuleFactory
	file       []FileModuleFactory
	errs       []ModuleError
}

func (s Settings) resolve() resolvedTemplates {
	var r resolvedTemplates
	for _, t := range s.Templates {
		ds, isDS := t.(DataSourceModuleFactory)
		fm, isFile := t.(FileModuleFactory)
		if isDS {
			r.dataSource = append(r.dataSource, ds)
		}
		if isFile {
			r.file = append(r.file, fm)
		}
		if !isDS && !isFile {
			r.errs = append(r.errs, ModuleError{Module: t.Name(), Err: ErrUnsupportedModule})
		}
	}
	return r
}

// GlobFilter accepts files matching any Include pattern and no Exclude
// pattern. Patterns use doublestar syntax and are matched against the slash
// separated file path. An empty Include list accepts everything. MaxSize of
// zero means no size limit.
type GlobFilter struct {
	Include []string
	Exclude []string
	MaxSize int64
}

func NewGlobFilter(include, exclude []string, maxSize int64) (GlobFilter, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return GlobFilter{}, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	if maxSize < 0 {
		return GlobFilter{}, fmt.Errorf("negative max size %d", maxSize)
	}
	return GlobFilter{Include: include, Exclude: exclude, MaxSize: maxSize}, nil
}

func (g GlobFilter) Match(f File) bool {
	if g.MaxSize > 0 && f.Size > g.MaxSize {
		return false
	}
	name := strings.TrimPrefix(path.Clean("/"+f.Path), "/")
	for _, p := range g.Exclude {
		if doublestar.MatchUnvalidated(p, name) {
			return false
		}
	}
	if len(g.Include) == 0 {
		return true
	}
	for _, p := range g.Include {
		if doublestar.MatchUnvalidated(p, name) {
			return true
		}
	}
	return false
}
