package ingest

import (
	"context"
	"io"
	"iter"
	"slices"
	"time"
)

// File is a file known to the content store. ID is assigned by Store.AddFiles.
type File struct {
	ID         int64     `json:"id"`
	DataSource string    `json:"data_source"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModTime    time.Time `json:"mod_time"`
}

// DataSource is something that can be ingested: a directory tree, a container
// image or anything else able to enumerate files and open them.
type DataSource interface {
	Name() string
	// Files enumerates the data source. Enumeration stops when ctx is done.
	Files(ctx context.Context) iter.Seq2[File, error]
	Open(ctx context.Context, f File) (io.ReadCloser, error)
}

// Result is a single finding posted by an ingest module.
type Result struct {
	JobID      int64             `json:"job_id"`
	FileID     int64             `json:"file_id,omitempty"`
	Module     string            `json:"module"`
	Type       string            `json:"type"`
	Value      string            `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Store keeps file metadata and module results.
type Store interface {
	// AddFiles registers files and returns them with IDs assigned.
	AddFiles(ctx context.Context, files []File) ([]File, error)
	// Files resolves previously registered files.
	Files(ctx context.Context, ids []int64) ([]File, error)
	PostResults(ctx context.Context, results ...Result) error
}

// Module is the lifecycle shared by all ingest modules. StartUp is called once
// per module instance before any processing, ShutDown once after the job ends.
type Module interface {
	Name() string
	StartUp(ctx context.Context, jc *JobContext) error
	ShutDown(ctx context.Context) error
}

// DataSourceModule runs once per job over the whole data source.
type DataSourceModule interface {
	Module
	Process(ctx context.Context, jc *JobContext, progress Progress) error
}

// FileModule runs once per file. A single instance is never called from two
// goroutines at the same time.
type FileModule interface {
	Module
	Process(ctx context.Context, jc *JobContext, file File) error
}

// ModuleTemplate describes a configured module. It must implement
// DataSourceModuleFactory, FileModuleFactory or both.
type ModuleTemplate interface {
	Name() string
}

type DataSourceModuleFactory interface {
	ModuleTemplate
	NewDataSourceModule() DataSourceModule
}

type FileModuleFactory interface {
	ModuleTemplate
	NewFileModule() FileModule
}

// Progress lets a data source module report how far it got.
type Progress interface {
	SetTotal(total int64)
	Advance(n int64)
	Status(msg string)
}

// NoLifecycle can be embedded by modules without start-up or shut-down work.
type NoLifecycle struct{}

func (NoLifecycle) StartUp(context.Context, *JobContext) error { return nil }
func (NoLifecycle) ShutDown(context.Context) error              { return nil }

type fileTemplate struct {
	name string
	fn   func() FileModule
}

func (t fileTemplate) Name() string              { return t.name }
func (t fileTemplate) NewFileModule() FileModule { return t.fn() }

// NewFileTemplate returns a template creating file modules with fn.
func NewFileTemplate(name string, fn func() FileModule) FileModuleFactory {
	return fileTemplate{name: name, fn: fn}
}

type dataSourceTemplate struct {
	name string
	fn   func() DataSourceModule
}

func (t dataSourceTemplate) Name() string                          { return t.name }
func (t dataSourceTemplate) NewDataSourceModule() DataSourceModule { return t.fn() }

// NewDataSourceTemplate returns a template creating data source modules with fn.
func NewDataSourceTemplate(name string, fn func() DataSourceModule) DataSourceModuleFactory {
	return dataSourceTemplate{name: name, fn: fn}
}

// JobContext is what modules see of the job they run in.
type JobContext struct {
	job   *Job
	store Store
}

func (jc *JobContext) JobID() int64 {
	return jc.job.id
}

func (jc *JobContext) DataSource() DataSource {
	return jc.job.dataSource
}

func (jc *JobContext) Mode() Mode {
	return jc.job.mode
}

func (jc *JobContext) IsJobCancelled() bool {
	return jc.job.IsCancelled()
}

// Open opens file content from the job's data source.
func (jc *JobContext) Open(ctx context.Context, f File) (io.ReadCloser, error) {
	return jc.job.dataSource.Open(ctx, f)
}

// Post stores module results. Results without a job id get the current one.
func (jc *JobContext) Post(ctx context.Context, results ...Result) error {
	if len(results) == 0 {
		return nil
	}
	out := slices.Clone(results)
	for i := range out {
		if out[i].JobID == 0 {
			out[i].JobID = jc.job.id
		}
	}
	return jc.store.PostResults(ctx, out...)
}
