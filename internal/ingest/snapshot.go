package ingest

import "time"

type RunningModule struct {
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
}

// ProgressInfo is the progress reported by the current data source module.
type ProgressInfo struct {
	Total  int64  `json:"total"`
	Done   int64  `json:"done"`
	Status string `json:"status,omitempty"`
}

// DiagnosticSnapshot is a point in time copy of the internal state of a job.
type DiagnosticSnapshot struct {
	JobID                      int64              `json:"job_id"`
	DataSource                 string             `json:"data_source"`
	Mode                       Mode               `json:"mode"`
	Stage                      Stage              `json:"stage"`
	StartTime                  time.Time          `json:"start_time"`
	EndTime                    time.Time          `json:"end_time"`
	FileIngestRunning          bool               `json:"file_ingest_running"`
	FileIngestStartTime        time.Time          `json:"file_ingest_start_time"`
	DataSourceModule           *RunningModule     `json:"data_source_module,omitempty"`
	DataSourceProgress         ProgressInfo       `json:"data_source_progress"`
	FileModules                []RunningModule    `json:"file_modules,omitempty"`
	QueuedFiles                int64              `json:"queued_files"`
	ProcessedFiles             int64              `json:"processed_files"`
	ModuleErrors               int64              `json:"module_errors"`
	Cancelled                  bool               `json:"cancelled"`
	CancellationReason         CancellationReason `json:"cancellation_reason"`
	CancelledDataSourceModules []string           `json:"cancelled_data_source_modules,omitempty"`
	Tasks                      *TaskStats         `json:"tasks,omitempty"`

	dsToken     uint64
	dsCancelled bool
}

// ProgressSnapshot is what progress reporting needs to know about a job.
type ProgressSnapshot struct {
	JobID                      int64
	DataSource                 string
	FileIngestRunning          bool
	FileIngestStartTime        time.Time
	QueuedFiles                int64
	ProcessedFiles             int64
	Cancelled                  bool
	CancellationReason         CancellationReason
	CancelledDataSourceModules []string
	Tasks                      *TaskStats

	dataSourceModule *DataSourceModuleHandle
}

// RunningDataSourceModule returns the data source module that was running when
// the snapshot was taken, nil if none was.
func (s *ProgressSnapshot) RunningDataSourceModule() *DataSourceModuleHandle {
	return s.dataSourceModule
}

func newProgressSnapshot(p *jobPipeline, d DiagnosticSnapshot) *ProgressSnapshot {
	s := &ProgressSnapshot{
		JobID:                      d.JobID,
		DataSource:                 d.DataSource,
		FileIngestRunning:          d.FileIngestRunning,
		FileIngestStartTime:        d.FileIngestStartTime,
		QueuedFiles:                d.QueuedFiles,
		ProcessedFiles:             d.ProcessedFiles,
		Cancelled:                  d.Cancelled,
		CancellationReason:         d.CancellationReason,
		CancelledDataSourceModules: d.CancelledDataSourceModules,
		Tasks:                      d.Tasks,
	}
	if d.DataSourceModule != nil {
		s.dataSourceModule = &DataSourceModuleHandle{
			pipeline:  p,
			token:     d.dsToken,
			name:      d.DataSourceModule.Name,
			startTime: d.DataSourceModule.StartTime,
			cancelled: d.dsCancelled,
		}
	}
	return s
}

// DataSourceModuleHandle refers to one run of a data source module.
type DataSourceModuleHandle struct {
	pipeline  *jobPipeline
	token     uint64
	name      string
	startTime time.Time
	cancelled bool
}

func (h *DataSourceModuleHandle) DisplayName() string {
	return h.name
}

func (h *DataSourceModuleHandle) StartTime() time.Time {
	return h.startTime
}

// IsCancelled reports whether the module had been cancelled when the snapshot
// was taken.
func (h *DataSourceModuleHandle) IsCancelled() bool {
	return h.cancelled
}

// Cancel cancels the module if it is still the one running. The job goes on
// with its next data source module.
func (h *DataSourceModuleHandle) Cancel() bool {
	if h.pipeline.cancelCurrentDataSourceModule(h.token) {
		h.cancelled = true
		return true
	}
	return false
}
