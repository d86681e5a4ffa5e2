package ingest

import "strconv"

type TaskKind int

const (
	// TaskDataSource runs the data source modules of a job.
	TaskDataSource TaskKind = iota
	// TaskFile runs the file modules of a job over one file.
	TaskFile
)

func (k TaskKind) String() string {
	switch k {
	case TaskDataSource:
		return "data_source"
	case TaskFile:
		return "file"
	default:
		return "TaskKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Task is a unit of work for the worker pool. Tasks are immutable once
// enqueued.
type Task struct {
	Kind TaskKind
	File File

	jobID    int64
	pipeline *jobPipeline
	seq      uint64
}

func (t Task) JobID() int64 {
	return t.jobID
}
