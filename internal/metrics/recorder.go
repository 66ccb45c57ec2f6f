// internal/metrics/recorder.go
package metrics

import (
	"recovery/internal/concurrency"
	"recovery/internal/gc"
	"recovery/internal/restore"
)

// Recorder translates domain results into sink observations.
type Recorder struct {
	sink Sink
}

func NewRecorder(sink Sink) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	return &Recorder{sink: sink}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (r *Recorder) RecordRestore(session string, res *restore.Result, err error) {
	st := status(err)
	if err == nil && res != nil && len(res.Failed) > 0 {
		st = "partial"
	}
	r.sink.Counter("restore_operations_total", Labels{"status": st}, 1)
	if res == nil {
		return
	}
	r.sink.Histogram("restore_duration_seconds", Labels{"status": st}, res.Duration.Seconds())
	r.sink.Gauge("files_restored", Labels{"session_id": session}, float64(res.FilesRestored))
	r.sink.Gauge("bytes_restored", Labels{"session_id": session}, float64(res.BytesRestored))
	r.sink.Counter("restore_failures_total", Labels{"status": st}, float64(len(res.Failed)))
}

func (r *Recorder) RecordConflict(session string, info *concurrency.ConflictInfo) {
	if info == nil {
		return
	}
	r.sink.Counter("conflicts_total", Labels{
		"class":      info.Class.String(),
		"resolution": info.ResolutionStrategy.String(),
	}, 1)
}

func (r *Recorder) RecordChange(kind concurrency.ResultKind) {
	r.sink.Counter("changes_total", Labels{"result": kind.String()}, 1)
}

func (r *Recorder) RecordPackWrite(session string, bytes int) {
	r.sink.Counter("pack_objects_written_total", Labels{}, 1)
	r.sink.Counter("pack_bytes_written_total", Labels{}, float64(bytes))
	r.sink.Gauge("pack_last_write_bytes", Labels{"session_id": session}, float64(bytes))
}

func (r *Recorder) RecordGC(res *gc.Result) {
	if res == nil {
		return
	}
	r.sink.Histogram("gc_duration_seconds", Labels{}, res.Duration.Seconds())
	r.sink.Gauge("gc_objects_marked", Labels{}, float64(res.Reachable))
	r.sink.Gauge("gc_objects_swept", Labels{}, float64(res.Swept))
	r.sink.Gauge("gc_objects_packed", Labels{}, float64(res.Packed))
	r.sink.Gauge("gc_bytes_freed", Labels{}, float64(res.BytesFreed))
}

func (r *Recorder) RecordVerify(checked, corrupt int) {
	r.sink.Gauge("verify_objects_checked", Labels{}, float64(checked))
	r.sink.Gauge("verify_objects_corrupt", Labels{}, float64(corrupt))
}
