// internal/restore/progress.go
package restore

import "time"

// Progress is a snapshot handed to the WithProgress callback after each
// action.
type Progress struct {
	TotalFiles    int
	RestoredFiles int
	FailedFiles   int
	TotalBytes    uint64
	RestoredBytes uint64
	Current       string
	Started       time.Time
	Updated       time.Time
}

func NewProgress(totalFiles int, totalBytes uint64, started time.Time) Progress {
	return Progress{
		TotalFiles: totalFiles,
		TotalBytes: totalBytes,
		Started:    started,
		Updated:    started,
	}
}

// Percentage counts failed files as done. An empty plan is 100% complete.
func (p Progress) Percentage() float64 {
	if p.TotalFiles == 0 {
		return 100
	}
	return float64(p.RestoredFiles+p.FailedFiles) / float64(p.TotalFiles) * 100
}

// Rate is restored files per second.
func (p Progress) Rate() float64 {
	elapsed := p.Updated.Sub(p.Started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.RestoredFiles) / elapsed
}

// ETA estimates the time left; ok is false until a file has been restored.
func (p Progress) ETA() (time.Duration, bool) {
	rate := p.Rate()
	if p.RestoredFiles == 0 || rate <= 0 {
		return 0, false
	}
	remaining := p.TotalFiles - p.RestoredFiles - p.FailedFiles
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second)), true
}
