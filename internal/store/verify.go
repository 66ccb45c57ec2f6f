// internal/store/verify.go
package store

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
)

type Corruption struct {
	Digest digest.Digest `json:"digest"`
	Pack   string        `json:"pack,omitempty"`
	Where  string        `json:"where"`
	Error  string        `json:"error"`
}

type VerifyReport struct {
	Checked int          `json:"checked"`
	Corrupt []Corruption `json:"corrupt"`
}

func (r *VerifyReport) OK() bool {
	return len(r.Corrupt) == 0
}

// Verify rehashes every packed and loose object in parallel and checks the
// header checksum of every sealed pack. Damage is reported, not returned
// as an error; the error is only set when verification itself was cut short.
func (s *Store) Verify(ctx context.Context) (*VerifyReport, error) {
	loose, err := s.safe.List()
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report VerifyReport
	)
	fail := func(d digest.Digest, where string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Corrupt = append(report.Corrupt, Corruption{Digest: d, Where: where, Error: err.Error()})
	}
	failPack := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Corrupt = append(report.Corrupt, Corruption{Pack: id, Where: "pack-header", Error: err.Error()})
	}
	checked := func() {
		mu.Lock()
		defer mu.Unlock()
		report.Checked++
	}

	p := pool.New().WithMaxGoroutines(runtime.GOMAXPROCS(0)).WithContext(ctx)
	for _, d := range s.packs.Objects() {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, ok, err := s.packs.GetObject(d)
			checked()
			switch {
			case err != nil:
				fail(d, "pack", err)
			case !ok:
				fail(d, "pack", errMissing)
			case digest.FromBytes(data) != d:
				fail(d, "pack", errMismatch)
			}
			return nil
		})
	}
	for _, id := range s.packs.SealedPacks() {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := s.packs.OpenPack(id)
			if err != nil {
				failPack(id, err)
				return nil
			}
			defer f.Close()
			if err := f.VerifyChecksum(); err != nil {
				failPack(id, err)
			}
			return nil
		})
	}
	for _, meta := range loose {
		d := meta.Digest
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			checked()
			if err := s.safe.Verify(d); err != nil {
				fail(d, "loose", err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return &report, err
	}

	sort.Slice(report.Corrupt, func(a, b int) bool {
		ca, cb := report.Corrupt[a], report.Corrupt[b]
		if ca.Pack != cb.Pack {
			return ca.Pack < cb.Pack
		}
		return ca.Digest.Less(cb.Digest)
	})
	s.recorder.RecordVerify(report.Checked, len(report.Corrupt))
	if !report.OK() {
		s.logger.Warn("corrupt objects found", zap.Int("count", len(report.Corrupt)))
	}
	return &report, nil
}

var (
	errMissing  = rerrors.NotFound("verify", "", "indexed object missing from pack")
	errMismatch = rerrors.Integrity("verify", "", "content hash mismatch")
)
