package restore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recovery/internal/digest"
	rerrors "recovery/internal/errors"
)

type memSource map[digest.Digest][]byte

func (m memSource) Load(_ context.Context, d digest.Digest) ([]byte, error) {
	data, ok := m[d]
	if !ok {
		return nil, rerrors.NotFound("load", d.Short(), "object not stored")
	}
	return data, nil
}

func (m memSource) put(content string) digest.Digest {
	d := digest.FromBytes([]byte(content))
	m[d] = []byte(content)
	return d
}

func writeAction(path string, d digest.Digest, size int) WriteFile {
	return WriteFile{Path: path, Mode: Regular, Expected: d, Source: d, Bytes: uint64(size)}
}

func testConfig(root string) Config {
	cfg := DefaultConfig()
	cfg.Root = root
	return cfg
}

func skipNonUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are unix only")
	}
}

func TestRestoreFromPlan(t *testing.T) {
	skipNonUnix(t)
	root := t.TempDir()
	src := memSource{}
	hello := src.put("hello world")
	script := src.put("#!/bin/sh\necho hi\n")

	e := New(testConfig(root), src)
	plan := Plan{Actions: []Action{
		writeAction("docs/hello.txt", hello, 11),
		WriteFile{Path: "bin/run.sh", Mode: Executable, Expected: script, Source: script, Bytes: 18},
	}}

	res, err := e.RestoreFromPlan(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesRestored)
	assert.Equal(t, uint64(29), res.BytesRestored)
	assert.Empty(t, res.Failed)

	got, err := os.ReadFile(filepath.Join(root, "docs", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	info, err := os.Stat(filepath.Join(root, "bin", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Join(root, "docs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	stats := e.Stats()
	assert.Equal(t, 2, stats.FilesRestored)
	assert.Equal(t, uint64(29), stats.BytesRestored)

	e.ResetStats()
	assert.Equal(t, Stats{}, e.Stats())
}

func TestRestoreNoPartialWrite(t *testing.T) {
	skipNonUnix(t)
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(target, []byte("original"), 0644))

	src := memSource{}
	d := src.put("replacement")

	e := New(testConfig(root), src)
	var sawTemp string
	e.beforeRename = func(tmp string) error {
		data, err := os.ReadFile(tmp)
		require.NoError(t, err)
		assert.Equal(t, "replacement", string(data))
		sawTemp = tmp
		return errors.New("simulated crash")
	}

	res, err := e.RestoreFromPlan(context.Background(), Plan{Actions: []Action{writeAction("a.txt", d, 11)}})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
	assert.NoFileExists(t, sawTemp)
}

func TestRestoreSizeCeiling(t *testing.T) {
	root := t.TempDir()
	src := memSource{}
	d := src.put("data")

	cfg := testConfig(root)
	cfg.MaxRestoreSize = 10
	e := New(cfg, src)

	plan := Plan{Actions: []Action{
		writeAction("a.txt", d, 6),
		writeAction("b.txt", d, 6),
	}}
	_, err := e.RestoreFromPlan(context.Background(), plan)
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.ErrorTypeCapacity))

	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	assert.NoFileExists(t, filepath.Join(root, "b.txt"))
	assert.Equal(t, Stats{}, e.Stats())
}

func TestRestoreDryRun(t *testing.T) {
	root := t.TempDir()
	src := memSource{}
	d := src.put("content")

	cfg := testConfig(root)
	cfg.DryRun = true
	e := New(cfg, src)

	res, err := e.RestoreFromPlan(context.Background(), Plan{Actions: []Action{
		writeAction("dry.txt", d, 7),
		DeleteFile{Path: "other.txt"},
	}})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 2, res.FilesRestored)
	assert.Equal(t, d, res.Restored[0].Digest)
	assert.NoFileExists(t, filepath.Join(root, "dry.txt"))
}

func TestRestoreBackup(t *testing.T) {
	skipNonUnix(t)
	root := t.TempDir()
	target := filepath.Join(root, "src", "main.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, []byte("package old"), 0644))

	src := memSource{}
	d := src.put("package new")

	e := New(testConfig(root), src)
	res, err := e.RestoreFromPlan(context.Background(), Plan{Actions: []Action{writeAction("src/main.go", d, 11)}})
	require.NoError(t, err)
	require.Empty(t, res.Failed)

	backup, err := os.ReadFile(filepath.Join(root, ".recovery", "backups", "src", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package old", string(backup))

	current, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "package new", string(current))
}

func TestRestoreDigestMismatch(t *testing.T) {
	skipNonUnix(t)

	for _, beforeRename := range []bool{false, true} {
		t.Run(fmt.Sprintf("VerifyBeforeRename=%v", beforeRename), func(t *testing.T) {
			root := t.TempDir()
			src := memSource{}
			d := src.put("actual bytes")
			wrong := digest.FromBytes([]byte("something else"))

			cfg := testConfig(root)
			cfg.VerifyBeforeRename = beforeRename
			e := New(cfg, src)

			action := WriteFile{Path: "m.txt", Mode: Regular, Expected: wrong, Source: d, Bytes: 12}
			res, err := e.RestoreFromPlan(context.Background(), Plan{Actions: []Action{action}})
			require.NoError(t, err)
			require.Len(t, res.Failed, 1)
			assert.True(t, rerrors.Is(res.Failed[0].Err, rerrors.ErrorTypeIntegrity))
			assert.Equal(t, 1, e.Stats().DigestMismatches)
			assert.Equal(t, 1, e.Stats().FailedRestores)

			if beforeRename {
				assert.NoFileExists(t, filepath.Join(root, "m.txt"))
			} else {
				assert.FileExists(t, filepath.Join(root, "m.txt"))
			}
		})
	}
}

func TestRestoreOtherActions(t *testing.T) {
	skipNonUnix(t)
	root := t.TempDir()
	e := New(testConfig(root), memSource{})

	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "perm.txt"), []byte("x"), 0644))
	require.NoError(t, os.Symlink("old-target", filepath.Join(root, "link")))

	res, err := e.RestoreFromPlan(context.Background(), Plan{Actions: []Action{
		DeleteFile{Path: "gone.txt", Bytes: 1},
		DeleteFile{Path: "never-existed.txt"},
		Chmod{Path: "perm.txt", Mode: Executable},
		WriteSymlink{Path: "link", Target: "new-target"},
		Chmod{Path: "perm.txt", Mode: Symlink},
	}})
	require.NoError(t, err)
	assert.Equal(t, 4, res.FilesRestored)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "perm.txt", res.Failed[0].Path)

	assert.NoFileExists(t, filepath.Join(root, "gone.txt"))

	info, err := os.Stat(filepath.Join(root, "perm.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())

	target, err := os.Readlink(filepath.Join(root, "link"))
	require.NoError(t, err)
	assert.Equal(t, "new-target", target)
}

func TestRestoreWriteOverSymlinkMode(t *testing.T) {
	root := t.TempDir()
	src := memSource{}
	d := src.put("now a file")

	link := filepath.Join(root, "link")
	if runtime.GOOS != "windows" {
		require.NoError(t, os.Symlink("elsewhere", link))
	}

	e := New(testConfig(root), src)
	res, err := e.RestoreFromPlan(context.Background(), Plan{Actions: []Action{
		WriteFile{Path: "link", Mode: Symlink, Expected: d, Source: d, Bytes: 10},
	}})
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 1, res.FilesRestored)

	info, err := os.Lstat(link)
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
	got, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Equal(t, "now a file", string(got))
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
	}
}

func TestRestoreMissingContent(t *testing.T) {
	root := t.TempDir()
	e := New(testConfig(root), memSource{})

	d := digest.FromBytes([]byte("never stored"))
	res, err := e.RestoreFromPlan(context.Background(), Plan{Actions: []Action{writeAction("x.txt", d, 12)}})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.True(t, rerrors.Is(res.Failed[0].Err, rerrors.ErrorTypeNotFound))
	assert.Zero(t, e.Stats().DigestMismatches)
}

func TestRestoreCancelled(t *testing.T) {
	root := t.TempDir()
	src := memSource{}
	d := src.put("abc")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(testConfig(root), src)
	res, err := e.RestoreFromPlan(ctx, Plan{Actions: []Action{writeAction("c.txt", d, 3)}})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.FilesRestored)
	assert.NoFileExists(t, filepath.Join(root, "c.txt"))
}

func TestRestoreProgressCallback(t *testing.T) {
	skipNonUnix(t)
	root := t.TempDir()
	src := memSource{}
	a := src.put("aaa")
	b := src.put("bbbb")

	var seen []Progress
	e := New(testConfig(root), src, WithProgress(func(p Progress) { seen = append(seen, p) }))
	_, err := e.RestoreFromPlan(context.Background(), Plan{Actions: []Action{
		writeAction("a", a, 3),
		writeAction("b", b, 4),
	}})
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, 50.0, seen[0].Percentage())
	assert.Equal(t, 100.0, seen[1].Percentage())
	assert.Equal(t, uint64(7), seen[1].RestoredBytes)
	assert.Equal(t, "b", seen[1].Current)
}
