package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"

	"studiocrm/internal/config"
	"studiocrm/internal/storage"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	gt.NoError(t, os.WriteFile(p, []byte(content), 0o644)).Required()
	return p
}

func TestLocalUploadDeleteExists(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir(), "https://files.example.com/", nil)
	gt.NoError(t, err).Required()

	src := writeTemp(t, "plan.pdf", "floor plan")
	obj, err := store.Upload(ctx, src, "C-1/Stage 1: planning solutions", "")
	gt.NoError(t, err).Required()
	gt.Value(t, obj.RemotePath).Equal("C-1/Stage 1: planning solutions/plan.pdf")
	gt.Value(t, obj.FileName).Equal("plan.pdf")

	ok, err := store.Exists(ctx, obj.RemotePath)
	gt.NoError(t, err)
	gt.Bool(t, ok).True()

	link, err := store.Publish(ctx, obj.RemotePath)
	gt.NoError(t, err)
	gt.Value(t, link).Equal("https://files.example.com/C-1/Stage 1: planning solutions/plan.pdf")

	deleted, err := store.Delete(ctx, obj.RemotePath)
	gt.NoError(t, err)
	gt.Bool(t, deleted).True()

	deleted, err = store.Delete(ctx, obj.RemotePath)
	gt.NoError(t, err)
	gt.Bool(t, deleted).False()

	ok, err = store.Exists(ctx, obj.RemotePath)
	gt.NoError(t, err)
	gt.Bool(t, ok).False()
}

func TestLocalUploadStaysInsideRoot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := storage.NewLocal(root, "", nil)
	gt.NoError(t, err).Required()

	src := writeTemp(t, "a.txt", "x")
	obj, err := store.Upload(ctx, src, "../../outside", "../../escape.txt")
	gt.NoError(t, err).Required()
	gt.Value(t, obj.RemotePath).Equal("outside/escape.txt")

	_, err = os.Stat(filepath.Join(root, "outside", "escape.txt"))
	gt.NoError(t, err)

	link, err := store.Publish(ctx, obj.RemotePath)
	gt.NoError(t, err)
	gt.B(t, strings.HasPrefix(link, "file://")).True()
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := storage.New(config.StorageConfig{Backend: "ftp"}, nil)
	gt.Error(t, err)
}

func TestUploaderDeliversResults(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir(), "https://cdn.example.com", nil)
	gt.NoError(t, err).Required()

	u := storage.NewUploader(ctx, store, 2, nil)
	paths := []string{
		writeTemp(t, "one.txt", "1"),
		writeTemp(t, "two.txt", "2"),
		filepath.Join(t.TempDir(), "missing.txt"),
	}
	go func() {
		for i, p := range paths {
			_ = u.Submit(ctx, storage.Job{ID: string(rune('a' + i)), LocalPath: p, RemoteFolder: "card", Publish: true})
		}
		u.Close()
	}()

	byID := map[string]storage.Result{}
	for res := range u.Results() {
		byID[res.Job.ID] = res
	}
	gt.Value(t, len(byID)).Equal(3)
	gt.NoError(t, byID["a"].Err)
	gt.Value(t, byID["a"].Object.PublicLink).Equal("https://cdn.example.com/card/one.txt")
	gt.NoError(t, byID["b"].Err)
	gt.Error(t, byID["c"].Err)

	gt.Error(t, u.Submit(ctx, storage.Job{ID: "late"}))
}
