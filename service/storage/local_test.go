package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
)

func newTestService(t *testing.T) IService {
	t.Helper()
	v := config.Defaults()
	v.DataFolder = t.TempDir()
	return NewLocal(config.NewStatic(v))
}

func TestAllocate_SameFilenameDistinctNamespaces(t *testing.T) {
	svc := newTestService(t)

	const n = 8
	namespaces := make([]model.Namespace, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ns, err := svc.Allocate(uuid.NewString(), "video.mp4")
			if err != nil {
				t.Errorf("Allocate() error = %v", err)
				return
			}
			if _, err := svc.StoreUpload(ns, strings.NewReader("payload"), 0); err != nil {
				t.Errorf("StoreUpload() error = %v", err)
			}
			namespaces[i] = ns
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, ns := range namespaces {
		for _, p := range []string{ns.Root, ns.UploadPath, ns.SegmentDir, ns.ManifestPath, ns.HeatmapDir} {
			if seen[p] {
				t.Fatalf("path %s shared between jobs", p)
			}
			seen[p] = true
		}
	}
}

func TestAllocate_RejectsReuseAndBadID(t *testing.T) {
	svc := newTestService(t)
	id := uuid.NewString()

	if _, err := svc.Allocate(id, "a.mp4"); err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, err := svc.Allocate(id, "a.mp4"); err == nil {
		t.Fatal("second Allocate() with same id should fail")
	}
	if _, err := svc.Allocate("../escape", "a.mp4"); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("Allocate(bad id) error = %v, want ErrInvalidInput", err)
	}
}

func TestAllocate_ExtensionFromFilename(t *testing.T) {
	svc := newTestService(t)

	ns, err := svc.Allocate(uuid.NewString(), "Clip.MOV")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if filepath.Base(ns.UploadPath) != "source.mov" {
		t.Errorf("upload path = %s, want source.mov", ns.UploadPath)
	}

	ns, err = svc.Allocate(uuid.NewString(), "../../etc/passwd")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if filepath.Base(ns.UploadPath) != "source.mp4" {
		t.Errorf("upload path = %s, want source.mp4", ns.UploadPath)
	}
}

func TestStoreUpload_TooLarge(t *testing.T) {
	svc := newTestService(t)
	ns, err := svc.Allocate(uuid.NewString(), "v.mp4")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	_, err = svc.StoreUpload(ns, strings.NewReader("0123456789"), 4)
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("StoreUpload() error = %v, want ErrInvalidInput", err)
	}
	if _, err := os.Stat(ns.UploadPath); !os.IsNotExist(err) {
		t.Error("oversized upload should be removed")
	}
}

func TestResolve(t *testing.T) {
	svc := newTestService(t)
	ns, err := svc.Allocate(uuid.NewString(), "v.mp4")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if err := os.WriteFile(ns.ManifestPath, []byte("#EXTM3U\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ns.SegmentDir, "segment_000.ts"), []byte("ts"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		area    Area
		rel     string
		wantErr error
	}{
		{"manifest", AreaHLS, "output.m3u8", nil},
		{"segment", AreaHLS, "segment_000.ts", nil},
		{"missing", AreaHLS, "segment_999.ts", model.ErrNotFound},
		{"parent escape", AreaHLS, "../upload/source.mp4", model.ErrOutsideNamespace},
		{"deep escape", AreaHLS, "../../../etc/passwd", model.ErrOutsideNamespace},
		{"absolute", AreaHLS, "/etc/passwd", model.ErrOutsideNamespace},
		{"empty", AreaHLS, "", model.ErrOutsideNamespace},
		{"dir itself", AreaHLS, ".", model.ErrOutsideNamespace},
		{"wrong area", AreaHeatmap, "output.m3u8", model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Resolve(ns, tt.area, tt.rel)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Resolve() error = %v", err)
				}
				if !strings.HasPrefix(got, ns.SegmentDir) {
					t.Errorf("Resolve() = %s, outside %s", got, ns.SegmentDir)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReclaimAndLookup(t *testing.T) {
	svc := newTestService(t)
	id := uuid.NewString()
	ns, err := svc.Allocate(id, "v.avi")
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if _, err := svc.StoreUpload(ns, strings.NewReader("x"), 0); err != nil {
		t.Fatal(err)
	}

	found, err := svc.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if found.UploadPath != ns.UploadPath {
		t.Errorf("Lookup() upload = %s, want %s", found.UploadPath, ns.UploadPath)
	}

	if err := svc.Reclaim(ns); err != nil {
		t.Fatalf("Reclaim() error = %v", err)
	}
	if _, err := os.Stat(ns.Root); !os.IsNotExist(err) {
		t.Fatal("namespace root should be removed")
	}
	if _, err := svc.Lookup(id); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Lookup() after reclaim error = %v, want ErrNotFound", err)
	}

	if err := svc.Reclaim(model.Namespace{Root: "/tmp"}); !errors.Is(err, model.ErrOutsideNamespace) {
		t.Fatalf("Reclaim(outside) error = %v, want ErrOutsideNamespace", err)
	}
}
