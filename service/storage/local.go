package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/khaledhikmat/crowdstream-go/model"
	"github.com/khaledhikmat/crowdstream-go/service/config"
)

var allowedExts = map[string]bool{
	".mp4": true,
	".avi": true,
	".mov": true,
}

type localService struct {
	CfgSvc config.IService
}

func NewLocal(cfgsvc config.IService) IService {
	return &localService{
		CfgSvc: cfgsvc,
	}
}

func (svc *localService) base() string {
	return svc.CfgSvc.GetJobsFolder()
}

func (svc *localService) namespaceFor(jobID, ext string) (model.Namespace, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return model.Namespace{}, xerrors.Errorf("job id %q: %w", jobID, model.ErrInvalidInput)
	}

	root := filepath.Join(svc.base(), jobID)
	hls := filepath.Join(root, string(AreaHLS))
	heat := filepath.Join(root, string(AreaHeatmap))

	return model.Namespace{
		Root:                root,
		UploadPath:          filepath.Join(root, "upload", "source"+ext),
		SegmentDir:          hls,
		ManifestPath:        filepath.Join(hls, ManifestName),
		HeatmapDir:          heat,
		HeatmapManifestPath: filepath.Join(heat, HeatmapManifestName),
	}, nil
}

func (svc *localService) Allocate(jobID, filename string) (model.Namespace, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExts[ext] {
		ext = ".mp4"
	}

	ns, err := svc.namespaceFor(jobID, ext)
	if err != nil {
		return ns, err
	}

	if err := os.MkdirAll(svc.base(), 0755); err != nil {
		return ns, xerrors.Errorf("creating jobs folder: %w", err)
	}

	// Mkdir, not MkdirAll: an existing root means the id is already in use.
	if err := os.Mkdir(ns.Root, 0755); err != nil {
		return ns, xerrors.Errorf("allocating namespace %s: %w", jobID, err)
	}

	for _, dir := range []string{filepath.Dir(ns.UploadPath), ns.SegmentDir, ns.HeatmapDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			_ = os.RemoveAll(ns.Root)
			return ns, xerrors.Errorf("creating %s: %w", dir, err)
		}
	}

	return ns, nil
}

func (svc *localService) Lookup(jobID string) (model.Namespace, error) {
	root := filepath.Join(svc.base(), jobID)
	uploads, _ := filepath.Glob(filepath.Join(root, "upload", "source.*"))

	ext := ".mp4"
	if len(uploads) > 0 {
		ext = filepath.Ext(uploads[0])
	}

	ns, err := svc.namespaceFor(jobID, ext)
	if err != nil {
		return ns, err
	}

	if _, err := os.Stat(ns.Root); err != nil {
		return ns, xerrors.Errorf("job %s: %w", jobID, model.ErrNotFound)
	}
	return ns, nil
}

func (svc *localService) StoreUpload(ns model.Namespace, r io.Reader, maxBytes int64) (int64, error) {
	f, err := os.OpenFile(ns.UploadPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return 0, xerrors.Errorf("creating upload file: %w", err)
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}

	n, err := io.Copy(f, src)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(ns.UploadPath)
		return n, xerrors.Errorf("writing upload: %w", err)
	}

	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(ns.UploadPath)
		return n, xerrors.Errorf("upload exceeds %d bytes: %w", maxBytes, model.ErrInvalidInput)
	}

	if n == 0 {
		_ = os.Remove(ns.UploadPath)
		return 0, xerrors.Errorf("empty upload: %w", model.ErrInvalidInput)
	}

	return n, nil
}

func (svc *localService) Resolve(ns model.Namespace, area Area, rel string) (string, error) {
	var dir string
	switch area {
	case AreaHLS:
		dir = ns.SegmentDir
	case AreaHeatmap:
		dir = ns.HeatmapDir
	default:
		return "", xerrors.Errorf("unknown area %q: %w", area, model.ErrInvalidInput)
	}

	if rel == "" || filepath.IsAbs(rel) || strings.ContainsRune(rel, 0) {
		return "", xerrors.Errorf("%q: %w", rel, model.ErrOutsideNamespace)
	}

	target := filepath.Join(dir, filepath.FromSlash(rel))
	within, err := filepath.Rel(dir, target)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) || within == "." {
		return "", xerrors.Errorf("%q: %w", rel, model.ErrOutsideNamespace)
	}

	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", xerrors.Errorf("%q: %w", rel, model.ErrNotFound)
		}
		return "", xerrors.Errorf("stat %q: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return "", xerrors.Errorf("%q is not a regular file: %w", rel, model.ErrNotFound)
	}

	return target, nil
}

func (svc *localService) Reclaim(ns model.Namespace) error {
	base, err := filepath.Abs(svc.base())
	if err != nil {
		return xerrors.Errorf("resolving jobs folder: %w", err)
	}
	root, err := filepath.Abs(ns.Root)
	if err != nil {
		return xerrors.Errorf("resolving namespace root: %w", err)
	}

	if filepath.Dir(root) != base {
		return xerrors.Errorf("reclaiming %s: %w", ns.Root, model.ErrOutsideNamespace)
	}

	if err := os.RemoveAll(root); err != nil {
		return xerrors.Errorf("reclaiming %s: %w", ns.Root, err)
	}
	return nil
}
