package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/rtpart/internal/manifest"
	"github.com/hupe1980/rtpart/model"
)

// KeepVersions returns the deployed versions that survive pruning: every
// pinned version plus the newest keepCount public ones. keepCount <= 0 keeps
// only the pinned versions. Private versions are owned by the engine and
// always kept.
func KeepVersions(deployed []model.IncVersion, keepCount int, pinned ...model.IncVersion) []model.IncVersion {
	keep := roaring64.New()
	for _, v := range pinned {
		if v.IsValid() {
			keep.Add(uint64(v))
		}
	}

	public := make([]model.IncVersion, 0, len(deployed))
	for _, v := range deployed {
		if !v.IsValid() {
			continue
		}
		if v.IsPrivate() {
			keep.Add(uint64(v))
			continue
		}
		public = append(public, v)
	}
	slices.Sort(public)
	for _, v := range public[max(0, len(public)-max(keepCount, 0)):] {
		keep.Add(uint64(v))
	}

	out := make([]model.IncVersion, 0, keep.GetCardinality())
	it := keep.Iterator()
	for it.HasNext() {
		out = append(out, model.IncVersion(it.Next()))
	}
	return out
}

// CleanIndexFiles removes the manifests of public versions under root that are
// not in keep, and the data files only they referenced. Leftover staging files
// of interrupted deploys are removed too.
func (d *Deployer) CleanIndexFiles(ctx context.Context, root string, keep []model.IncVersion) error {
	store := manifest.NewStore(d.opts.fs, root)
	versions, err := store.ListVersions()
	if err != nil {
		return err
	}

	keepSet := roaring64.New()
	for _, v := range keep {
		if v.IsValid() {
			keepSet.Add(uint64(v))
		}
	}

	var (
		remaining []model.IncVersion
		orphans   = make(map[string]struct{})
	)
	for _, v := range versions {
		if v.IsPrivate() || keepSet.Contains(uint64(v)) {
			remaining = append(remaining, v)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := store.Load(v)
		if err != nil && !errors.Is(err, manifest.ErrCorrupt) {
			return err
		}
		if m != nil {
			for _, f := range m.Files {
				orphans[f.Path] = struct{}{}
			}
		}
		if err := store.DeleteVersion(v); err != nil {
			return err
		}
		d.logger.Debug("removed deployed version", "root", root, "version", v)
	}

	referenced, err := store.ReferencedFiles(remaining)
	if err != nil {
		return err
	}
	for p := range orphans {
		if _, ok := referenced[p]; ok {
			continue
		}
		if err := d.opts.fs.Remove(filepath.Join(root, filepath.FromSlash(p))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return d.removeStaging(root)
}

func (d *Deployer) removeStaging(dir string) error {
	entries, err := d.opts.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		p := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			if err := d.removeStaging(p); err != nil {
				return err
			}
		case strings.HasPrefix(e.Name(), stagingPrefix):
			if err := d.opts.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}
