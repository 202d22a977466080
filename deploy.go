package rtpart

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/hupe1980/rtpart/deploy"
	"github.com/hupe1980/rtpart/model"
)

// Deployer fetches config and index bytes to local disk.
type Deployer interface {
	DeployConfig(ctx context.Context, remote, local string) (model.DeployStatus, error)
	DeployIndex(ctx context.Context, p deploy.PathDetail, base, target model.IncVersion) (model.DeployStatus, error)
	// Cancel stops running deploys cooperatively.
	Cancel()
	// CleanIndexFiles removes local public versions not in keep.
	CleanIndexFiles(ctx context.Context, root string, keep []model.IncVersion) error
}

var _ Deployer = (*deploy.Deployer)(nil)

var errNoDeployer = errors.New("no deployer configured")

// Deploy fetches the target's config and then its index. The index is only
// fetched once the config is done. Unless distDeploy is set, the loaded
// version is the delta base. Empty remote paths mean the bytes are already local.
//
// After a successful deploy, local versions the target does not need are
// pruned. The target, the loaded and the last committed versions are kept,
// plus the newest target.KeepCount deployed ones.
func (c *Controller) Deploy(ctx context.Context, target model.TargetPartitionMeta, distDeploy bool) (model.DeployStatus, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	start := time.Now()
	c.indexRoot = target.IndexRoot
	c.setDeployStatus(target.IncVersion, model.Deploying)

	st, err := c.deployConfig(ctx, target)
	if st == model.DeployDone {
		st, err = c.deployIndex(ctx, target, distDeploy)
	}
	c.setDeployStatus(target.IncVersion, st)
	c.logger.LogDeploy(ctx, target.IncVersion, st, time.Since(start), err)

	if st == model.DeployDone {
		_ = c.prune(ctx, target.IndexRoot, target.KeepCount, c.pinned(target.IncVersion)...)
	}
	return st, err
}

func (c *Controller) deployConfig(ctx context.Context, target model.TargetPartitionMeta) (model.DeployStatus, error) {
	if target.RemoteConfigPath == "" {
		return model.DeployDone, nil
	}
	if c.deployer == nil {
		return model.DeployFailed, errNoDeployer
	}
	return c.deployer.DeployConfig(ctx, target.RemoteConfigPath, target.ConfigPath)
}

func (c *Controller) deployIndex(ctx context.Context, target model.TargetPartitionMeta, distDeploy bool) (model.DeployStatus, error) {
	if target.RemoteIndexRoot == "" {
		return model.DeployDone, nil
	}
	if c.deployer == nil {
		return model.DeployFailed, errNoDeployer
	}
	base := model.InvalidVersion
	if !distDeploy {
		base = c.loadedVersion()
	}
	return c.deployer.DeployIndex(ctx,
		deploy.PathDetail{RemoteRoot: target.RemoteIndexRoot, LocalRoot: target.IndexRoot},
		base, target.IncVersion)
}

// CancelDeploy stops a running Deploy. It does not wait for it.
func (c *Controller) CancelDeploy() {
	if c.deployer != nil {
		c.deployer.Cancel()
	}
}

// CleanIndexFiles removes local versions that are neither in inUse, the loaded
// version, the last committed version nor among the newest KeepCount deployed ones.
func (c *Controller) CleanIndexFiles(ctx context.Context, inUse []model.IncVersion) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	pinned := c.pinned(inUse...)
	keep := deploy.KeepVersions(c.deployedVersions(), c.target.KeepCount, pinned...)

	var errs []error
	if a, _ := c.currentAdapter(); a != nil {
		if err := a.CleanIndexFiles(ctx, keep); err != nil {
			errs = append(errs, err)
		} else if a.CleanUnreferencedIndexFiles(ctx, nil) {
			c.logger.Debug("removed unreferenced index files")
		}
	}
	if err := c.prune(ctx, c.indexRoot, c.target.KeepCount, pinned...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// pinned returns extra plus the loaded and last committed versions.
func (c *Controller) pinned(extra ...model.IncVersion) []model.IncVersion {
	out := append(slices.Clone(extra), c.loadedVersion())
	if v := c.lastCommit.Load(); v != nil {
		out = append(out, v.VersionID)
	}
	return out
}

// prune removes deployed versions beyond keepCount through the deployer.
func (c *Controller) prune(ctx context.Context, root string, keepCount int, pinned ...model.IncVersion) error {
	if c.deployer == nil || root == "" {
		return nil
	}
	keep := deploy.KeepVersions(c.deployedVersions(), keepCount, pinned...)
	if err := c.deployer.CleanIndexFiles(ctx, root, keep); err != nil {
		c.logger.Warn("prune deployed versions failed", "root", root, "error", err)
		return err
	}
	c.updateMeta(func(m *model.CurrentPartitionMeta) {
		maps.DeleteFunc(m.DeployStatus, func(v model.IncVersion, st model.DeployStatus) bool {
			return st == model.DeployDone && !slices.Contains(keep, v)
		})
	})
	return nil
}

func (c *Controller) setDeployStatus(v model.IncVersion, st model.DeployStatus) {
	c.updateMeta(func(m *model.CurrentPartitionMeta) {
		m.DeployStatus[v] = st
	})
}

func (c *Controller) deployedVersions() []model.IncVersion {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	var out []model.IncVersion
	for v, st := range c.meta.DeployStatus {
		if st == model.DeployDone {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}
