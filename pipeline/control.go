package pipeline

import (
	"context"

	"github.com/hupe1980/rtpart/document"
	"github.com/hupe1980/rtpart/schema"
)

// addressed reports whether a control document targets this partition.
func (p *Pipeline) addressed(buildID string) bool {
	return buildID == p.cfg.Partition.BuildID()
}

func (p *Pipeline) handleAlter(ctx context.Context, raw *document.Raw) {
	cmd, err := document.ParseAlterTable(raw)
	if err != nil {
		p.logger.Warn("ignoring malformed alter document", "locator", raw.Locator, "error", err)
		return
	}
	if !p.addressed(cmd.BuildID) {
		p.logger.Debug("ignoring alter for another partition", "build_id", cmd.BuildID)
		return
	}

	s, err := schema.LoadSchema(cmd.ConfigPath)
	if err != nil {
		p.logger.Warn("alter schema unreadable, keeping current schema", "config_path", cmd.ConfigPath, "error", err)
		return
	}
	if s.Version != cmd.SchemaVersion {
		p.logger.Warn("alter schema version mismatch, keeping current schema",
			"config_path", cmd.ConfigPath, "want", cmd.SchemaVersion, "got", s.Version)
		return
	}

	p.transformerMu.RLock()
	next := *p.table
	p.transformerMu.RUnlock()
	next.Schema = s

	tr, err := p.opts.newTransformer(&next)
	if err != nil {
		p.logger.Warn("transformer for new schema failed, keeping current schema", "error", err)
		return
	}

	p.builderMu.RLock()
	b := p.builder
	p.builderMu.RUnlock()
	if b == nil {
		return
	}
	if err := b.AlterTable(ctx, s, cmd.ConfigPath, cmd.Locator); err != nil {
		if p.handleFailure(ctx, "alter", err, "schema_version", s.Version) {
			p.logger.Warn("keeping current schema", "schema_version", s.Version)
		}
		return
	}

	p.transformerMu.Lock()
	p.transformer = tr
	p.table = &next
	p.cfg.Props.ConfigPath = cmd.ConfigPath
	p.transformerMu.Unlock()
	p.logger.Info("schema altered", "schema_version", s.Version, "config_path", cmd.ConfigPath)
}

func (p *Pipeline) handleBulkload(ctx context.Context, raw *document.Raw) {
	cmd, err := document.ParseBulkload(raw)
	if err != nil {
		p.logger.Warn("ignoring malformed bulkload document", "locator", raw.Locator, "error", err)
		return
	}
	if !p.addressed(cmd.BuildID) {
		p.logger.Debug("ignoring bulkload for another partition", "build_id", cmd.BuildID)
		return
	}

	p.builderMu.RLock()
	b := p.builder
	p.builderMu.RUnlock()
	if b == nil {
		return
	}
	if err := b.ImportExternalFiles(ctx, cmd); err != nil {
		p.handleFailure(ctx, "bulkload", err, "bulkload_id", cmd.BulkloadID)
		return
	}
	p.logger.Info("bulkload imported", "bulkload_id", cmd.BulkloadID, "files", len(cmd.ExternalFiles))
}
