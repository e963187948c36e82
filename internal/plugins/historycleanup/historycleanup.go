// Package historycleanup reverses transfers when their download is deleted
// and purges old failed transfer rows.
package historycleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glefebvre/moviepilot/internal/eventbus"
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/glefebvre/moviepilot/internal/retry"
	"github.com/glefebvre/moviepilot/internal/transfer"
)

const (
	ID = "historycleanup"

	// RunEvent is emitted by the /history_cleanup command
	RunEvent eventbus.Type = "historycleanup.run"

	defaultRetentionDays = 30
	// how many empty parents (season, show) are removed after a file
	maxEmptyParents = 2
)

// Plugin reacts to downloadfile.deleted
type Plugin struct {
	plugin.Base

	mu          sync.Mutex
	enabled     bool
	deleteFiles bool
	retention   time.Duration
	pc          *plugin.Context
	ops         *transfer.FileOps
	now         func() time.Time
}

// Summary counts what one cleanup removed
type Summary struct {
	Rows  int `json:"rows"`
	Files int `json:"files"`
}

func New() *Plugin {
	return &Plugin{
		ops: transfer.NewFileOps(retry.Config{}, transfer.RcloneConfig{}),
		now: time.Now,
	}
}

func (p *Plugin) ID() string   { return ID }
func (p *Plugin) Name() string { return "Transfer history cleanup" }

func (p *Plugin) State() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Plugin) Form() ([]plugin.Field, plugin.Config) {
	fields := []plugin.Field{
		{Name: "enabled", Label: "Enabled", Type: "switch"},
		{Name: "delete_files", Label: "Delete library files", Type: "switch"},
		{Name: "retention_days", Label: "Keep failed rows for (days)", Type: "number"},
		{Name: "cron", Label: "Purge schedule", Type: "text"},
	}
	return fields, plugin.Config{
		"enabled":        "true",
		"delete_files":   "true",
		"retention_days": fmt.Sprint(defaultRetentionDays),
		"cron":           "30 4 * * *",
	}
}

func (p *Plugin) Commands() []plugin.CommandDescriptor {
	return []plugin.CommandDescriptor{{
		Cmd:         "/history_cleanup",
		Event:       RunEvent,
		Description: "Purge failed transfer history",
		Category:    "Maintenance",
	}}
}

func (p *Plugin) APIs() []plugin.APIDescriptor {
	return []plugin.APIDescriptor{{
		Method:  http.MethodPost,
		Path:    "/purge",
		Summary: "Purge failed transfer history now",
		Handler: p.servePurge,
	}}
}

func (p *Plugin) Init(ctx context.Context, pc *plugin.Context, cfg plugin.Config) error {
	p.mu.Lock()
	p.enabled = cfg.Bool("enabled")
	p.deleteFiles = cfg.Bool("delete_files")
	p.retention = time.Duration(cfg.Int("retention_days", defaultRetentionDays)) * 24 * time.Hour
	p.pc = pc
	enabled := p.enabled
	p.mu.Unlock()

	if !enabled {
		return nil
	}

	pc.Bus().On(eventbus.DownloadFileDeleted, "reverse", func(ctx context.Context, ev eventbus.Event) error {
		_, err := p.Reverse(ctx, ev.String("download_hash"), ev.String("src"))
		return err
	})
	pc.Bus().On(RunEvent, "purge", func(ctx context.Context, ev eventbus.Event) error {
		summary, err := p.Purge(ctx)
		if err != nil {
			return err
		}
		pc.Notify(ctx, "History cleanup finished", fmt.Sprintf("%d failed rows removed", summary.Rows))
		return nil
	})
	if expr := cfg.String("cron", ""); expr != "" {
		return pc.Scheduler().AddCron("purge", expr, func(ctx context.Context) error {
			_, err := p.Purge(ctx)
			return err
		})
	}
	return nil
}

// Reverse deletes the library files and transfer rows of a download. When
// src is set only rows for that source file are touched.
func (p *Plugin) Reverse(ctx context.Context, hash, src string) (*Summary, error) {
	summary := &Summary{}
	if hash == "" {
		return summary, nil
	}
	pc := p.context()
	log := pc.Logger().WithFields(map[string]interface{}{"download_hash": hash})

	rows, err := pc.Records().Transfers.ListByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if src != "" && row.Src != src {
			continue
		}
		if row.Status && row.Dest != "" && p.deletesFiles() {
			n, err := p.removePlaced(row.Dest)
			if err != nil {
				// the row stays so the next deletion event retries
				log.WithFields(map[string]interface{}{"dest": row.Dest}).Error("failed to remove library file", err)
				continue
			}
			summary.Files += n
		}
		if err := pc.Records().Transfers.Delete(ctx, row.ID); err != nil {
			return summary, err
		}
		summary.Rows++
	}
	if src == "" {
		if err := pc.Records().Tasks.DeleteByHash(ctx, hash); err != nil {
			return summary, err
		}
	}

	log.WithFields(map[string]interface{}{
		"rows":  summary.Rows,
		"files": summary.Files,
	}).Info("transfer history reversed")
	return summary, nil
}

// Purge removes failed rows older than the retention window
func (p *Plugin) Purge(ctx context.Context) (*Summary, error) {
	pc := p.context()
	p.mu.Lock()
	cutoff := p.now().Add(-p.retention)
	p.mu.Unlock()

	rows, err := pc.Records().Transfers.ListFailedBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	summary := &Summary{}
	for _, row := range rows {
		if err := pc.Records().Transfers.Delete(ctx, row.ID); err != nil {
			return summary, err
		}
		summary.Rows++
	}
	if summary.Rows > 0 {
		pc.Logger().WithFields(map[string]interface{}{"rows": summary.Rows}).Info("failed transfer history purged")
	}
	return summary, nil
}

// removePlaced deletes dest, the sidecars sharing its stem and the
// directories left empty
func (p *Plugin) removePlaced(dest string) (int, error) {
	dir := filepath.Dir(dest)
	stem := strings.TrimSuffix(filepath.Base(dest), filepath.Ext(dest))

	removed := 0
	if err := p.ops.Remove(dest); err != nil {
		return 0, err
	}
	removed++

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), stem+".") {
				continue
			}
			if err := p.ops.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}

	for i := 0; i < maxEmptyParents; i++ {
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return removed, nil
}

func (p *Plugin) servePurge(w http.ResponseWriter, r *http.Request) {
	summary, err := p.Purge(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (p *Plugin) context() *plugin.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}

func (p *Plugin) deletesFiles() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleteFiles
}
