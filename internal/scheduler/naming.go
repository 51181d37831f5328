package scheduler

import (
	"fmt"
	"path"
	"strings"

	"github.com/kilnd/kiln/internal/models"
)

func sanitizeName(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "/", "-"), " ", "_")
}

// runBaseName composes the deterministic base a run is named after:
// model, loss, pretrained-or-scratch, optional suffix.
func runBaseName(snap models.ConfigSnapshot) string {
	model := snap.ModelFlavour
	if model == "" {
		model = "model"
	}
	loss := snap.LossName
	if loss == "" {
		loss = "loss"
	}
	init := "pretrained"
	if snap.LoadPretrained != nil && !*snap.LoadPretrained {
		init = "scratch"
	}
	return fmt.Sprintf("%s__%s__%s%s", sanitizeName(model), loss, init, snap.ModelSuffix)
}

// uniqueRunName probes existing run names under the log namespace and
// appends -v1, -v2, ... until the name is unused. Two runs never share a
// log/checkpoint directory.
func (s *Scheduler) uniqueRunName(logDir, base string) (string, error) {
	candidate := base
	for k := 1; ; k++ {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM runs WHERE log_dir = ? AND name = ?", logDir, candidate).Scan(&n); err != nil {
			return "", err
		}
		if n == 0 {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-v%d", base, k)
	}
}

// underShared resolves a configured directory under the shared logs root.
// Parent traversal is stripped so a run can never escape the mount.
func underShared(root, configured, fallback string) string {
	raw := configured
	if raw == "" {
		raw = fallback
	}
	raw = strings.ReplaceAll(raw, "\\", "/")

	var parts []string
	for _, seg := range strings.Split(raw, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, seg)
		}
	}
	return path.Join(append([]string{root}, parts...)...)
}
