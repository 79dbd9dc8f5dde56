package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pipeweave/pipeweave/internal/attractor/model"
)

// BackoffConfig configures retry delays. This matches the attractor-spec BackoffConfig fields.
type BackoffConfig struct {
	InitialDelayMS int
	BackoffFactor  float64
	MaxDelayMS     int
	Jitter         bool
}

// retryPresets are the named curves a node or graph can select via
// retry_policy. "none" allows a single attempt and never retries; the rest scale
// the interval differently so pipeline authors can pick a curve without
// hand-tuning the four BackoffConfig numbers themselves.
var retryPresets = map[string]BackoffConfig{
	"none": {
		InitialDelayMS: 0,
		BackoffFactor:  1.0,
		MaxDelayMS:     0,
		Jitter:         false,
	},
	"standard": {
		InitialDelayMS: 200,
		BackoffFactor:  2.0,
		MaxDelayMS:     60_000,
		Jitter:         true,
	},
	"aggressive": {
		InitialDelayMS: 500,
		BackoffFactor:  2.0,
		MaxDelayMS:     30_000,
		Jitter:         true,
	},
	"linear": {
		InitialDelayMS: 500,
		BackoffFactor:  1.0,
		MaxDelayMS:     30_000,
		Jitter:         false,
	},
	"patient": {
		InitialDelayMS: 2_000,
		BackoffFactor:  3.0,
		MaxDelayMS:     300_000,
		Jitter:         true,
	},
}

// retryPresetAttempts is the "N attempts" half of each named preset: the
// number of times a node's handler is called in total (first try + retries).
var retryPresetAttempts = map[string]int{
	"none":       1,
	"standard":   5,
	"aggressive": 5,
	"linear":     3,
	"patient":    3,
}

func defaultBackoffConfig() BackoffConfig {
	// A node with no retry_policy and no graph default never retries.
	return retryPresets["none"]
}

// nodeOrGraphAttr returns the node's attribute if set, else the graph's,
// else "".
func nodeOrGraphAttr(g *model.Graph, n *model.Node, key string) string {
	if n != nil {
		if v, ok := n.Attrs[key]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	if g != nil {
		if v, ok := g.Attrs[key]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// resolvedPresetName resolves the retry_policy preset name for a node: node
// attribute, else graph attribute, else "" (caller decides the default).
func resolvedPresetName(g *model.Graph, n *model.Node) string {
	return strings.ToLower(strings.TrimSpace(nodeOrGraphAttr(g, n, "retry_policy")))
}

// maxAttemptsFor resolves the total call count (first try + retries) for a
// node: an explicit `max_retries` attribute (node, else graph's
// `default_max_retry`) takes precedence; otherwise it is the selected
// retry_policy preset's attempt count, defaulting to 1 (no retries) when no
// preset is selected.
func maxAttemptsFor(g *model.Graph, n *model.Node) int {
	if v := nodeOrGraphAttr(g, n, "max_retries"); v != "" {
		if r := parseInt(v, 0); r >= 0 {
			return r + 1
		}
	}
	if g != nil {
		if v := strings.TrimSpace(g.Attrs["default_max_retry"]); v != "" {
			if r := parseInt(v, 0); r >= 0 {
				return r + 1
			}
		}
	}
	preset := resolvedPresetName(g, n)
	if preset == "" {
		return 1
	}
	if attempts, ok := retryPresetAttempts[preset]; ok {
		return attempts
	}
	return 1
}

func backoffConfigFor(g *model.Graph, n *model.Node) BackoffConfig {
	cfg := defaultBackoffConfig()
	get := func(key string) string { return nodeOrGraphAttr(g, n, key) }

	if preset := resolvedPresetName(g, n); preset != "" {
		if p, ok := retryPresets[preset]; ok {
			cfg = p
		}
	}

	if v := strings.TrimSpace(get("retry.backoff.initial_delay_ms")); v != "" {
		cfg.InitialDelayMS = parseInt(v, cfg.InitialDelayMS)
	}
	if v := strings.TrimSpace(get("retry.backoff.backoff_factor")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.BackoffFactor = f
		}
	}
	if v := strings.TrimSpace(get("retry.backoff.max_delay_ms")); v != "" {
		cfg.MaxDelayMS = parseInt(v, cfg.MaxDelayMS)
	}
	if v := strings.TrimSpace(get("retry.backoff.jitter")); v != "" {
		cfg.Jitter = parseBool(v, cfg.Jitter)
	}

	// Sanity.
	if cfg.InitialDelayMS < 0 {
		cfg.InitialDelayMS = 0
	}
	if cfg.MaxDelayMS < 0 {
		cfg.MaxDelayMS = 0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 1.0
	}
	return cfg
}

func DelayForAttempt(attempt int, cfg BackoffConfig, jitterSeed string) time.Duration {
	// attempt is 1-indexed: first retry is attempt=1 (attractor-spec).
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}

	// base = initial * factor^(attempt-1), capped.
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}

	// Apply jitter after capping (matches spec pseudocode).
	if cfg.Jitter {
		m := 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
		baseMS *= m
	}

	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	// Map uint64 -> [0,1]. Avoid division by zero.
	const max = float64(^uint64(0))
	if max <= 0 {
		return 0
	}
	return float64(u) / max
}

func parseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return def
	}
}

func backoffDelayForNode(runID string, g *model.Graph, n *model.Node, attempt int) time.Duration {
	seed := fmt.Sprintf("%s:%s:%d", strings.TrimSpace(runID), func() string {
		if n == nil {
			return ""
		}
		return n.ID
	}(), attempt)
	return DelayForAttempt(attempt, backoffConfigFor(g, n), seed)
}

