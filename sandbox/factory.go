package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/logger"
)

// Backend names accepted in tiers.<tier>.backend
const (
	BackendDocker = "docker"
	BackendPodman = "podman"
	BackendEngine = "engine"
	BackendLocal  = "local"
)

// NewLanguageTable converts the configured languages into a LanguageTable
func NewLanguageTable(languages map[string]config.Language) LanguageTable {
	table := make(LanguageTable, len(languages))
	for name, lang := range languages {
		table[name] = LanguageSettings{
			Image:       lang.Image,
			Environment: lang.Environment,
		}
	}
	return table
}

// LimitsFor returns the sandbox limits configured for a tier
func LimitsFor(tier config.TierConfig) Limits {
	return Limits{
		MemoryMB:       tier.MemoryMB,
		CPUs:           tier.CPUs,
		PidsLimit:      tier.PidsLimit,
		NetworkEnabled: tier.NetworkEnabled,
		ReadOnlyRoot:   tier.ReadOnlyRoot,
	}
}

// NewRunners creates one Runner per enabled tier based on the configuration.
// The Docker Engine client is shared between tiers using the engine backend.
func NewRunners(log *zap.Logger, cfg *config.Config) (map[string]Runner, error) {
	languages := NewLanguageTable(cfg.Languages)
	maxOutput := cfg.Sandbox.MaxOutputKB * 1024
	cmdRunner := RealCommandRunner{MaxOutputBytes: maxOutput}

	var engineAPI EngineAPI
	runners := make(map[string]Runner, len(cfg.Tiers))

	for _, name := range cfg.TierNames() {
		tier := cfg.Tiers[name]
		if !tier.Enabled {
			continue
		}
		tierLogger := logger.ForTier(log, "sandbox", name).With(zap.String("backend", tier.Backend))

		switch tier.Backend {
		case BackendDocker, BackendPodman:
			runners[name] = NewContainerExecutor(tierLogger, tier.Backend, languages, WithContainerCommandRunner(cmdRunner))
		case BackendEngine:
			if engineAPI == nil {
				cli, err := NewEngineClient(cfg.Sandbox.DockerHost)
				if err != nil {
					return nil, err
				}
				engineAPI = cli
			}
			runners[name] = NewEngineExecutor(tierLogger, engineAPI, languages, WithEngineMaxOutputBytes(maxOutput))
		case BackendLocal:
			if !cfg.Sandbox.EnableLocalBackend {
				return nil, fmt.Errorf("local backend for tier %s requires sandbox.enable_local_backend", name)
			}
			tierLogger.Warn("local backend provides no isolation")
			runners[name] = NewLocalExecutor(tierLogger, languages, WithLocalCommandRunner(cmdRunner))
		default:
			return nil, fmt.Errorf("unsupported backend: %s", tier.Backend)
		}
	}

	return runners, nil
}
