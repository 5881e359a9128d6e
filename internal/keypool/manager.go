// Package keypool manages the lifecycle, selection and rate-limit
// bookkeeping of upstream credentials.
//
// Credential records live in the external store and are mutated under a
// read-then-write, last-writer-wins discipline. Concurrent selections may
// race within the same tie-break window and briefly over-select one
// credential past its nominal share; that approximation is accepted.
package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keyrelay/internal/security"
	"keyrelay/internal/store"
)

// rateWindow is the fixed rate-limit window. The sweep runs on the same
// interval and resets counters for every credential whose window elapsed.
const rateWindow = 60 * time.Second

// Manager owns the credential pool. Construct once at process start with New,
// call Init before serving, and Stop on shutdown.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	prefix string

	defaultAlgorithm string
	defaultRPM       int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager over the given store. prefix namespaces all keys;
// defaults seed the persisted PoolConfig when the store has none.
func New(s store.Store, logger *slog.Logger, prefix, defaultAlgorithm string, defaultRPM int) *Manager {
	return &Manager{
		store:            s,
		logger:           logger,
		prefix:           prefix,
		defaultAlgorithm: defaultAlgorithm,
		defaultRPM:       defaultRPM,
	}
}

func (m *Manager) configKey() string {
	return m.prefix + ":config"
}

func (m *Manager) credentialKey(key string) string {
	return m.prefix + ":pool:" + key
}

func (m *Manager) poolPrefix() string {
	return m.prefix + ":pool:"
}

// Init loads the pool configuration, persisting a default one when the store
// has none, and arms the periodic rate-limit reset sweep.
func (m *Manager) Init(ctx context.Context) error {
	if _, err := m.loadConfig(ctx); err != nil {
		return err
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.sweepLoop(sweepCtx)

	m.logger.Info("Key pool initialized", "prefix", m.prefix)
	return nil
}

// Stop terminates the sweep goroutine and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// loadConfig returns the persisted PoolConfig, creating the default when absent.
func (m *Manager) loadConfig(ctx context.Context) (*PoolConfig, error) {
	raw, ok, err := m.store.Get(ctx, m.configKey())
	if err != nil {
		return nil, fmt.Errorf("keypool: load config: %w", err)
	}
	if ok {
		var cfg PoolConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("keypool: decode config: %w", err)
		}
		return &cfg, nil
	}

	cfg := PoolConfig{
		SelectionAlgorithm: m.defaultAlgorithm,
		DefaultRPM:         m.defaultRPM,
	}
	if err := m.saveConfig(ctx, &cfg); err != nil {
		return nil, err
	}
	m.logger.Info("Persisted default pool config",
		"algorithm", cfg.SelectionAlgorithm,
		"default_rpm", cfg.DefaultRPM,
	)
	return &cfg, nil
}

func (m *Manager) saveConfig(ctx context.Context, cfg *PoolConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("keypool: encode config: %w", err)
	}
	if err := m.store.Set(ctx, m.configKey(), raw); err != nil {
		return fmt.Errorf("keypool: save config: %w", err)
	}
	return nil
}

// Config returns the current pool configuration.
func (m *Manager) Config(ctx context.Context) (*PoolConfig, error) {
	return m.loadConfig(ctx)
}

// UpdateConfig applies a validated partial update to the pool configuration.
func (m *Manager) UpdateConfig(ctx context.Context, patch ConfigPatch) (*PoolConfig, error) {
	if patch.SelectionAlgorithm != nil && !ValidAlgorithm(*patch.SelectionAlgorithm) {
		return nil, fmt.Errorf("keypool: invalid selection algorithm: %s", *patch.SelectionAlgorithm)
	}
	if patch.DefaultRPM != nil && *patch.DefaultRPM <= 0 {
		return nil, fmt.Errorf("keypool: invalid default rpm: %d", *patch.DefaultRPM)
	}

	cfg, err := m.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if patch.SelectionAlgorithm != nil {
		cfg.SelectionAlgorithm = *patch.SelectionAlgorithm
	}
	if patch.DefaultRPM != nil {
		cfg.DefaultRPM = *patch.DefaultRPM
	}
	if err := m.saveConfig(ctx, cfg); err != nil {
		return nil, err
	}

	m.logger.Info("Pool config updated",
		"algorithm", cfg.SelectionAlgorithm,
		"default_rpm", cfg.DefaultRPM,
	)
	return cfg, nil
}

// ListCredentials returns every credential under the pool namespace.
// Best-effort scan; may race with concurrent mutation.
func (m *Manager) ListCredentials(ctx context.Context) ([]Credential, error) {
	entries, err := m.store.List(ctx, m.poolPrefix())
	if err != nil {
		return nil, fmt.Errorf("keypool: list credentials: %w", err)
	}

	creds := make([]Credential, 0, len(entries))
	for _, entry := range entries {
		var cred Credential
		if err := json.Unmarshal(entry.Value, &cred); err != nil {
			m.logger.Warn("Skipping undecodable credential record", "store_key", entry.Key, "error", err)
			continue
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

// AddCredential creates a credential seeded with pool defaults. An existing
// credential with the same key is overwritten, resetting its counters.
func (m *Manager) AddCredential(ctx context.Context, key string, rpm int) (*Credential, error) {
	if key == "" {
		return nil, fmt.Errorf("keypool: credential key is required")
	}
	if rpm < 0 {
		return nil, fmt.Errorf("keypool: invalid rpm: %d", rpm)
	}

	cfg, err := m.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if rpm == 0 {
		rpm = cfg.DefaultRPM
	}

	cred := Credential{
		Key: key,
		RateLimit: RateLimit{
			RPM:         rpm,
			WindowStart: time.Now().UTC(),
		},
		Enabled: true,
	}
	if err := m.saveCredential(ctx, &cred); err != nil {
		return nil, err
	}

	m.logger.Info("Credential added", "credential", security.MaskAPIKey(key), "rpm", rpm)
	return &cred, nil
}

// AddCredentials applies AddCredential per item and partitions the results.
// Partial failure never aborts the batch.
func (m *Manager) AddCredentials(ctx context.Context, batch []AddRequest) BatchResult {
	result := BatchResult{
		Succeeded: make([]string, 0, len(batch)),
		Failed:    make([]string, 0),
	}
	for _, item := range batch {
		if _, err := m.AddCredential(ctx, item.Key, item.RPM); err != nil {
			m.logger.Warn("Batch credential add failed",
				"credential", security.MaskAPIKey(item.Key),
				"error", err,
			)
			result.Failed = append(result.Failed, item.Key)
			continue
		}
		result.Succeeded = append(result.Succeeded, item.Key)
	}
	return result
}

// UpdateCredential applies a partial update. Re-enabling clears the disable
// reason and timestamp.
func (m *Manager) UpdateCredential(ctx context.Context, key string, patch CredentialPatch) (*Credential, error) {
	cred, err := m.getCredential(ctx, key)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("keypool: credential not found")
	}

	if patch.RPM != nil {
		if *patch.RPM <= 0 {
			return nil, fmt.Errorf("keypool: invalid rpm: %d", *patch.RPM)
		}
		cred.RateLimit.RPM = *patch.RPM
	}
	if patch.Enabled != nil {
		cred.Enabled = *patch.Enabled
		if cred.Enabled {
			cred.DisabledReason = ""
			cred.DisabledAt = time.Time{}
		} else {
			cred.DisabledReason = "disabled by admin"
			cred.DisabledAt = time.Now().UTC()
		}
	}

	if err := m.saveCredential(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// DeleteCredential removes a credential from the pool.
func (m *Manager) DeleteCredential(ctx context.Context, key string) error {
	if err := m.store.Delete(ctx, m.credentialKey(key)); err != nil {
		return fmt.Errorf("keypool: delete credential: %w", err)
	}
	m.logger.Info("Credential deleted", "credential", security.MaskAPIKey(key))
	return nil
}

// SelectCredential picks a credential for one request. A non-empty
// explicitKey bypasses the pool entirely and is returned as-is. Otherwise the
// configured algorithm picks among enabled credentials; the winner is charged
// one request against its window and persisted before being returned.
func (m *Manager) SelectCredential(ctx context.Context, explicitKey string) (*Credential, error) {
	if explicitKey != "" {
		return &Credential{Key: explicitKey, Enabled: true}, nil
	}
	return m.SelectExcluding(ctx)
}

// SelectExcluding is SelectCredential restricted to the complement of the
// exclusion set. The relay uses it to pick a replacement during failover so a
// just-disabled credential is never reselected.
func (m *Manager) SelectExcluding(ctx context.Context, exclude ...string) (*Credential, error) {
	cfg, err := m.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	creds, err := m.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, key := range exclude {
		excluded[key] = true
	}

	candidates := make([]Credential, 0, len(creds))
	for _, cred := range creds {
		if !excluded[cred.Key] {
			candidates = append(candidates, cred)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrPoolEmpty
	}

	enabled := make([]Credential, 0, len(candidates))
	for _, cred := range candidates {
		if cred.Enabled {
			enabled = append(enabled, cred)
		}
	}
	if len(enabled) == 0 {
		return nil, ErrNoneEnabled
	}

	chosen := pickByAlgorithm(enabled, cfg.SelectionAlgorithm)

	// The top candidate alone decides: an individually rate-limited winner
	// fails the whole selection even when other credentials have budget left.
	if chosen.RateLimit.CurrentCount >= chosen.RateLimit.RPM {
		m.logger.Debug("Selected credential is rate limited",
			"credential", security.MaskAPIKey(chosen.Key),
			"current_count", chosen.RateLimit.CurrentCount,
			"rpm", chosen.RateLimit.RPM,
		)
		return nil, &RateLimitedError{Key: chosen.Key, RPM: chosen.RateLimit.RPM}
	}

	chosen.RateLimit.CurrentCount++
	chosen.Usage.TotalRequests++
	chosen.Usage.LastUsedAt = time.Now().UTC()
	if err := m.saveCredential(ctx, &chosen); err != nil {
		return nil, err
	}

	m.logger.Debug("Credential selected",
		"credential", security.MaskAPIKey(chosen.Key),
		"algorithm", cfg.SelectionAlgorithm,
		"current_count", chosen.RateLimit.CurrentCount,
	)
	return &chosen, nil
}

// pickByAlgorithm returns the minimum candidate for the configured metric.
// Ties resolve to the first candidate in store iteration order.
func pickByAlgorithm(enabled []Credential, algorithm string) Credential {
	chosen := enabled[0]
	for _, cred := range enabled[1:] {
		switch algorithm {
		case AlgorithmLeastUsed:
			if cred.Usage.TotalRequests < chosen.Usage.TotalRequests {
				chosen = cred
			}
		case AlgorithmTokenBalanced:
			if cred.Usage.TotalTokens < chosen.Usage.TotalTokens {
				chosen = cred
			}
		default: // round-robin: oldest-used-first, not a rotating index
			if cred.Usage.LastUsedAt.Before(chosen.Usage.LastUsedAt) {
				chosen = cred
			}
		}
	}
	return chosen
}

// RecordUsage accumulates token counters for a credential. A no-op when the
// credential no longer exists — usage from in-flight requests may outlive an
// admin delete.
func (m *Manager) RecordUsage(ctx context.Context, key string, delta UsageDelta) error {
	cred, err := m.getCredential(ctx, key)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}

	cred.Usage.PromptTokens += delta.PromptTokens
	cred.Usage.CompletionTokens += delta.CompletionTokens
	cred.Usage.TotalTokens += delta.TotalTokens
	return m.saveCredential(ctx, cred)
}

// Disable marks a credential unusable, stamping the reason and time.
// A no-op when the credential is missing.
func (m *Manager) Disable(ctx context.Context, key, reason string) error {
	cred, err := m.getCredential(ctx, key)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}

	cred.Enabled = false
	cred.DisabledReason = reason
	cred.DisabledAt = time.Now().UTC()
	if err := m.saveCredential(ctx, cred); err != nil {
		return err
	}

	m.logger.Warn("Credential disabled",
		"credential", security.MaskAPIKey(key),
		"reason", reason,
	)
	return nil
}

func (m *Manager) getCredential(ctx context.Context, key string) (*Credential, error) {
	raw, ok, err := m.store.Get(ctx, m.credentialKey(key))
	if err != nil {
		return nil, fmt.Errorf("keypool: get credential: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("keypool: decode credential: %w", err)
	}
	return &cred, nil
}

func (m *Manager) saveCredential(ctx context.Context, cred *Credential) error {
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("keypool: encode credential: %w", err)
	}
	if err := m.store.Set(ctx, m.credentialKey(cred.Key), raw); err != nil {
		return fmt.Errorf("keypool: save credential: %w", err)
	}
	return nil
}

// sweepLoop resets elapsed rate-limit windows on a fixed interval,
// independent of request traffic.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(rateWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep performs one reset pass. It tolerates concurrent selections racing
// its read-modify-write on the same record; last writer wins.
func (m *Manager) sweep(ctx context.Context) {
	creds, err := m.ListCredentials(ctx)
	if err != nil {
		m.logger.Error("Rate-limit sweep failed to list credentials", "error", err)
		return
	}

	now := time.Now().UTC()
	resets := 0
	for i := range creds {
		cred := creds[i]
		if now.Sub(cred.RateLimit.WindowStart) < rateWindow {
			continue
		}
		// Idle credentials get a fresh window start too, so persisted
		// records never carry a stale window.
		cred.RateLimit.CurrentCount = 0
		cred.RateLimit.WindowStart = now
		if err := m.saveCredential(ctx, &cred); err != nil {
			m.logger.Error("Rate-limit sweep failed to reset credential",
				"credential", security.MaskAPIKey(cred.Key),
				"error", err,
			)
			continue
		}
		resets++
	}

	if resets > 0 {
		m.logger.Debug("Rate-limit sweep completed", "resets", resets)
	}
}
