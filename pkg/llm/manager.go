package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllUpstreamsUnavailable is returned when both the primary endpoint and
// its fallback fail.
var ErrAllUpstreamsUnavailable = errors.New("all upstream endpoints unavailable")

// Role is a logical upstream role.
type Role string

// Logical roles. Meta drives classification and planning; A pursues the
// depth/professional perspective; B the practical/traffic perspective.
const (
	RoleMeta Role = "meta"
	RoleA    Role = "A"
	RoleB    Role = "B"
)

// ManagerStats aggregates counters across all three endpoints.
type ManagerStats struct {
	Meta      ClientStats `json:"meta_ai"`
	A         ClientStats `json:"ai_a"`
	B         ClientStats `json:"ai_b"`
	TotalCost float64     `json:"total_cost"`
}

// Caller is the subset of Manager the phase functions depend on. Tests
// substitute a scripted implementation.
type Caller interface {
	Call(ctx context.Context, role Role, messages []Message, opts ChatOptions) (*ChatResult, error)
}

// Manager routes logical roles to endpoint clients. When a primary's
// circuit is open, or its call fails, the designated fallback is tried:
// meta→A, A→B, B→meta.
type Manager struct {
	meta *Client
	a    *Client
	b    *Client
}

// NewManager wires the three endpoint clients.
func NewManager(meta, a, b *Client) *Manager {
	return &Manager{meta: meta, a: a, b: b}
}

// Call invokes the endpoint for a role with circuit-breaker failover.
func (m *Manager) Call(ctx context.Context, role Role, messages []Message, opts ChatOptions) (*ChatResult, error) {
	primary, fallback := m.route(role)

	if primary.CircuitOpen() {
		slog.Warn("Circuit open, routing to fallback",
			"role", role, "primary", primary.Name(), "fallback", fallback.Name())
		return m.callFallback(ctx, fallback, messages, opts)
	}

	result, err := primary.Chat(ctx, messages, opts)
	if err == nil {
		return result, nil
	}
	slog.Error("Primary endpoint failed, trying fallback",
		"role", role, "primary", primary.Name(), "error", err)
	return m.callFallback(ctx, fallback, messages, opts)
}

func (m *Manager) callFallback(ctx context.Context, fallback *Client, messages []Message, opts ChatOptions) (*ChatResult, error) {
	result, err := fallback.Chat(ctx, messages, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllUpstreamsUnavailable, err)
	}
	return result, nil
}

// route maps a role to its primary and fallback clients.
func (m *Manager) route(role Role) (primary, fallback *Client) {
	switch role {
	case RoleA:
		return m.a, m.b
	case RoleB:
		return m.b, m.meta
	default:
		return m.meta, m.a
	}
}

// Stats returns per-endpoint and aggregate counters.
func (m *Manager) Stats() ManagerStats {
	meta, a, b := m.meta.Stats(), m.a.Stats(), m.b.Stats()
	return ManagerStats{
		Meta:      meta,
		A:         a,
		B:         b,
		TotalCost: meta.Cost + a.Cost + b.Cost,
	}
}

// ResetStats zeroes all endpoint counters.
func (m *Manager) ResetStats() {
	m.meta.ResetStats()
	m.a.ResetStats()
	m.b.ResetStats()
}
