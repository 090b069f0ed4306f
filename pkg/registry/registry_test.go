package registry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
)

// fakeFetcher serves canned cards or errors per endpoint.
type fakeFetcher struct {
	mu    sync.Mutex
	cards map[string]*a2a.AgentCard
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) FetchAgentCard(_ context.Context, endpoint string) (*a2a.AgentCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[endpoint]; ok {
		return nil, err
	}
	if card, ok := f.cards[endpoint]; ok {
		return card, nil
	}
	return nil, errors.New("connection refused")
}

func testCard(name string, capabilities ...string) *a2a.AgentCard {
	return &a2a.AgentCard{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: capabilities,
	}
}

func TestRegisterAndGetByName(t *testing.T) {
	r := New(nil)

	err := r.Register("salesforce", "http://sf:8001", testCard("salesforce", "salesforce_operations"))
	require.NoError(t, err)

	agent, ok := r.GetByName("salesforce")
	require.True(t, ok)
	assert.Equal(t, "http://sf:8001", agent.Endpoint)
	assert.Equal(t, StatusOnline, agent.Status, "registration with a card marks the agent online")
	assert.True(t, agent.HasCapability("salesforce_operations"))

	_, ok = r.GetByName("missing")
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil)

	assert.Error(t, r.Register("", "http://x", nil))
	assert.Error(t, r.Register("x", "", nil))

	require.NoError(t, r.Register("dup", "http://a", nil))
	err := r.Register("dup", "http://b", nil)
	assert.ErrorIs(t, err, ErrAgentExists)
}

func TestRegisterWithoutCardStartsUnknown(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("blind", "http://blind:9000", nil))

	agent, ok := r.GetByName("blind")
	require.True(t, ok)
	assert.Equal(t, StatusUnknown, agent.Status)
	assert.True(t, agent.LastHealthCheck.IsZero())
}

func TestDeregister(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("a", "http://a", nil))

	require.NoError(t, r.Deregister("a"))
	_, ok := r.GetByName("a")
	assert.False(t, ok)

	assert.ErrorIs(t, r.Deregister("a"), ErrAgentNotFound)
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := New(nil)
	for _, name := range []string{"third", "first", "second"} {
		require.NoError(t, r.Register(name, "http://"+name, nil))
	}

	var names []string
	for _, agent := range r.List() {
		names = append(names, agent.Name)
	}
	assert.Equal(t, []string{"third", "first", "second"}, names)
}

func TestFindByCapability(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("sf-a", "http://a", testCard("sf-a", "salesforce_operations")))
	require.NoError(t, r.Register("mail", "http://m", testCard("mail", "email_operations")))
	require.NoError(t, r.Register("sf-b", "http://b", testCard("sf-b", "salesforce_operations", "email_operations")))

	matches := r.FindByCapability("salesforce_operations")
	require.Len(t, matches, 2)
	assert.Equal(t, "sf-a", matches[0].Name, "registration order")
	assert.Equal(t, "sf-b", matches[1].Name)

	assert.Empty(t, r.FindByCapability("unheard_of"))
}

func TestFindBestFor(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("offline-sf", "http://o", testCard("offline-sf", "salesforce_operations")))
	require.NoError(t, r.Register("online-sf", "http://n", testCard("online-sf", "salesforce_operations")))
	require.NoError(t, r.Register("online-sf-2", "http://n2", testCard("online-sf-2", "salesforce_operations")))
	require.NoError(t, r.UpdateStatus("offline-sf", StatusOffline))

	// Online beats an earlier-registered offline agent.
	agent, err := r.FindBestFor("look up the GenePoint account", []string{"salesforce_operations"})
	require.NoError(t, err)
	assert.Equal(t, "online-sf", agent.Name, "first online candidate in registration order")

	// All offline: fall back to the first registered candidate.
	require.NoError(t, r.UpdateStatus("online-sf", StatusOffline))
	require.NoError(t, r.UpdateStatus("online-sf-2", StatusOffline))
	agent, err = r.FindBestFor("retry", []string{"salesforce_operations"})
	require.NoError(t, err)
	assert.Equal(t, "offline-sf", agent.Name)

	// Nobody carries the capability.
	_, err = r.FindBestFor("weather", []string{"weather_operations"})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestUpdateStatusRejectsInvalid(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("a", "http://a", nil))

	assert.Error(t, r.UpdateStatus("a", AgentStatus("bogus")))
	assert.ErrorIs(t, r.UpdateStatus("ghost", StatusOnline), ErrAgentNotFound)
}

func TestHealthCheckTransitions(t *testing.T) {
	fetcher := &fakeFetcher{
		cards: map[string]*a2a.AgentCard{
			"http://healthy": testCard("healthy", "math_operations"),
		},
		errs: map[string]error{
			"http://broken": &a2a.A2AError{
				Kind:      a2a.ErrKindProtocol,
				Endpoint:  "http://broken",
				Operation: "get_agent_card",
				Message:   "unexpected payload",
			},
		},
	}
	r := New(fetcher)
	require.NoError(t, r.Register("healthy", "http://healthy", nil))
	require.NoError(t, r.Register("broken", "http://broken", nil))
	require.NoError(t, r.Register("gone", "http://gone", nil))

	status, err := r.HealthCheck(context.Background(), "healthy")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, status)
	agent, _ := r.GetByName("healthy")
	assert.Equal(t, StatusOnline, agent.Status)
	assert.False(t, agent.LastHealthCheck.IsZero())
	assert.True(t, agent.HasCapability("math_operations"), "probe refreshes the card")

	status, err = r.HealthCheck(context.Background(), "broken")
	require.Error(t, err)
	assert.Equal(t, StatusError, status, "protocol violation marks the agent errored")

	status, err = r.HealthCheck(context.Background(), "gone")
	require.Error(t, err)
	assert.Equal(t, StatusOffline, status, "transport failure marks the agent offline")

	_, err = r.HealthCheck(context.Background(), "never-registered")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestHealthCheckAll(t *testing.T) {
	fetcher := &fakeFetcher{
		cards: map[string]*a2a.AgentCard{
			"http://a": testCard("a"),
			"http://b": testCard("b"),
		},
	}
	r := New(fetcher)
	require.NoError(t, r.Register("a", "http://a", nil))
	require.NoError(t, r.Register("b", "http://b", nil))
	require.NoError(t, r.Register("c", "http://c", nil))

	statuses, err := r.HealthCheckAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]AgentStatus{
		"a": StatusOnline,
		"b": StatusOnline,
		"c": StatusOffline,
	}, statuses)

	stats := r.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Online)
	assert.Equal(t, 1, stats.Offline)
}

func TestDiscover(t *testing.T) {
	fetcher := &fakeFetcher{
		cards: map[string]*a2a.AgentCard{
			"http://sf:8001":   testCard("salesforce", "salesforce_operations"),
			"http://mail:8002": testCard("email", "email_operations"),
		},
	}
	r := New(fetcher)

	count, err := r.Discover(context.Background(), []string{
		"http://sf:8001",
		"http://mail:8002",
		"http://dead:9999",
	})
	assert.Equal(t, 2, count)
	require.Error(t, err, "unreachable endpoint reported")

	agent, ok := r.GetByName("salesforce")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, agent.Status)

	// Re-discovery refreshes in place rather than duplicating.
	count, _ = r.Discover(context.Background(), []string{"http://sf:8001"})
	assert.Equal(t, 0, count)
	assert.Equal(t, 2, r.Stats().Total)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent_registry.json")

	r := New(nil, WithPersistPath(path))
	require.NoError(t, r.Register("salesforce", "http://sf:8001", testCard("salesforce", "salesforce_operations")))
	require.NoError(t, r.Register("email", "http://mail:8002", nil))
	require.NoError(t, r.UpdateStatus("email", StatusOffline))

	// On-disk shape is {"agents":[...]}.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file struct {
		Agents []json.RawMessage `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Len(t, file.Agents, 2)

	restored := New(nil, WithPersistPath(path))
	require.NoError(t, restored.Load())

	var names []string
	for _, agent := range restored.List() {
		names = append(names, agent.Name)
	}
	assert.Equal(t, []string{"salesforce", "email"}, names, "registration order survives restart")

	sf, ok := restored.GetByName("salesforce")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, sf.Status)
	assert.True(t, sf.HasCapability("salesforce_operations"))

	email, ok := restored.GetByName("email")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, email.Status)
}

func TestLoadMissingFileIsEmptyRegistry(t *testing.T) {
	r := New(nil, WithPersistPath(filepath.Join(t.TempDir(), "nope.json")))
	require.NoError(t, r.Load())
	assert.Equal(t, 0, r.Stats().Total)
}

func TestDeregisterDropsCapabilityIndex(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register("sf", "http://sf", testCard("sf", "salesforce_operations")))
	require.NoError(t, r.Deregister("sf"))

	assert.Empty(t, r.FindByCapability("salesforce_operations"))
	_, err := r.FindBestFor("anything", []string{"salesforce_operations"})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}
