package service

import (
	"testing"

	"github.com/banditlabs/bandgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func variantCfg(id string, control bool) config.VariantConfig {
	return config.VariantConfig{ID: id, Control: control}
}

func TestRegistryBuildsValidConfig(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	require.NoError(t, err)

	exp, ok := registry.Experiment("exp-1")
	require.True(t, ok)
	assert.True(t, exp.Active())
	assert.Len(t, registry.ExperimentIDs(), 3)
	assert.ElementsMatch(t, []string{"v-a", "v-b"}, registry.VariantIDs("exp-1"))
}

func TestRegistryRejectsSingleVariantElement(t *testing.T) {
	cfg := &config.Config{Experiments: []config.ExperimentConfig{{
		ID: "exp-1", Status: "active",
		Elements: []config.ElementConfig{{ID: "el-1", Variants: []config.VariantConfig{
			variantCfg("v-a", true),
		}}},
	}}}
	_, err := NewRegistry(cfg)
	assert.ErrorContains(t, err, "at least 2")
}

func TestRegistryRejectsMissingControl(t *testing.T) {
	cfg := &config.Config{Experiments: []config.ExperimentConfig{{
		ID: "exp-1", Status: "active",
		Elements: []config.ElementConfig{{ID: "el-1", Variants: []config.VariantConfig{
			variantCfg("v-a", false),
			variantCfg("v-b", false),
		}}},
	}}}
	_, err := NewRegistry(cfg)
	assert.ErrorContains(t, err, "control")

	cfg.Experiments[0].Elements[0].Variants[0].Control = true
	cfg.Experiments[0].Elements[0].Variants[1].Control = true
	_, err = NewRegistry(cfg)
	assert.ErrorContains(t, err, "control")
}

func TestRegistryRejectsDuplicateVariantID(t *testing.T) {
	cfg := &config.Config{Experiments: []config.ExperimentConfig{{
		ID: "exp-1", Status: "active",
		Elements: []config.ElementConfig{{ID: "el-1", Variants: []config.VariantConfig{
			variantCfg("v-a", true),
			variantCfg("v-a", false),
		}}},
	}}}
	_, err := NewRegistry(cfg)
	assert.ErrorContains(t, err, "duplicate variant")
}

func TestRegistryRejectsFixedModeWithoutWeights(t *testing.T) {
	cfg := &config.Config{Experiments: []config.ExperimentConfig{{
		ID: "exp-1", Status: "active", Mode: "fixed",
		Elements: []config.ElementConfig{{ID: "el-1", Variants: []config.VariantConfig{
			{ID: "v-a", Control: true, Weight: 1},
			{ID: "v-b", Weight: 0},
		}}},
	}}}
	_, err := NewRegistry(cfg)
	assert.ErrorContains(t, err, "positive weight")
}

func TestRegistryRejectsUnknownStatusAndMode(t *testing.T) {
	cfg := testConfig()
	cfg.Experiments[0].Status = "archived"
	_, err := NewRegistry(cfg)
	assert.ErrorContains(t, err, "unknown status")

	cfg = testConfig()
	cfg.Experiments[0].Mode = "epsilon-greedy"
	_, err = NewRegistry(cfg)
	assert.ErrorContains(t, err, "unknown mode")
}

func TestRegistryDeactivatedVariantsAreIneligible(t *testing.T) {
	cfg := &config.Config{Experiments: []config.ExperimentConfig{{
		ID: "exp-1", Status: "active",
		Elements: []config.ElementConfig{{ID: "el-1", Variants: []config.VariantConfig{
			{ID: "v-a", Control: true},
			{ID: "v-b"},
			{ID: "v-c", Deactivated: true},
		}}},
	}}}
	registry, err := NewRegistry(cfg)
	require.NoError(t, err)

	el, ok := registry.Element("exp-1", "el-1")
	require.True(t, ok)
	eligible := registry.EligibleVariants(el)
	require.Len(t, eligible, 2)

	// Deactivated variants stay resolvable for historical reads.
	assert.Contains(t, registry.VariantIDs("exp-1"), "v-c")
}

func TestRegistryElementResolution(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	require.NoError(t, err)

	// Empty element id resolves the sole element.
	el, ok := registry.Element("exp-1", "")
	require.True(t, ok)
	assert.Equal(t, "el-1", el.ID)

	_, ok = registry.Element("exp-1", "el-missing")
	assert.False(t, ok)

	_, ok = registry.Element("exp-missing", "")
	assert.False(t, ok)
}

func TestRegistrySingleClientMode(t *testing.T) {
	registry, err := NewRegistry(testConfig())
	require.NoError(t, err)

	cli := registry.DefaultClient()
	require.NotNil(t, cli)

	byKey, ok := registry.ClientByAPIKey(cli.APIKey)
	require.True(t, ok)
	assert.Equal(t, cli.ID, byKey.ID)
	assert.NotNil(t, registry.LimiterForClient(cli.ID))
}

func TestRegistryConfiguredClients(t *testing.T) {
	cfg := testConfig()
	cfg.Clients = []config.ClientConfig{
		{ID: "site-1", Name: "Main Site", APIKey: "bg-site-1", QPS: 10, Burst: 20},
	}
	registry, err := NewRegistry(cfg)
	require.NoError(t, err)

	assert.Nil(t, registry.DefaultClient(), "no implicit client with explicit ones")
	cli, ok := registry.ClientByAPIKey("bg-site-1")
	require.True(t, ok)
	assert.Equal(t, "site-1", cli.ID)
}
