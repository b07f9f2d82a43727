package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() *Definition {
	return &Definition{
		ID:      "wf-1",
		Version: 1,
		Name:    "Fetch and notify",
		Nodes: []Node{
			{ID: "trigger-1", Kind: NodeKindTrigger, Type: "schedule"},
			{ID: "fetch", Kind: NodeKindStep, Type: "http_request", Config: map[string]string{
				"url": "https://example.test/items?since={{@trigger-1:Trigger.triggerTime}}",
			}},
			{ID: "notify", Kind: NodeKindStep, Type: "hub_api", Config: map[string]string{
				"path": "/notify",
				"body": `{"count": "{{@fetch:Fetch.count}}"}`,
			}},
		},
	}
}

func TestDefinition_Validate(t *testing.T) {
	t.Run("Should accept a well-formed definition", func(t *testing.T) {
		require.NoError(t, validDefinition().Validate())
	})

	t.Run("Should require a workflow id", func(t *testing.T) {
		def := validDefinition()
		def.ID = ""
		assert.ErrorContains(t, def.Validate(), "workflow id is required")
	})

	t.Run("Should require a positive version", func(t *testing.T) {
		def := validDefinition()
		def.Version = 0
		assert.ErrorContains(t, def.Validate(), "version must be at least 1")
	})

	t.Run("Should reject an empty node list", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = nil
		assert.ErrorContains(t, def.Validate(), "no nodes defined")
	})

	t.Run("Should reject duplicate node ids", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = append(def.Nodes, Node{ID: "fetch", Kind: NodeKindStep, Type: "noop"})
		assert.ErrorContains(t, def.Validate(), "duplicate node id fetch")
	})

	t.Run("Should reject empty node ids", func(t *testing.T) {
		def := validDefinition()
		def.Nodes[1].ID = ""
		assert.ErrorContains(t, def.Validate(), "empty id")
	})

	t.Run("Should reject unknown node kinds", func(t *testing.T) {
		def := validDefinition()
		def.Nodes[1].Kind = "gateway"
		assert.ErrorContains(t, def.Validate(), `unknown kind "gateway"`)
	})

	t.Run("Should require at least one trigger node", func(t *testing.T) {
		def := validDefinition()
		def.Nodes = def.Nodes[1:]
		assert.ErrorContains(t, def.Validate(), "at least one trigger node is required")
	})

	t.Run("Should reject references to unknown nodes", func(t *testing.T) {
		def := validDefinition()
		def.Nodes[2].Config["extra"] = "{{@ghost:Ghost.value}}"
		assert.ErrorContains(t, def.Validate(), "references unknown node ghost")
	})

	t.Run("Should reject self-references", func(t *testing.T) {
		def := validDefinition()
		def.Nodes[1].Config["loop"] = "{{@fetch:Fetch.url}}"
		assert.ErrorContains(t, def.Validate(), "references itself")
	})

	t.Run("Should reject references inside trigger nodes", func(t *testing.T) {
		def := validDefinition()
		def.Nodes[0].Config = map[string]string{"odd": "{{@fetch:Fetch.count}}"}
		assert.ErrorContains(t, def.Validate(), "trigger node trigger-1 must not reference other nodes")
	})
}

func TestNode_EffectiveConfig(t *testing.T) {
	t.Run("Should merge type defaults under explicit config", func(t *testing.T) {
		node := Node{ID: "fetch", Kind: NodeKindStep, Type: "http_request", Config: map[string]string{
			"url": "https://example.test",
		}}
		cfg, err := node.EffectiveConfig()
		require.NoError(t, err)
		assert.Equal(t, "GET", cfg["method"])
		assert.Equal(t, "30s", cfg["timeout"])
		assert.Equal(t, "https://example.test", cfg["url"])
	})

	t.Run("Should let explicit config win over defaults", func(t *testing.T) {
		node := Node{ID: "push", Kind: NodeKindStep, Type: "http_request", Config: map[string]string{
			"method": "POST",
		}}
		cfg, err := node.EffectiveConfig()
		require.NoError(t, err)
		assert.Equal(t, "POST", cfg["method"])
	})

	t.Run("Should pass through config for types without defaults", func(t *testing.T) {
		node := Node{ID: "n", Kind: NodeKindStep, Type: "noop", Config: map[string]string{"k": "v"}}
		cfg, err := node.EffectiveConfig()
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"k": "v"}, cfg)
	})

	t.Run("Should not mutate the node config", func(t *testing.T) {
		node := Node{ID: "fetch", Kind: NodeKindStep, Type: "http_request", Config: map[string]string{
			"url": "https://example.test",
		}}
		_, err := node.EffectiveConfig()
		require.NoError(t, err)
		assert.NotContains(t, node.Config, "method")
	})
}

func TestNode_References(t *testing.T) {
	t.Run("Should collect distinct referenced ids", func(t *testing.T) {
		node := Node{ID: "n", Config: map[string]string{
			"a": "{{@x:X.v}} and {{@y:Y.v}}",
			"b": "{{@x:X.other}}",
		}}
		refs := node.References()
		assert.ElementsMatch(t, []string{"x", "y"}, refs)
	})

	t.Run("Should return nothing for plain configs", func(t *testing.T) {
		node := Node{ID: "n", Config: map[string]string{"a": "static"}}
		assert.Empty(t, node.References())
	})
}

func TestDefinition_Fork(t *testing.T) {
	t.Run("Should remap node ids and their references together", func(t *testing.T) {
		def := validDefinition()
		fork := def.Fork(map[string]string{
			"trigger-1": "trigger-1-copy",
			"fetch":     "fetch-copy",
			"notify":    "notify-copy",
		})

		ids := make([]string, 0, len(fork.Nodes))
		for _, n := range fork.Nodes {
			ids = append(ids, n.ID)
		}
		assert.Equal(t, []string{"trigger-1-copy", "fetch-copy", "notify-copy"}, ids)

		fetch, ok := fork.Node("fetch-copy")
		require.True(t, ok)
		assert.Contains(t, fetch.Config["url"], "{{@trigger-1-copy:Trigger.triggerTime}}")

		notify, ok := fork.Node("notify-copy")
		require.True(t, ok)
		assert.Contains(t, notify.Config["body"], "{{@fetch-copy:Fetch.count}}")
	})

	t.Run("Should leave unmapped ids untouched", func(t *testing.T) {
		def := validDefinition()
		fork := def.Fork(map[string]string{"fetch": "fetch-copy"})

		_, ok := fork.Node("trigger-1")
		assert.True(t, ok)
		fetch, ok := fork.Node("fetch-copy")
		require.True(t, ok)
		assert.Contains(t, fetch.Config["url"], "{{@trigger-1:Trigger.triggerTime}}")
	})

	t.Run("Should not mutate the original definition", func(t *testing.T) {
		def := validDefinition()
		_ = def.Fork(map[string]string{"fetch": "fetch-copy"})

		_, ok := def.Node("fetch")
		assert.True(t, ok)
		notify, _ := def.Node("notify")
		assert.Contains(t, notify.Config["body"], "{{@fetch:Fetch.count}}")
	})

	t.Run("Should produce a definition that still validates", func(t *testing.T) {
		fork := validDefinition().Fork(map[string]string{"fetch": "fetch-copy"})
		require.NoError(t, fork.Validate())
	})
}
