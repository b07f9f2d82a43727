package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDefinition = `
id: wf-orders
version: 1
name: Order sync
nodes:
  - id: trigger-1
    kind: trigger
    type: schedule
  - id: fetch
    kind: step
    type: hub_api
    config:
      path: /orders?since={{@trigger-1:Schedule.triggerTime}}
  - id: notify
    kind: step
    type: http_request
    config:
      url: https://hooks.example.com
      body: "{{@fetch:Fetch orders.response}}"
`

func writeDefinition(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestValidateCmd(t *testing.T) {
	t.Run("Should accept a valid definition and print the execution order", func(t *testing.T) {
		path := writeDefinition(t, validDefinition)

		out, err := runCLI(t, "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "wf-orders")
		assert.Contains(t, out, "trigger-1 -> fetch -> notify")
	})

	t.Run("Should reject a definition referencing an unknown node", func(t *testing.T) {
		path := writeDefinition(t, `
id: wf-broken
version: 1
nodes:
  - id: trigger-1
    kind: trigger
    type: schedule
  - id: lonely
    kind: step
    type: noop
    config:
      in: "{{@ghost:Ghost.value}}"
`)

		_, err := runCLI(t, "validate", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown node ghost")
	})

	t.Run("Should print upcoming ticks for a cron schedule", func(t *testing.T) {
		path := writeDefinition(t, validDefinition)

		out, err := runCLI(t, "validate", path, "--schedule", "0 * * * *", "--ticks", "2")
		require.NoError(t, err)
		assert.Contains(t, out, "next ticks")
	})

	t.Run("Should reject an invalid cron expression", func(t *testing.T) {
		path := writeDefinition(t, validDefinition)

		_, err := runCLI(t, "validate", path, "--schedule", "not-cron")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schedule invalid")
	})
}
