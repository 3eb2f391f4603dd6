package dockerrt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentorch/orchestrator/internal/plugin"
)

func TestImageFor(t *testing.T) {
	assert.Equal(t, defaultImage, imageFor(plugin.SessionSpec{}))
	assert.Equal(t, "acme/agent:v2", imageFor(plugin.SessionSpec{
		Env: map[string]string{imageEnvKey: "acme/agent:v2"},
	}))
}

func TestFlattenEnvIsSorted(t *testing.T) {
	env := flattenEnv(map[string]string{"B": "2", "A": "1", "C": "3"})
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, env)
	assert.Empty(t, flattenEnv(nil))
}

func TestLabelsFor(t *testing.T) {
	labels := labelsFor(plugin.SessionSpec{
		SessionID: "api-1",
		ProjectID: "api",
		Name:      "a1b2c3-api-1",
	})
	assert.Equal(t, "true", labels[labelManaged])
	assert.Equal(t, "api-1", labels[labelSession])
	assert.Equal(t, "api", labels[labelProject])
	assert.Equal(t, "a1b2c3-api-1", labels[labelName])
}

func TestMissingContainer(t *testing.T) {
	assert.True(t, missingContainer(errors.New("Error response from daemon: No such container: abc")))
	assert.False(t, missingContainer(errors.New("permission denied")))
	assert.False(t, missingContainer(nil))
}
