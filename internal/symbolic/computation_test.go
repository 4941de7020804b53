package symbolic

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecore/internal/entity"
)

func regionSpec(id uuid.UUID) map[string]any {
	return map[string]any{"type": "region", "uuid": id.String()}
}

func TestMutatedFiresOnExpressionAndVariables(t *testing.T) {
	c := New("a + b")
	count := 0
	l := c.Mutated().Listen(func(struct{}) { count++ })
	defer l.Close()

	c.SetExpression("a - b")
	require.NoError(t, c.AddVariable(Variable{Name: "a"}))
	assert.True(t, c.RemoveVariable("a"))
	assert.False(t, c.RemoveVariable("a"))
	assert.Equal(t, 3, count)
}

func TestAddVariableRejectsDuplicateName(t *testing.T) {
	c := New("x")
	require.NoError(t, c.AddVariable(Variable{Name: "src"}))
	assert.Error(t, c.AddVariable(Variable{Name: "src"}))
}

func TestVariableSourceRemovedFiresCascadeOnlyForCascadeInputs(t *testing.T) {
	c := New("crop(src, r)")
	kept, dropped := uuid.New(), uuid.New()
	require.NoError(t, c.AddVariable(Variable{Name: "src", Specifier: regionSpec(kept)}))
	require.NoError(t, c.AddVariable(Variable{Name: "r", Specifier: regionSpec(dropped), CascadeDelete: true}))

	fired := 0
	l := c.CascadeDelete().Listen(func(struct{}) { fired++ })
	defer l.Close()

	assert.False(t, c.VariableSourceRemoved(regionSpec(kept)))
	assert.True(t, c.VariableSourceRemoved(regionSpec(dropped)))
	assert.Equal(t, 1, fired)
}

func TestRoundTripAndClone(t *testing.T) {
	c := New("fft(src)")
	c.SetLabel("FFT")
	require.NoError(t, c.AddVariable(Variable{Name: "src", Specifier: map[string]any{"type": "data_item", "uuid": uuid.NewString()}, CascadeDelete: true}))

	raw, err := json.Marshal(c.WriteTo())
	require.NoError(t, err)
	var props entity.Properties
	require.NoError(t, json.Unmarshal(raw, &props))

	restored := Factory("computation").(*Computation)
	mutations := 0
	restored.Mutated().Listen(func(struct{}) { mutations++ })
	require.NoError(t, entity.Read(restored, props))
	assert.Zero(t, mutations, "reading restores without mutation events")
	assert.Equal(t, c.UUID(), restored.UUID())
	assert.Equal(t, "fft(src)", restored.Expression())
	assert.Equal(t, "FFT", restored.Label())
	assert.Equal(t, c.Variables(), restored.Variables())

	clone, err := c.Clone()
	require.NoError(t, err)
	assert.NotEqual(t, c.UUID(), clone.UUID())
	assert.Equal(t, c.Variables(), clone.Variables())
	clone.SetExpression("changed")
	assert.Equal(t, "fft(src)", c.Expression())
}

func TestFactoryRejectsOtherTypes(t *testing.T) {
	assert.Nil(t, Factory("display"))
	assert.Equal(t, "region", Variable{Specifier: regionSpec(uuid.New())}.SpecifierType())
}
