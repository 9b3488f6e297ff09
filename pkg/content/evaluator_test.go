package content

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const upperProcedure = `func(this map[string]interface{}, args []interface{}) (interface{}, error) {
	this["last"] = args[0]
	return strings.ToUpper(args[0].(string)), nil
}`

func TestYaegiEvaluator_RunsProcedures(t *testing.T) {
	e, err := NewYaegiEvaluator()
	require.NoError(t, err)

	this := map[string]any{}
	v, err := e.Eval(context.Background(), upperProcedure, this, []any{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "HELLO", v)
	assert.Equal(t, "hello", this["last"])

	v, err = e.Eval(context.Background(), upperProcedure, this, []any{"again"})
	require.NoError(t, err)
	assert.Equal(t, "AGAIN", v)
}

func TestYaegiEvaluator_ProcedureErrors(t *testing.T) {
	e, err := NewYaegiEvaluator()
	require.NoError(t, err)

	_, err = e.Eval(context.Background(), `func(this map[string]interface{}, args []interface{}) (interface{}, error) {
	return nil, fmt.Errorf("bad input %d", len(args))
}`, map[string]any{}, []any{1, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input 2")
}

func TestYaegiEvaluator_RejectsNonProcedures(t *testing.T) {
	e, err := NewYaegiEvaluator()
	require.NoError(t, err)

	_, err = e.Eval(context.Background(), `func(a int) int { return a }`, nil, nil)
	assert.Error(t, err)

	_, err = e.Eval(context.Background(), `func( {`, nil, nil)
	assert.Error(t, err)
}

func TestYaegiEvaluator_AsAgentEvaluator(t *testing.T) {
	e, err := NewYaegiEvaluator()
	require.NoError(t, err)

	_, c := newTestAgent(t, Options{Evaluator: e})
	require.NoError(t, c.ch.Send("shimRequire"))

	raw, err := c.ch.Request(waitCtx(t), "run", upperProcedure, []any{"wire"})
	require.NoError(t, err)
	assert.JSONEq(t, `"WIRE"`, string(raw))
}
