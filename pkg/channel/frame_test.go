package channel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_WireShape(t *testing.T) {
	f, err := NewFrame("run", 3, "return 1", []int{1, 2})
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `["run",3,["return 1",[1,2]]]`, string(data))

	reply, err := NewFrame("", -3)
	require.NoError(t, err)
	data, err = json.Marshal(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `["",-3,[]]`, string(data))
	assert.True(t, reply.IsReply())
	assert.Equal(t, "null", string(reply.Arg(0)))
}

func TestFrame_UnmarshalRejectsMalformed(t *testing.T) {
	malformed := map[string]string{
		"object":         `{"method":"run"}`,
		"short":          `["run",1]`,
		"method type":    `[1,1,[]]`,
		"fractional id":  `["run",1.5,[]]`,
		"args not array": `["run",1,"x"]`,
	}

	for name, data := range malformed {
		data := data
		t.Run(name, func(t *testing.T) {
			var f Frame
			err := json.Unmarshal([]byte(data), &f)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol))
		})
	}
}

func TestFrame_Validate(t *testing.T) {
	assert.NoError(t, Frame{Method: "ping"}.Validate())
	assert.NoError(t, Frame{Method: "run", ID: MaxID}.Validate())
	assert.NoError(t, Frame{ID: -7}.Validate())

	assert.ErrorIs(t, Frame{}.Validate(), ErrProtocol)
	assert.ErrorIs(t, Frame{Method: "run", ID: -1}.Validate(), ErrProtocol)
	assert.ErrorIs(t, Frame{Method: "run", ID: MaxID + 1}.Validate(), ErrProtocol)
}

func TestDecodeRejection(t *testing.T) {
	err := decodeRejection(json.RawMessage(`{"name":"TypeError","message":"x is undefined","stack":"at y"}`))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "TypeError: x is undefined", err.Error())

	err = decodeRejection(json.RawMessage(`"just a string"`))
	var rejected *RejectedValue
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, `"just a string"`, string(rejected.Value))
}
