package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/pkg/model"
)

func TestEncodeDecode(t *testing.T) {
	flows := []model.FlowRecord{{FlowKey: "a", Duration: 1, TotalPkts: 2, PktRate: 2, Protocol: "TCP", Severity: model.SeverityNone}}
	data, err := Encode(flows)
	require.NoError(t, err)

	raw, err := Decode(data)
	require.NoError(t, err)

	var back []model.FlowRecord
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, flows, back)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"other": 1}`))
	assert.Error(t, err)
}
