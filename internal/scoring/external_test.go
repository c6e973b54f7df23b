package scoring

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/pkg/model"
)

func TestNormalizeExternal(t *testing.T) {
	s := newTestService(t, false)
	raw := json.RawMessage(`[
		{"duration": 10.0, "total_pkts": 5000, "pkt_rate": 500.0, "protocol": 6, "prediction": 1, "score": 0.8},
		{"flow_key": "k2", "duration": 0, "total_pkts": 1, "pkt_rate": 1, "protocol": "udp", "score": 0.1, "severity": "HIGH"}
	]`)
	flows, err := ParseExternal(raw, "flows")
	require.NoError(t, err)

	recs, err := s.NormalizeExternal(flows, "flows")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	_, err = uuid.Parse(recs[0].FlowKey)
	assert.NoError(t, err, "missing flow_key gets a uuid")
	assert.Equal(t, "TCP", recs[0].Protocol)
	assert.True(t, recs[0].IsAlert)
	assert.Equal(t, model.SeverityHigh, recs[0].Severity)
	assert.Equal(t, int64(5000), recs[0].TotalPkts)

	assert.Equal(t, "k2", recs[1].FlowKey)
	assert.Equal(t, "UDP", recs[1].Protocol)
	assert.False(t, recs[1].IsAlert)
	assert.Equal(t, model.SeverityHigh, recs[1].Severity)
}

func TestNormalizeExternal_Invalid(t *testing.T) {
	s := newTestService(t, false)
	cases := []struct {
		body  string
		field string
	}{
		{`[{"total_pkts": 1, "pkt_rate": 1}]`, "flows[0].duration"},
		{`[{"duration": 1, "total_pkts": 1, "pkt_rate": 1}, {"duration": 1, "total_pkts": 1.5, "pkt_rate": 1}]`, "flows[1].total_pkts"},
		{`[{"duration": 1, "total_pkts": 1, "pkt_rate": -1}]`, "flows[0].pkt_rate"},
		{`[{"duration": 1, "total_pkts": 1, "pkt_rate": 1, "prediction": 2}]`, "flows[0].prediction"},
		{`[{"duration": 1, "total_pkts": 1, "pkt_rate": 1, "score": 1.5}]`, "flows[0].score"},
		{`[{"duration": 1, "total_pkts": 1, "pkt_rate": 1, "protocol": [6]}]`, "flows[0].protocol"},
		{`[{"duration": 1, "total_pkts": 0, "pkt_rate": 1}]`, "flows[0].total_pkts"},
		{`[{"duration": 1, "total_pkts": 1, "total_bytes": -500, "pkt_rate": 1}]`, "flows[0].total_bytes"},
		{`[{"duration": 1, "total_pkts": 1, "mean_pkt_len": -3, "pkt_rate": 1}]`, "flows[0].mean_pkt_len"},
	}
	for _, tc := range cases {
		flows, err := ParseExternal(json.RawMessage(tc.body), "flows")
		require.NoError(t, err, tc.body)
		_, err = s.NormalizeExternal(flows, "flows")
		ve, ok := AsValidationError(err)
		require.True(t, ok, "body=%s err=%v", tc.body, err)
		assert.Equal(t, tc.field, ve.Field)
	}

	_, err := ParseExternal(json.RawMessage(`[]`), "flows")
	_, ok := AsValidationError(err)
	assert.True(t, ok)

	_, err = ParseExternal(json.RawMessage(`[{"severity": "BOGUS"}]`), "flows")
	_, ok = AsValidationError(err)
	assert.True(t, ok)
}

func TestExternalFromRecord(t *testing.T) {
	s := newTestService(t, false)
	rec := model.FlowRecord{FlowKey: "a", Duration: 2, TotalPkts: 4, PktRate: 2, Protocol: "ICMP", Prediction: 1, Score: 0.9, Severity: model.SeverityCritical, IsAlert: true}
	back, err := s.NormalizeExternal([]ExternalFlow{ExternalFromRecord(rec)}, "flows")
	require.NoError(t, err)
	assert.Equal(t, rec, back[0])
}
