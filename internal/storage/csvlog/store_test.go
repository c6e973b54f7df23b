package csvlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowsentry/pkg/model"
)

func TestStore_MissingFileIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "none.csv"))
	got, err := s.LoadAlerts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_AppendWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "malicious_flows.csv")
	s := NewStore(path)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, &model.FlowRecord{Duration: 10, TotalPkts: 5000, TotalBytes: 400000, MeanPktLen: 80, PktRate: 500, Protocol: "TCP"}))
	require.NoError(t, s.Append(ctx, &model.FlowRecord{Duration: 0.5, TotalPkts: 3, TotalBytes: 180, MeanPktLen: 60, PktRate: 6}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
	assert.Equal(t, "10,5000,400000,80,500,TCP", lines[1])
	assert.Equal(t, "0.5,3,180,60,6,OTHER", lines[2])

	got, err := s.LoadAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.AlertKey{Duration: 10, TotalPkts: 5000, PktRate: 500}, got[0].AlertKey())
	assert.Equal(t, "OTHER", got[1].Protocol)
}

func TestParse_Variants(t *testing.T) {
	ctx := context.Background()

	t.Run("reordered header with label and numeric protocol", func(t *testing.T) {
		in := "protocol,pkt_rate,total_pkts,duration,label\n17,500.0,5000.0,10.0,1\n"
		got, err := Parse(ctx, strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "UDP", got[0].Protocol)
		assert.Equal(t, int64(5000), got[0].TotalPkts)
		require.NotNil(t, got[0].Label)
		assert.Equal(t, 1, *got[0].Label)
	})

	t.Run("headerless positional", func(t *testing.T) {
		in := "2.5,120,15000,125,48,6\n\n1,1,60,60,1,ICMP\n"
		got, err := Parse(ctx, strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "TCP", got[0].Protocol)
		assert.Equal(t, 48.0, got[0].PktRate)
		assert.Equal(t, "ICMP", got[1].Protocol)
	})

	t.Run("incomplete rows skipped", func(t *testing.T) {
		in := "duration,total_pkts,pkt_rate\n1,2\n3,4,5\n"
		got, err := Parse(ctx, strings.NewReader(in))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 3.0, got[0].Duration)
	})

	t.Run("malformed rows skipped and counted", func(t *testing.T) {
		in := "duration,total_pkts,pkt_rate\n" +
			"x,2,3\n" +
			"10.0,5000.0,500.0\n" +
			"3.0,30,1e\n" +
			"NaN,1,1\n" +
			"1,1,+Inf\n" +
			"2,-4,2\n" +
			"4,8\"x,4\n" +
			"5,5,1\n"
		got, skipped, err := ParseCounted(ctx, strings.NewReader(in))
		require.NoError(t, err)
		assert.Equal(t, 6, skipped)
		require.Len(t, got, 2)
		assert.Equal(t, model.AlertKey{Duration: 10, TotalPkts: 5000, PktRate: 500}, got[0].AlertKey())
		assert.Equal(t, 5.0, got[1].Duration)
	})
}
