package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_RecordsEvents(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ev := Event{
		RunID:       "run-1",
		Source:      "osm",
		ArchiveURIs: []string{"file:///out/osm.mbtiles"},
		Succeeded:   12,
		Exhausted:   1,
		CompletedAt: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, m.Publish(context.Background(), ev))
	require.NoError(t, m.Close())

	events := m.Events()
	require.Len(t, events, 1)
	require.Equal(t, ev, events[0])
}

func TestEncode_EventPayload(t *testing.T) {
	t.Parallel()

	data, err := encode(Event{RunID: "run-2", Source: "satellite", Succeeded: 3})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "run-2", decoded["run_id"])
	require.Equal(t, "satellite", decoded["source"])
	require.Equal(t, float64(3), decoded["tiles_succeeded"])
}
