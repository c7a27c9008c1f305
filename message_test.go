package finbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandWireRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	cmd := NewCommandAt("create_transaction", map[string]any{
		"user_id": "u-7",
		"amount":  "10.00",
	}, "msg-1", at)
	cmd.SetMetadata("source", "test")

	rec := cmd.Wire()
	assert.Equal(t, "msg-1", rec.ID)
	assert.Equal(t, "create_transaction", rec.Type)
	assert.Equal(t, at.Format(time.RFC3339Nano), rec.Timestamp)

	back, err := CommandFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, rec, back.Wire())
	assert.Equal(t, KindCommand, back.Kind())
	assert.True(t, back.OccurredAt().Equal(at))
	assert.Equal(t, "test", back.Metadata()["source"])
}

func TestEventWireRoundTrip(t *testing.T) {
	ev := NewEvent("transaction_created", map[string]any{"transaction_id": "tx-1"})

	rec := ev.Wire()
	require.NotEmpty(t, rec.ID)
	require.NotEmpty(t, rec.Timestamp)

	back, err := EventFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, rec, back.Wire())
	assert.Equal(t, KindEvent, back.Kind())
}

func TestNewCommandGeneratesIdentity(t *testing.T) {
	a := NewCommand("create_budget", nil)
	b := NewCommand("create_budget", nil)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.OccurredAt().IsZero())
	assert.Equal(t, time.UTC, a.OccurredAt().Location())
	assert.NotNil(t, a.Payload())
}

func TestFromRecordRejectsMissingFields(t *testing.T) {
	valid := Record{
		ID:        "msg-1",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "create_budget",
		Payload:   map[string]any{},
	}

	cases := []struct {
		name   string
		mutate func(r *Record)
		field  string
	}{
		{"missing id", func(r *Record) { r.ID = "" }, "id"},
		{"missing timestamp", func(r *Record) { r.Timestamp = "" }, "timestamp"},
		{"missing type", func(r *Record) { r.Type = "" }, "type"},
		{"missing payload", func(r *Record) { r.Payload = nil }, "payload"},
		{"bad timestamp", func(r *Record) { r.Timestamp = "yesterday" }, "timestamp"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := valid
			tc.mutate(&rec)

			_, err := CommandFromRecord(rec)
			var merr *MalformedMessageError
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, tc.field, merr.Field)
		})
	}
}

func TestFromRecordUnknownKind(t *testing.T) {
	rec := Record{
		ID:        "msg-1",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      "create_budget",
		Payload:   map[string]any{},
	}

	_, err := FromRecord(Kind(99), rec)
	var merr *MalformedMessageError
	require.ErrorAs(t, err, &merr)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := JSONCodec{}
	rec := Record{
		ID:        "msg-1",
		Timestamp: "2026-03-14T09:26:53.589793238Z",
		Type:      "budget_exceeded",
		Payload:   map[string]any{"user_id": "u-1", "month": float64(3)},
		Metadata:  map[string]string{"trace": "abc"},
	}

	data, err := codec.Marshal(rec)
	require.NoError(t, err)

	back, err := codec.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, rec, back)
}

func TestJSONCodecMalformedInput(t *testing.T) {
	_, err := JSONCodec{}.Unmarshal([]byte("{not json"))
	var merr *MalformedMessageError
	require.ErrorAs(t, err, &merr)
}
