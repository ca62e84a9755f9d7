package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncStatus(t *testing.T) {
	assert.True(t, SyncPending.Valid())
	assert.False(t, SyncStatus("unknown").Valid())

	assert.False(t, SyncSynced.Unsynced())
	for _, s := range []SyncStatus{SyncLocalOnly, SyncPending, SyncSyncing, SyncConflict, SyncError} {
		assert.True(t, s.Unsynced(), string(s))
	}
}

func TestQueueItemReady(t *testing.T) {
	now := time.Now()

	t.Run("Due", func(t *testing.T) {
		item := QueueItem{NextRetryAt: now}
		assert.True(t, item.Ready(now))
	})

	t.Run("BackedOff", func(t *testing.T) {
		item := QueueItem{NextRetryAt: now.Add(time.Second)}
		assert.False(t, item.Ready(now))
	})

	t.Run("DeadLetter", func(t *testing.T) {
		item := QueueItem{NextRetryAt: now.Add(-time.Hour), DeadLetter: true}
		assert.False(t, item.Ready(now))
	})
}

func TestFieldPolicyKind(t *testing.T) {
	policy := DefaultFieldPolicies()[EntityQuote]

	assert.Equal(t, FieldText, policy.Kind("notes"))
	assert.Equal(t, FieldCritical, policy.Kind("status"))
	assert.Equal(t, FieldTimestamp, policy.Kind("viewed_at"))
	assert.Equal(t, FieldCritical, policy.Kind("never_seen_before"))

	var empty FieldPolicy
	assert.Equal(t, FieldCritical, empty.Kind("notes"))

	bad := FieldPolicy{"notes": "bogus"}
	assert.Equal(t, FieldCritical, bad.Kind("notes"))
}

func TestDecodePayload(t *testing.T) {
	t.Run("Quote", func(t *testing.T) {
		raw := json.RawMessage(`{"customer_name":"Ada","status":"draft","total":12500,"line_items":[{"description":"pump","quantity":1,"unit_price":12500}]}`)
		p, err := DecodePayload(EntityQuote, raw)
		require.NoError(t, err)

		q, ok := p.(Quote)
		require.True(t, ok)
		assert.Equal(t, "Ada", q.CustomerName)
		assert.Equal(t, int64(12500), q.Total)
		require.Len(t, q.LineItems, 1)
		assert.Equal(t, EntityQuote, q.EntityType())
	})

	t.Run("Job", func(t *testing.T) {
		p, err := DecodePayload(EntityJob, json.RawMessage(`{"customer_name":"Bo","address":"1 Main St","status":"scheduled"}`))
		require.NoError(t, err)
		assert.Equal(t, EntityJob, p.EntityType())
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := DecodePayload("invoice", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrUnknownEntityType)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := DecodePayload(EntityQuote, json.RawMessage(`[1,2`))
		assert.Error(t, err)
	})
}

func TestEncodePayload(t *testing.T) {
	raw, err := EncodePayload(Job{CustomerName: "Bo", Address: "1 Main St", Status: "scheduled"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"customer_name":"Bo","address":"1 Main St","status":"scheduled"}`, string(raw))

	_, err = EncodePayload(nil)
	assert.Error(t, err)
}

func TestResolutionChoice(t *testing.T) {
	assert.True(t, ResolveMerged.Valid())
	assert.False(t, ResolutionChoice("both").Valid())

	c := Conflict{}
	assert.False(t, c.Resolved())
	now := time.Now()
	c.ResolvedAt = &now
	assert.True(t, c.Resolved())
}

func TestErrorClassSurfaced(t *testing.T) {
	assert.True(t, ClassPermanent.Surfaced())
	assert.True(t, ClassAuth.Surfaced())
	assert.True(t, ClassLocal.Surfaced())
	assert.False(t, ClassTransient.Surfaced())
	assert.False(t, ClassConflict.Surfaced())
}
