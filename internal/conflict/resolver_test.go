package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	earlier = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	later   = earlier.Add(time.Minute)
)

func quoteInput(local, remote, base string) Input {
	in := Input{
		EntityType: models.EntityQuote,
		EntityID:   "q-1",
		Local:      Side{Payload: json.RawMessage(local), UpdatedAt: earlier},
		Remote:     Side{Payload: json.RawMessage(remote), UpdatedAt: later},
	}
	if base != "" {
		in.Base = json.RawMessage(base)
	}
	return in
}

func TestResolve_Identical(t *testing.T) {
	r := NewResolver(nil, true, nil)
	d, err := r.Resolve(quoteInput(`{"status":"sent","total":100}`, `{"total":100,"status":"sent"}`, ""))
	require.NoError(t, err)
	assert.True(t, d.Identical)
	assert.True(t, d.AutoMerge)
	assert.Empty(t, d.Fields)
}

func TestResolve_CriticalFieldBlocksMerge(t *testing.T) {
	r := NewResolver(nil, true, nil)
	d, err := r.Resolve(quoteInput(
		`{"status":"sent","notes":"call first"}`,
		`{"status":"accepted","notes":"gate code 42"}`,
		`{"status":"draft","notes":""}`,
	))
	require.NoError(t, err)
	assert.False(t, d.AutoMerge)
	assert.Nil(t, d.Merged)
	assert.Equal(t, []string{"status"}, d.Critical)
	assert.ElementsMatch(t, []string{"notes", "status"}, d.Fields)
}

func TestResolve_UnknownFieldIsCritical(t *testing.T) {
	r := NewResolver(nil, false, nil)
	d, err := r.Resolve(quoteInput(`{"discount":5}`, `{"discount":10}`, ""))
	require.NoError(t, err)
	assert.False(t, d.AutoMerge)
	assert.Equal(t, []string{"discount"}, d.Critical)
}

func TestResolve_NonCriticalAutoMerge(t *testing.T) {
	r := NewResolver(nil, false, nil)
	d, err := r.Resolve(quoteInput(
		`{"status":"sent","notes":"bring ladder","color_tag":"red","viewed_at":"2026-03-01T08:00:00Z"}`,
		`{"status":"sent","notes":"customer prefers mornings","color_tag":"blue","viewed_at":"2026-03-01T08:30:00Z"}`,
		"",
	))
	require.NoError(t, err)
	require.True(t, d.AutoMerge)
	assert.Empty(t, d.Critical)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(d.Merged, &merged))
	assert.Equal(t, "sent", merged["status"])
	assert.Equal(t, "bring ladder\ncustomer prefers mornings", merged["notes"], "older text first")
	assert.Equal(t, "blue", merged["color_tag"], "remote written last")
	assert.Equal(t, "2026-03-01T08:30:00Z", merged["viewed_at"], "remote wins timestamps")
}

func TestResolve_TextAdditionKept(t *testing.T) {
	r := NewResolver(nil, false, nil)
	d, err := r.Resolve(quoteInput(`{"notes":"gate code 42, dog in yard"}`, `{"notes":"gate code 42"}`, ""))
	require.NoError(t, err)
	require.True(t, d.AutoMerge)
	assert.JSONEq(t, `{"notes":"gate code 42, dog in yard"}`, string(d.Merged))
}

func TestResolve_AppendsToSharedBase(t *testing.T) {
	r := NewResolver(nil, true, nil)
	d, err := r.Resolve(quoteInput(
		`{"status":"sent","notes":"site visit. local: measured roof"}`,
		`{"status":"sent","notes":"site visit. office: sent pricing"}`,
		`{"status":"sent","notes":"site visit."}`,
	))
	require.NoError(t, err)
	require.True(t, d.AutoMerge)
	assert.JSONEq(t, `{"status":"sent","notes":"site visit. office: sent pricing local: measured roof"}`, string(d.Merged))
}

func TestResolve_ThreeWayOneSidedChanges(t *testing.T) {
	base := `{"status":"draft","total":100,"notes":"","color_tag":"blue"}`
	local := `{"status":"draft","total":100,"notes":"call first","color_tag":"blue"}`
	remote := `{"status":"draft","total":100,"notes":"","color_tag":"amber"}`

	t.Run("NonCritical", func(t *testing.T) {
		r := NewResolver(nil, true, nil)
		d, err := r.Resolve(quoteInput(local, remote, base))
		require.NoError(t, err)
		require.True(t, d.AutoMerge)
		assert.Empty(t, d.Fields, "each field changed on one side only")
		assert.JSONEq(t, `{"status":"draft","total":100,"notes":"call first","color_tag":"amber"}`, string(d.Merged))
	})

	t.Run("CriticalStillConflicts", func(t *testing.T) {
		r := NewResolver(nil, true, nil)
		d, err := r.Resolve(quoteInput(
			`{"status":"sent","total":100,"notes":""}`,
			`{"status":"draft","total":120,"notes":""}`,
			`{"status":"draft","total":100,"notes":""}`,
		))
		require.NoError(t, err)
		assert.False(t, d.AutoMerge)
		assert.ElementsMatch(t, []string{"status", "total"}, d.Critical)
	})

	t.Run("Disabled", func(t *testing.T) {
		r := NewResolver(nil, false, nil)
		d, err := r.Resolve(quoteInput(local, remote, base))
		require.NoError(t, err)
		require.True(t, d.AutoMerge)
		assert.ElementsMatch(t, []string{"notes", "color_tag"}, d.Fields)
	})
}

func TestResolve_MetadataTieIsDeterministic(t *testing.T) {
	r := NewResolver(nil, false, nil)
	in := quoteInput(`{"color_tag":"blue"}`, `{"color_tag":"amber"}`, "")
	in.Local.UpdatedAt = in.Remote.UpdatedAt

	d1, err := r.Resolve(in)
	require.NoError(t, err)

	swapped := in
	swapped.Local, swapped.Remote = in.Remote, in.Local
	d2, err := r.Resolve(swapped)
	require.NoError(t, err)

	assert.JSONEq(t, string(d1.Merged), string(d2.Merged))
	assert.JSONEq(t, `{"color_tag":"blue"}`, string(d1.Merged))
}

func TestResolve_Deletions(t *testing.T) {
	r := NewResolver(nil, true, nil)

	in := quoteInput(`{"status":"sent"}`, ``, "")
	in.Remote.Deleted = true
	d, err := r.Resolve(in)
	require.NoError(t, err)
	assert.False(t, d.AutoMerge)
	assert.Equal(t, []string{DeletedField}, d.Critical)

	in.Local.Deleted = true
	d, err = r.Resolve(in)
	require.NoError(t, err)
	assert.True(t, d.Identical)
}

func TestResolve_NonObjectPayload(t *testing.T) {
	r := NewResolver(nil, true, nil)
	_, err := r.Resolve(quoteInput(`[1,2]`, `{}`, ""))
	assert.Error(t, err)
}

func TestResolve_CustomPolicy(t *testing.T) {
	policies := map[string]models.FieldPolicy{"site": {"label": models.FieldMetadata}}
	r := NewResolver(policies, false, nil)
	in := Input{
		EntityType: "site",
		EntityID:   "s-1",
		Local:      Side{Payload: json.RawMessage(`{"label":"north"}`), UpdatedAt: later},
		Remote:     Side{Payload: json.RawMessage(`{"label":"south"}`), UpdatedAt: earlier},
	}
	d, err := r.Resolve(in)
	require.NoError(t, err)
	require.True(t, d.AutoMerge)
	assert.JSONEq(t, `{"label":"north"}`, string(d.Merged))
}

func TestMergeOnto(t *testing.T) {
	r := NewResolver(nil, true, nil)
	in := quoteInput(`{}`, `{"status":"draft","notes":"office note"}`, `{"status":"draft","notes":""}`)

	out, err := r.MergeOnto(in, json.RawMessage(`{"status":"draft","notes":"","color_tag":"red"}`))
	require.NoError(t, err, "a non-critical field only the local side added is one-sided")
	assert.JSONEq(t, `{"status":"draft","notes":"office note","color_tag":"red"}`, string(out))

	_, err = r.MergeOnto(in, json.RawMessage(`{"status":"sent","notes":""}`))
	assert.Error(t, err, "a critical field that differs from the remote is never rebased")

	_, err = r.MergeOnto(in, json.RawMessage(`{"status":"draft","notes":"","total":5}`))
	assert.Error(t, err, "a critical field missing on the remote side differs")
}
