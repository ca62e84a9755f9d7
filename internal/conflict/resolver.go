package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// DeletedField names the pseudo-field reported when one side deleted the entity.
const DeletedField = "_deleted"

// Side is one representation of an entity taking part in a merge.
type Side struct {
	Payload   json.RawMessage
	Deleted   bool
	UpdatedAt time.Time
}

// Input carries both sides plus the last state both agreed on, when known.
type Input struct {
	EntityType string
	EntityID   string
	Local      Side
	Remote     Side
	Base       json.RawMessage
}

// Decision is the resolver outcome.
type Decision struct {
	// Identical means both sides already hold the same state.
	Identical bool
	// AutoMerge means Merged is safe to apply without asking anyone.
	AutoMerge bool
	Merged    json.RawMessage
	// Fields lists every field the two sides disagree on.
	Fields []string
	// Critical lists the disagreeing fields that forbid an automatic merge.
	Critical []string
}

// Resolver decides between automatic merge and manual resolution per entity type.
type Resolver struct {
	policies map[string]models.FieldPolicy
	threeWay bool
	logger   *zerolog.Logger
}

func NewResolver(policies map[string]models.FieldPolicy, threeWay bool, logger *zerolog.Logger) *Resolver {
	if policies == nil {
		policies = models.DefaultFieldPolicies()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Resolver{policies: policies, threeWay: threeWay, logger: logger}
}

// Resolve compares the sides field by field. Any disagreement on a critical field, a
// deletion on one side only, or a payload that is not a JSON object requires manual input.
func (r *Resolver) Resolve(in Input) (Decision, error) {
	switch {
	case in.Local.Deleted && in.Remote.Deleted:
		return Decision{Identical: true}, nil
	case in.Local.Deleted || in.Remote.Deleted:
		return Decision{Fields: []string{DeletedField}, Critical: []string{DeletedField}}, nil
	}

	local, err := decodeObject(in.Local.Payload)
	if err != nil {
		return Decision{}, fmt.Errorf("local payload of %s: %w", in.EntityID, err)
	}
	remote, err := decodeObject(in.Remote.Payload)
	if err != nil {
		return Decision{}, fmt.Errorf("remote payload of %s: %w", in.EntityID, err)
	}

	var base map[string]json.RawMessage
	if r.threeWay && len(in.Base) > 0 {
		// An unreadable base only costs the three-way refinement.
		if base, err = decodeObject(in.Base); err != nil {
			r.logger.Warn().Err(err).Str("entity_id", in.EntityID).Msg("ignoring unreadable base payload")
			base = nil
		}
	}

	policy := r.policies[in.EntityType]
	merged := make(map[string]json.RawMessage, len(local)+len(remote))
	var d Decision
	identical := true

	for _, field := range unionKeys(local, remote) {
		lv, rv := local[field], remote[field]
		if jsonEqual(lv, rv) {
			setField(merged, field, rv)
			continue
		}
		identical = false
		kind := policy.Kind(field)
		// Critical fields never merge, even when only one side moved away from the base.
		if base != nil && kind != models.FieldCritical {
			bv := base[field]
			if jsonEqual(lv, bv) {
				setField(merged, field, rv)
				continue
			}
			if jsonEqual(rv, bv) {
				setField(merged, field, lv)
				continue
			}
		}

		d.Fields = append(d.Fields, field)
		switch kind {
		case models.FieldCritical:
			d.Critical = append(d.Critical, field)
		case models.FieldTimestamp:
			setField(merged, field, rv)
		case models.FieldMetadata:
			setField(merged, field, lastWriter(in, lv, rv))
		case models.FieldText:
			setField(merged, field, mergeText(in, lv, rv, base[field]))
		}
	}

	d.Identical = identical
	if len(d.Critical) > 0 {
		return d, nil
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return Decision{}, fmt.Errorf("encode merged payload: %w", err)
	}
	d.AutoMerge = true
	d.Merged = raw
	return d, nil
}

// MergeOnto re-applies the same policy to one more local payload against the remote side.
// It is used to rebase queued snapshots once an automatic merge has been accepted.
func (r *Resolver) MergeOnto(in Input, local json.RawMessage) (json.RawMessage, error) {
	in.Local.Payload = local
	d, err := r.Resolve(in)
	if err != nil {
		return nil, err
	}
	if !d.AutoMerge {
		return nil, fmt.Errorf("queued change to %s touches critical fields %v", in.EntityID, d.Critical)
	}
	return d.Merged, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}

func unionKeys(a, b map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, m := range []map[string]json.RawMessage{a, b} {
		for k := range m {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two payloads hold the same JSON value.
func Equal(a, b json.RawMessage) bool {
	return jsonEqual(a, b)
}

// jsonEqual compares decoded values; an absent field equals an explicit null.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if len(a) > 0 {
		if err := json.Unmarshal(a, &av); err != nil {
			return bytes.Equal(a, b)
		}
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &bv); err != nil {
			return bytes.Equal(a, b)
		}
	}
	return reflect.DeepEqual(av, bv)
}

func setField(m map[string]json.RawMessage, field string, v json.RawMessage) {
	if len(v) == 0 {
		delete(m, field)
		return
	}
	m[field] = v
}

// lastWriter picks the value from the side updated last; on a tie the larger encoded
// value wins so both clients reach the same answer.
func lastWriter(in Input, lv, rv json.RawMessage) json.RawMessage {
	switch {
	case in.Local.UpdatedAt.After(in.Remote.UpdatedAt):
		return lv
	case in.Remote.UpdatedAt.After(in.Local.UpdatedAt):
		return rv
	case bytes.Compare(compact(lv), compact(rv)) > 0:
		return lv
	default:
		return rv
	}
}

func compact(v json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

// mergeText keeps textual additions from both sides. Appends to a shared base are
// stacked remote first; otherwise the longer text wins when it contains the other, and
// unrelated edits are joined oldest first.
func mergeText(in Input, lv, rv, bv json.RawMessage) json.RawMessage {
	ls, lok := textValue(lv)
	rs, rok := textValue(rv)
	if !lok || !rok {
		return lastWriter(in, lv, rv)
	}

	var out string
	if bs, ok := textValue(bv); ok && bs != "" && strings.HasPrefix(ls, bs) && strings.HasPrefix(rs, bs) {
		out = rs + ls[len(bs):]
	} else {
		switch {
		case strings.Contains(ls, rs):
			out = ls
		case strings.Contains(rs, ls):
			out = rs
		case in.Local.UpdatedAt.Before(in.Remote.UpdatedAt):
			out = ls + "\n" + rs
		default:
			out = rs + "\n" + ls
		}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return rv
	}
	return raw
}

// textValue reads a JSON string; absent and null read as empty text.
func textValue(v json.RawMessage) (string, bool) {
	if len(v) == 0 || string(v) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}
