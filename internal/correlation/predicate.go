package correlation

import (
	"encoding/json"
	"reflect"

	"github.com/moroshma/eventrelay/internal/event"
)

// Predicate selects the envelope a pending correlation is waiting for.
// Predicates run on the subscription goroutine and should be cheap.
type Predicate func(env *event.Envelope) bool

// FieldEquals matches envelopes whose object payload holds want under key.
// want is compared after a JSON round trip, so it is seen exactly as a
// decoded payload value: 87 matches 87.0 and structs match objects. A want
// that cannot be encoded matches nothing.
func FieldEquals(key string, want any) Predicate {
	expected, err := normalize(want)
	if err != nil {
		return func(*event.Envelope) bool { return false }
	}
	return func(env *event.Envelope) bool {
		fields, err := env.Fields()
		if err != nil {
			return false
		}
		got, ok := fields[key]
		return ok && reflect.DeepEqual(got, expected)
	}
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CorrelationIDEquals matches envelopes stamped with id
func CorrelationIDEquals(id string) Predicate {
	return func(env *event.Envelope) bool {
		return env.CorrelationID == id
	}
}

// All matches when every predicate matches
func All(preds ...Predicate) Predicate {
	return func(env *event.Envelope) bool {
		for _, p := range preds {
			if p != nil && !p(env) {
				return false
			}
		}
		return true
	}
}
