package documents

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// DiffFields returns the minimal set of field changes turning before into after.
// Changes are ordered by field name. Values are compared structurally after decoding,
// so formatting differences in the JSON text never produce a change.
func DiffFields(before, after Fields) ([]FieldChange, error) {
	names := make(map[string]struct{}, len(before)+len(after))
	for name := range before {
		names[name] = struct{}{}
	}
	for name := range after {
		names[name] = struct{}{}
	}
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	changes := make([]FieldChange, 0)
	for _, name := range ordered {
		oldValue, hadOld := before[name]
		newValue, hasNew := after[name]
		if hadOld && hasNew {
			equal, err := valuesEqual(oldValue, newValue)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			if equal {
				continue
			}
		}
		change := FieldChange{Field: name}
		if hadOld {
			change.OldValue = append(json.RawMessage(nil), oldValue...)
		}
		if hasNew {
			change.NewValue = append(json.RawMessage(nil), newValue...)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// ApplyFieldChanges replays the new values of changes on top of before.
// A change without a new value removes the field.
func ApplyFieldChanges(before Fields, changes []FieldChange) Fields {
	result := before.Clone()
	for _, change := range changes {
		if change.NewValue == nil {
			delete(result, change.Field)
			continue
		}
		result[change.Field] = append(json.RawMessage(nil), change.NewValue...)
	}
	return result
}

// revertFieldChanges undoes changes on top of after, restoring the old values.
func revertFieldChanges(after Fields, changes []FieldChange) Fields {
	result := after.Clone()
	for _, change := range changes {
		if change.OldValue == nil {
			delete(result, change.Field)
			continue
		}
		result[change.Field] = append(json.RawMessage(nil), change.OldValue...)
	}
	return result
}

func valuesEqual(left, right json.RawMessage) (bool, error) {
	if bytes.Equal(left, right) {
		return true, nil
	}
	var leftValue, rightValue any
	if err := json.Unmarshal(left, &leftValue); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	if err := json.Unmarshal(right, &rightValue); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	return reflect.DeepEqual(leftValue, rightValue), nil
}
