package audit

import (
	"fmt"
	"sort"
)

// FlattenDiff renders old/new value maps as flat "key: change" lines.
// Only new values present: additive (+value). Only old: subtractive
// (-value). Both present: changed keys only, as old→new; unchanged keys
// are omitted.
func FlattenDiff(oldValues, newValues map[string]any) []string {
	switch {
	case len(oldValues) == 0 && len(newValues) == 0:
		return nil
	case len(oldValues) == 0:
		lines := make([]string, 0, len(newValues))
		for _, k := range sortedKeys(newValues) {
			lines = append(lines, fmt.Sprintf("%s: +%v", k, newValues[k]))
		}
		return lines
	case len(newValues) == 0:
		lines := make([]string, 0, len(oldValues))
		for _, k := range sortedKeys(oldValues) {
			lines = append(lines, fmt.Sprintf("%s: -%v", k, oldValues[k]))
		}
		return lines
	}

	keys := make(map[string]struct{}, len(oldValues)+len(newValues))
	for k := range oldValues {
		keys[k] = struct{}{}
	}
	for k := range newValues {
		keys[k] = struct{}{}
	}
	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	var lines []string
	for _, k := range ordered {
		oldV, hasOld := oldValues[k]
		newV, hasNew := newValues[k]
		switch {
		case hasOld && hasNew:
			if fmt.Sprintf("%v", oldV) == fmt.Sprintf("%v", newV) {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s: %v→%v", k, oldV, newV))
		case hasNew:
			lines = append(lines, fmt.Sprintf("%s: +%v", k, newV))
		default:
			lines = append(lines, fmt.Sprintf("%s: -%v", k, oldV))
		}
	}
	return lines
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
