package hierarchy

// MergeData overlays src onto dst and returns the result, without
// mutating either input. The rule is per-key replacement, one level
// deep: a top-level key present in both maps is replaced by src's
// value — unless both values are themselves maps, in which case their
// keys merge, with src winning on conflict. Nesting deeper than one
// level is replaced wholesale. This matches the conventional
// "settings sub-object" shape of context data.
func MergeData(dst, src map[string]any) map[string]any {
	out := cloneData(dst)
	for k, v := range src {
		existing, ok := out[k]
		if !ok {
			out[k] = cloneValue(v)
			continue
		}
		existingMap, emOK := existing.(map[string]any)
		incomingMap, imOK := v.(map[string]any)
		if emOK && imOK {
			merged := make(map[string]any, len(existingMap)+len(incomingMap))
			for ek, ev := range existingMap {
				merged[ek] = ev
			}
			for ik, iv := range incomingMap {
				merged[ik] = iv
			}
			out[k] = merged
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// cloneData copies a data map one level deep; nested maps are copied
// so callers can mutate the clone's sub-objects safely.
func cloneData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	if nested, ok := v.(map[string]any); ok {
		c := make(map[string]any, len(nested))
		for k, nv := range nested {
			c[k] = nv
		}
		return c
	}
	return v
}
