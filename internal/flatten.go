package internal

import "fmt"

// Flatten returns a single-level copy of data suitable as rule parameters.
// Nested keys are joined with ".", so {"app": {"versionCode": 1}} becomes
// {"app.versionCode": 1}. Arrays are exposed whole under "key" and "key[]"
// and element-wise under "key[i]".
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		flattenInto(out, key, value)
	}
	return out
}

func flattenInto(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, child := range typed {
			flattenInto(out, path+"."+key, child)
		}
	case []interface{}:
		out[path] = typed
		out[path+"[]"] = typed
		for i, child := range typed {
			flattenInto(out, fmt.Sprintf("%s[%d]", path, i), child)
		}
	default:
		out[path] = value
	}
}
