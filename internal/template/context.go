package template

// MergeParams merges parameter maps; later maps win on conflicts. Used to
// layer per-execution parameters over a template's defaults.
func MergeParams(params ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, p := range params {
		for key, value := range p {
			result[key] = value
		}
	}
	return result
}
