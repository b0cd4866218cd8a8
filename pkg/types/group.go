package types

// TagGroup is the ordered set of detections sharing one tag
type TagGroup struct {
	Tag        string      `json:"tag"`
	Detections []Detection `json:"detections"`
}

// TagGroups keeps groups in the order their tag was first seen
type TagGroups []TagGroup

// GroupByTag groups detections by tag name without modifying the input.
// Groups follow the first-seen order of tags and detections keep their
// relative order inside each group.
func GroupByTag(detections []Detection) TagGroups {
	index := make(map[string]int)
	groups := make(TagGroups, 0)
	for _, d := range detections {
		i, ok := index[d.TagName]
		if !ok {
			i = len(groups)
			index[d.TagName] = i
			groups = append(groups, TagGroup{Tag: d.TagName})
		}
		groups[i].Detections = append(groups[i].Detections, d)
	}
	return groups
}

// Tags returns the group tags in order
func (g TagGroups) Tags() []string {
	out := make([]string, len(g))
	for i, group := range g {
		out[i] = group.Tag
	}
	return out
}

// Map returns the groups keyed by tag
func (g TagGroups) Map() map[string][]Detection {
	out := make(map[string][]Detection, len(g))
	for _, group := range g {
		out[group.Tag] = group.Detections
	}
	return out
}
