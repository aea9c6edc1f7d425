// Package model holds the shared data types that cross package boundaries:
// property maps, property metadata, and their canonical merge rules.
package model

// PropMetadata describes a single property: whether it may be edited or
// shown, and how it is presented. Metadata is sticky — once recorded for a
// property, later writes that omit metadata must not erase it.
type PropMetadata struct {
	Editable    bool   `json:"isEditable"`
	Visible     bool   `json:"isVisible"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

// DefaultMetadata derives the metadata used when a property is first written
// without an explicit record.
func DefaultMetadata(name string) PropMetadata {
	return PropMetadata{
		Editable:    true,
		Visible:     true,
		DisplayName: name,
		Description: "Property " + name,
	}
}

// PropertyMap maps property name to value.
type PropertyMap = map[string]any

// MetadataMap maps property name to metadata.
type MetadataMap = map[string]PropMetadata

// MergeProperties returns base ⊕ delta without mutating either argument.
func MergeProperties(base, delta PropertyMap) PropertyMap {
	out := make(PropertyMap, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// MergeMetadata returns base ⊕ delta without mutating either argument.
// Keys present only in base are carried forward unchanged.
func MergeMetadata(base, delta MetadataMap) MetadataMap {
	out := make(MetadataMap, len(base)+len(delta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}
