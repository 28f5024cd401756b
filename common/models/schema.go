package models

// Column describes a single column of a result set, with the Arrow type name
// as its type string (e.g. "int64", "utf8").
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}
