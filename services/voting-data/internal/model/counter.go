package model

// Counter is a named vote tally. The id is assigned by the store on first
// insert and never changes; the name is the user-facing key.
type Counter struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int64  `json:"count"`
}
