package model

// File is a stored binary.
type File struct {
	ID       string `json:"id"`
	URI      string `json:"uri"`
	Filename string `json:"filename"`
	Mime     string `json:"mime,omitempty"`
	Size     int64  `json:"size"`
	Owner    string `json:"owner,omitempty"`
}

// Term is a taxonomy term.
type Term struct {
	ID          string `json:"id"`
	Vocabulary  string `json:"vocabulary"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// Entity is a reference to a record created by a rule.
type Entity struct {
	ID         string            `json:"id"`
	EntityType string            `json:"entity_type"`
	Bundle     string            `json:"bundle"`
	Owner      string            `json:"owner,omitempty"`
	Fields     map[string][]Item `json:"fields,omitempty"`
}
