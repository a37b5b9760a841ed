package inspector

// The wire shapes below are what clients see, over JSON and CBOR alike. The
// CBOR encoder falls back to the json tags.

// RootEntry is one named entry point into the host's object graph.
type RootEntry struct {
	Name         string `json:"name"`
	HandleID     string `json:"handleId"`
	Type         string `json:"type"`
	AssemblyName string `json:"assemblyName"`
}

// Result is the shallow description of one handle.
type Result struct {
	HandleID       string          `json:"handleId"`
	Type           string          `json:"type"`
	AssemblyName   string          `json:"assemblyName"`
	Value          any             `json:"value"`
	Members        []Member        `json:"members"`
	CollectionInfo *CollectionInfo `json:"collectionInfo"`
}

// Member is one field or getter of an inspected value. It carries either an
// inline value (primitives, nil, read errors) or a child handle, never both.
type Member struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	AssemblyName string  `json:"assemblyName"`
	IsPrimitive  bool    `json:"isPrimitive"`
	HandleID     *string `json:"handleId"`
	Value        any     `json:"value"`
}

// CollectionInfo describes the elements of an enumerable value.
type CollectionInfo struct {
	IsCollection bool      `json:"isCollection"`
	Count        int       `json:"count"`
	ElementType  string    `json:"elementType"`
	Elements     []Element `json:"elements"`
}

// Element is a Member addressed by position instead of by name.
type Element struct {
	Index       int     `json:"index"`
	HandleID    *string `json:"handleId"`
	Type        string  `json:"type"`
	IsPrimitive bool    `json:"isPrimitive"`
	Value       any     `json:"value"`
}
