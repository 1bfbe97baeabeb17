package server

// ToolAnnotations are hints about tool behavior that clients can use
// without calling the tool. They are advisory only.
type ToolAnnotations struct {
	Title string `json:"title,omitempty"`

	// ReadOnlyHint: the tool has no side effects. Unset means false.
	ReadOnlyHint *bool `json:"readOnlyHint,omitempty"`

	// DestructiveHint: the tool may destroy data. Unset means true.
	DestructiveHint *bool `json:"destructiveHint,omitempty"`

	// IdempotentHint: repeating a call with the same input has no further
	// effect. Unset means false.
	IdempotentHint *bool `json:"idempotentHint,omitempty"`

	// OpenWorldHint: the tool reaches systems outside the host, such as a
	// chat service. Unset means true.
	OpenWorldHint *bool `json:"openWorldHint,omitempty"`
}

// Bool returns a pointer to v for use in annotations.
func Bool(v bool) *bool {
	return &v
}

func (b *ToolBuilder) annotate(set func(a *ToolAnnotations)) *ToolBuilder {
	if b.err != nil {
		return b
	}
	if b.tool.annotations == nil {
		b.tool.annotations = &ToolAnnotations{}
	}
	set(b.tool.annotations)
	return b
}

// ReadOnly marks the tool as free of side effects.
func (b *ToolBuilder) ReadOnly() *ToolBuilder {
	return b.annotate(func(a *ToolAnnotations) {
		a.ReadOnlyHint = Bool(true)
		a.DestructiveHint = Bool(false)
	})
}

// Destructive marks the tool as potentially destructive.
func (b *ToolBuilder) Destructive() *ToolBuilder {
	return b.annotate(func(a *ToolAnnotations) { a.DestructiveHint = Bool(true) })
}

// Idempotent marks the tool as idempotent.
func (b *ToolBuilder) Idempotent() *ToolBuilder {
	return b.annotate(func(a *ToolAnnotations) { a.IdempotentHint = Bool(true) })
}

// OpenWorld marks the tool as reaching external systems.
func (b *ToolBuilder) OpenWorld() *ToolBuilder {
	return b.annotate(func(a *ToolAnnotations) { a.OpenWorldHint = Bool(true) })
}

// ClosedWorld marks the tool as not reaching external systems.
func (b *ToolBuilder) ClosedWorld() *ToolBuilder {
	return b.annotate(func(a *ToolAnnotations) { a.OpenWorldHint = Bool(false) })
}

// Title sets a human-readable title.
func (b *ToolBuilder) Title(title string) *ToolBuilder {
	return b.annotate(func(a *ToolAnnotations) { a.Title = title })
}

// Annotations replaces all annotations.
func (b *ToolBuilder) Annotations(annotations ToolAnnotations) *ToolBuilder {
	return b.annotate(func(a *ToolAnnotations) { *a = annotations })
}
