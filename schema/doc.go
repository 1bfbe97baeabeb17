// Package schema generates JSON Schema documents from Go types and checks
// decoded arguments against them.
//
// Tool input types describe themselves through struct tags:
//
//	type PostMessage struct {
//	    Channel string `json:"channel" jsonschema:"required,description=The channel to send the message to"`
//	    Text    string `json:"text" jsonschema:"required,description=The text of the message to send"`
//	}
//
//	s, err := schema.Generate(PostMessage{})
//
// The jsonschema tag accepts required, enum=a|b, minimum=N, maximum=N and
// description=text. The description runs to the end of the tag, so it may
// contain commas.
//
// Validate reports every violation as a ValidationErrors value. Each entry
// names the failing keyword, which lets callers single out missing required
// fields through Missing:
//
//	if errs, ok := err.(schema.ValidationErrors); ok {
//	    for _, field := range errs.Missing() { ... }
//	}
//
// Only the subset of JSON Schema that tool arguments need is covered:
// object properties, required, primitive types, array items, enum and
// numeric bounds.
package schema
